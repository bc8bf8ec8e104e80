package instashare

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/instashare/instashare/manifest"
	"github.com/instashare/instashare/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory BlobStore that records every manifest it was sent.
type memStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	opts      map[string]store.PutOptions
	manifests [][]manifest.Entry
	failKeys  map[string]error
	delay     time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{
		objects:  map[string][]byte{},
		opts:     map[string]store.PutOptions{},
		failKeys: map[string]error{},
	}
}

func (m *memStore) PutObject(ctx context.Context, key string, r io.Reader, length int64, opts store.PutOptions) error {
	isManifest := strings.HasSuffix(key, "/"+manifest.FileName)

	if !isManifest {
		n := m.inFlight.Add(1)
		defer m.inFlight.Add(-1)
		for {
			cur := m.maxInFlight.Load()
			if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}

		if m.delay > 0 {
			select {
			case <-time.After(m.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != length {
		return fmt.Errorf("short body for %s: %d != %d", key, len(data), length)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failKeys[key]; err != nil {
		return err
	}

	m.objects[key] = data
	m.opts[key] = opts

	if isManifest {
		entries, err := manifest.Parse(data)
		if err != nil {
			return err
		}
		m.manifests = append(m.manifests, entries)
	}

	return nil
}

func (m *memStore) PublicURL(_ context.Context, key string) (string, error) {
	return store.PublicObjectURL("https://cdn.example.com", key), nil
}

func (m *memStore) DeleteObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.objects {
		if k == key || strings.HasPrefix(k, key+"/") {
			delete(m.objects, k)
		}
	}
	return nil
}

func (m *memStore) lastManifest(t *testing.T) []manifest.Entry {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.manifests)
	return m.manifests[len(m.manifests)-1]
}

type recordCall struct {
	remoteID, localPath, link string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordCall
	err   error
}

func (f *fakeRecorder) SaveRecord(remoteID, localPath, link string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordCall{remoteID, localPath, link})
	return f.err
}

func fixedID(id string) func() string {
	return func() string { return id }
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), size), 0o600))
}

func newTestUploader(t *testing.T, s store.BlobStore, cfg Config) *Uploader {
	t.Helper()
	cfg.Store = s
	if cfg.LinkBaseURL == "" {
		cfg.LinkBaseURL = "https://share.example.com/view/"
	}
	if cfg.NewID == nil {
		cfg.NewID = fixedID("abc123")
	}
	u, err := New(cfg)
	require.NoError(t, err)
	return u
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "missing store", cfg: Config{LinkBaseURL: "https://x"}, wantErr: true},
		{name: "missing link base", cfg: Config{Store: newMemStore()}, wantErr: true},
		{name: "negative concurrency", cfg: Config{Store: newMemStore(), LinkBaseURL: "https://x", Concurrency: -1}, wantErr: true},
		{name: "defaults", cfg: Config{Store: newMemStore(), LinkBaseURL: "https://x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := New(tt.cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultConcurrency, u.concurrency)
			assert.Equal(t, DefaultMinTransferTimeout, u.minTransferTimeout)
			assert.Equal(t, int64(DefaultMinThroughput), u.minThroughput)
			assert.NotEmpty(t, u.newID())
		})
	}
}

func TestTransferTimeout(t *testing.T) {
	u := newTestUploader(t, newMemStore(), Config{
		MinTransferTimeout: 60 * time.Second,
		MinThroughput:      1024,
	})

	assert.Equal(t, 60*time.Second, u.transferTimeout(0))
	assert.Equal(t, 60*time.Second, u.transferTimeout(10*1024))
	assert.Equal(t, 120*time.Second, u.transferTimeout(120*1024))
}

func TestUploadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello instashare"), 0o600))

	ms := newMemStore()
	rec := &fakeRecorder{}

	var (
		mu     sync.Mutex
		events []ProgressEvent
	)
	u := newTestUploader(t, ms, Config{
		Recorder: rec,
		OnProgress: func(e ProgressEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, e)
		},
	})

	result, err := u.UploadFile(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "abc123", result.RemoteID)
	assert.Equal(t, "abc123/report.txt", result.BaseKey)
	assert.Equal(t, "abc123/index.json", result.ManifestKey)
	assert.Equal(t, "https://share.example.com/view/abc123", result.Link)
	assert.Equal(t, 1, result.Files)
	assert.Equal(t, int64(16), result.Bytes)

	assert.Equal(t, "hello instashare", string(ms.objects["abc123/report.txt"]))
	assert.True(t, ms.opts["abc123/report.txt"].Public)
	assert.Contains(t, ms.opts["abc123/report.txt"].ContentType, "text/plain")
	assert.Equal(t, "application/json", ms.opts["abc123/index.json"].ContentType)

	// first manifest lists the file as uploading, the last as uploaded
	require.GreaterOrEqual(t, len(ms.manifests), 2)
	assert.Equal(t, []manifest.Entry{{
		Path:   "report.txt",
		URL:    "https://cdn.example.com/abc123/report.txt",
		Size:   16,
		Status: manifest.StatusUploading,
	}}, ms.manifests[0])
	assert.Equal(t, manifest.StatusUploaded, ms.lastManifest(t)[0].Status)

	require.NotEmpty(t, events)

	// the link is reported as soon as the manifest is out
	assert.Equal(t, 0.0, events[0].Percent)
	assert.Equal(t, result.Link, events[0].Link)

	last := events[len(events)-1]
	assert.Equal(t, 100.0, last.Percent)
	assert.Equal(t, "report.txt", last.Path)
	assert.Equal(t, result.Link, last.Link)

	assert.Equal(t, []recordCall{{"abc123", path, result.Link}}, rec.calls)
}

func TestUploadFile_TransferFailureNeverFlips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.bin")
	writeFile(t, path, 32)

	ms := newMemStore()
	ms.failKeys["abc123/a.bin"] = errors.New("connection reset")
	rec := &fakeRecorder{}

	u := newTestUploader(t, ms, Config{Recorder: rec})

	result, err := u.UploadFile(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, 1, result.Failed)

	for _, doc := range ms.manifests {
		assert.Equal(t, manifest.StatusUploading, doc[0].Status)
	}

	// the published manifest is recorded so it still expires
	assert.Equal(t, []recordCall{{"abc123", path, result.Link}}, rec.calls)
}

func TestUploadFile_EmptyFileReportsLink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.txt")
	writeFile(t, path, 0)

	var events []ProgressEvent
	u := newTestUploader(t, newMemStore(), Config{
		OnProgress: func(e ProgressEvent) {
			events = append(events, e)
		},
	})

	result, err := u.UploadFile(context.Background(), path)
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, "empty.txt", events[0].Path)
	assert.Equal(t, 0.0, events[0].Percent)
	assert.Equal(t, result.Link, events[0].Link)
}

func TestUploadFile_RecorderFailureKeepsResult(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.bin")
	writeFile(t, path, 8)

	rec := &fakeRecorder{err: errors.New("disk full")}
	u := newTestUploader(t, newMemStore(), Config{Recorder: rec})

	result, err := u.UploadFile(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, result.Files)
	assert.NotEmpty(t, result.Link)
}

func TestUpload_NotFound(t *testing.T) {
	ms := newMemStore()
	u := newTestUploader(t, ms, Config{})

	missing := filepath.Join(t.TempDir(), "missing")

	_, err := u.Upload(context.Background(), missing)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = u.UploadFolder(context.Background(), missing)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = u.UploadFile(context.Background(), missing)
	assert.ErrorIs(t, err, ErrNotFound)

	// nothing reached the store
	assert.Empty(t, ms.objects)
}

func TestUploadFolder_NotADirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	writeFile(t, path, 1)

	ms := newMemStore()
	u := newTestUploader(t, ms, Config{})

	_, err := u.UploadFolder(context.Background(), path)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, ms.objects)
}

func TestUploadFolder_ThreeFiles(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	writeFile(t, filepath.Join(root, "a.txt"), 10)
	writeFile(t, filepath.Join(root, "sub", "b.txt"), 20)
	writeFile(t, filepath.Join(root, "sub", "c.txt"), 5)

	ms := newMemStore()
	rec := &fakeRecorder{}
	u := newTestUploader(t, ms, Config{Recorder: rec})

	result, err := u.Upload(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, "abc123", result.RemoteID)
	assert.Equal(t, "abc123/root", result.BaseKey)
	assert.Equal(t, "https://share.example.com/view/abc123/root", result.Link)
	assert.Equal(t, 3, result.Files)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, int64(35), result.Bytes)

	// the first publish already enumerates every file with its size
	first := ms.manifests[0]
	require.Len(t, first, 3)
	wantPaths := []string{"root/a.txt", "root/sub/b.txt", "root/sub/c.txt"}
	wantSizes := []int64{10, 20, 5}
	for i, e := range first {
		assert.Equal(t, wantPaths[i], e.Path)
		assert.Equal(t, wantSizes[i], e.Size)
		assert.Equal(t, manifest.StatusUploading, e.Status)
		assert.Equal(t, "https://cdn.example.com/abc123/"+wantPaths[i], e.URL)
	}

	for _, e := range ms.lastManifest(t) {
		assert.Equal(t, manifest.StatusUploaded, e.Status)
	}

	for _, p := range wantPaths {
		assert.Contains(t, ms.objects, "abc123/"+p)
	}

	assert.Equal(t, []recordCall{{"abc123", root, result.Link}}, rec.calls)
}

func TestUploadFolder_SymlinkedRoot(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	writeFile(t, filepath.Join(target, "a.txt"), 10)
	writeFile(t, filepath.Join(target, "sub", "b.txt"), 4)

	link := filepath.Join(dir, "shared")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	ms := newMemStore()
	rec := &fakeRecorder{}
	u := newTestUploader(t, ms, Config{Recorder: rec})

	result, err := u.Upload(context.Background(), link)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Files)
	assert.Equal(t, int64(14), result.Bytes)
	assert.Equal(t, "https://share.example.com/view/abc123/shared", result.Link)

	paths := []string{}
	for _, e := range ms.lastManifest(t) {
		paths = append(paths, e.Path)
		assert.Equal(t, manifest.StatusUploaded, e.Status)
	}
	assert.Equal(t, []string{"shared/a.txt", "shared/sub/b.txt"}, paths)
	assert.Contains(t, ms.objects, "abc123/shared/sub/b.txt")
}

func TestUploadFolder_BoundedConcurrency(t *testing.T) {
	const (
		files   = 20
		workers = 3
	)

	root := filepath.Join(t.TempDir(), "many")
	for i := 0; i < files; i++ {
		writeFile(t, filepath.Join(root, fmt.Sprintf("f%02d.bin", i)), 64)
	}

	ms := newMemStore()
	ms.delay = 20 * time.Millisecond

	u := newTestUploader(t, ms, Config{Concurrency: workers})

	result, err := u.UploadFolder(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, files, result.Files)

	assert.LessOrEqual(t, ms.maxInFlight.Load(), int32(workers))
	assert.Greater(t, ms.maxInFlight.Load(), int32(1))

	last := ms.lastManifest(t)
	require.Len(t, last, files)
	for _, e := range last {
		assert.Equal(t, manifest.StatusUploaded, e.Status)
	}

	// published documents never lose an uploaded entry
	prev := 0
	for _, doc := range ms.manifests {
		uploaded := 0
		for _, e := range doc {
			if e.Status == manifest.StatusUploaded {
				uploaded++
			}
		}
		assert.GreaterOrEqual(t, uploaded, prev)
		prev = uploaded
	}
}

func TestUploadFolder_PartialFailure(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	writeFile(t, filepath.Join(root, "a.txt"), 10)
	writeFile(t, filepath.Join(root, "b.txt"), 10)
	writeFile(t, filepath.Join(root, "c.txt"), 10)

	ms := newMemStore()
	ms.failKeys["abc123/root/b.txt"] = errors.New("503 slow down")
	rec := &fakeRecorder{}

	u := newTestUploader(t, ms, Config{Recorder: rec})

	result, err := u.UploadFolder(context.Background(), root)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.Contains(t, err.Error(), "root/b.txt")

	assert.Equal(t, 2, result.Files)
	assert.Equal(t, 1, result.Failed)

	statuses := map[string]manifest.Status{}
	for _, e := range ms.lastManifest(t) {
		statuses[e.Path] = e.Status
	}
	assert.Equal(t, map[string]manifest.Status{
		"root/a.txt": manifest.StatusUploaded,
		"root/b.txt": manifest.StatusUploading,
		"root/c.txt": manifest.StatusUploaded,
	}, statuses)

	assert.Equal(t, []recordCall{{"abc123", root, result.Link}}, rec.calls)
}

func TestUploadFolder_Cancelled(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	for i := 0; i < 5; i++ {
		writeFile(t, filepath.Join(root, fmt.Sprintf("f%d.bin", i)), 8)
	}

	ms := newMemStore()
	u := newTestUploader(t, ms, Config{Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := u.UploadFolder(ctx, root)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, result.Files)
	assert.Equal(t, 5, result.Failed)
}

func TestUploadFolder_Empty(t *testing.T) {
	root := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.MkdirAll(root, 0o755))

	ms := newMemStore()
	u := newTestUploader(t, ms, Config{})

	result, err := u.UploadFolder(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Files)
	assert.Empty(t, ms.lastManifest(t))
}

func TestCallProgress_RecoversFromPanic(t *testing.T) {
	u := newTestUploader(t, newMemStore(), Config{
		OnProgress: func(ProgressEvent) { panic("boom") },
	})

	assert.NotPanics(t, func() {
		u.callProgress(ProgressEvent{Path: "a"})
	})
}

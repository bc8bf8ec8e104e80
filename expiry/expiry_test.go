package expiry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/instashare/instashare/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeleter struct {
	mu      sync.Mutex
	deleted []string
	fail    map[string]error
}

func (f *fakeDeleter) DeleteObject(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[key]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeDeleter) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

var now = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func newLedger(t *testing.T, records ...ledger.Record) *ledger.File {
	t.Helper()
	l := ledger.Open(filepath.Join(t.TempDir(), ledger.DefaultFileName))
	if records != nil {
		require.NoError(t, l.Save(records))
	}
	return l
}

func ids(records []ledger.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.FileID)
	}
	return out
}

func TestSaveRecord(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Save(nil))

	s := New(l, &fakeDeleter{})

	before := time.Now().UTC()
	require.NoError(t, s.SaveRecord("f1", "/tmp/a.txt", "https://x/f1"))

	records, err := l.Load()
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "f1", rec.FileID)
	assert.Equal(t, "/tmp/a.txt", rec.FilePath)
	assert.Equal(t, "https://x/f1", rec.ShareableLink)
	assert.WithinDuration(t, before, rec.UploadTimeUTC, time.Second)
	assert.Equal(t, time.UTC, rec.UploadTimeUTC.Location())
}

func TestSaveRecord_CreatesLedger(t *testing.T) {
	l := newLedger(t)
	s := New(l, &fakeDeleter{}, WithClock(clock))

	require.NoError(t, s.SaveRecord("f1", "/tmp/a.txt", "https://x/f1"))
	require.NoError(t, s.SaveRecord("f2", "/tmp/b", "https://x/f2"))

	records, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, ids(records))
	assert.True(t, now.Equal(records[0].UploadTimeUTC))
}

func TestSaveRecord_Concurrent(t *testing.T) {
	l := newLedger(t)
	s := New(l, &fakeDeleter{}, WithClock(clock))

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("f%02d", i)
			assert.NoError(t, s.SaveRecord(id, "/tmp/"+id, "https://x/"+id))
		}()
	}
	wg.Wait()

	records, err := l.Load()
	require.NoError(t, err)
	assert.Len(t, records, 20)
}

// savingDeleter records a new upload while a reap is deleting.
type savingDeleter struct {
	s  *Scheduler
	wg sync.WaitGroup
}

func (d *savingDeleter) DeleteObject(context.Context, string) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_ = d.s.SaveRecord("fresh", "/tmp/fresh", "https://x/fresh")
	}()
	return nil
}

func TestReapExpired_KeepsRecordSavedDuringReap(t *testing.T) {
	l := newLedger(t, ledger.Record{FileID: "old", UploadTimeUTC: now.Add(-72 * time.Hour)})

	d := &savingDeleter{}
	s := New(l, d, WithClock(clock))
	d.s = s

	res, err := s.ReapExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids(res.Deleted))

	d.wg.Wait()

	records, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids(records))
}

func TestSaveRecord_CorruptLedger(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, os.WriteFile(l.Path(), []byte("not json"), 0o600))

	s := New(l, &fakeDeleter{})

	err := s.SaveRecord("f1", "/tmp/a.txt", "https://x/f1")
	assert.ErrorIs(t, err, ledger.ErrCorrupt)

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, "not json", string(data))
}

func TestReapExpired_RetentionBoundary(t *testing.T) {
	l := newLedger(t,
		ledger.Record{FileID: "exact", UploadTimeUTC: now.Add(-DefaultRetention)},
		ledger.Record{FileID: "just-inside", UploadTimeUTC: now.Add(-DefaultRetention + time.Second)},
		ledger.Record{FileID: "old", UploadTimeUTC: now.Add(-30 * 24 * time.Hour)},
		ledger.Record{FileID: "fresh", UploadTimeUTC: now.Add(-time.Minute)},
	)

	d := &fakeDeleter{}
	s := New(l, d, WithClock(clock))

	result, err := s.ReapExpired(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"exact", "old"}, ids(result.Deleted))
	assert.Equal(t, 2, result.Kept)
	assert.Empty(t, result.Failed)
	assert.Equal(t, []string{"exact", "old"}, d.calls())

	records, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"just-inside", "fresh"}, ids(records))
}

func TestReapExpired_Idempotent(t *testing.T) {
	l := newLedger(t,
		ledger.Record{FileID: "old", UploadTimeUTC: now.Add(-72 * time.Hour)},
		ledger.Record{FileID: "fresh", UploadTimeUTC: now.Add(-time.Hour)},
	)

	d := &fakeDeleter{}
	s := New(l, d, WithClock(clock))

	_, err := s.ReapExpired(context.Background())
	require.NoError(t, err)
	first, err := os.ReadFile(l.Path())
	require.NoError(t, err)

	result, err := s.ReapExpired(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Deleted)

	second, err := os.ReadFile(l.Path())
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
	assert.Equal(t, []string{"old"}, d.calls())
}

func TestReapExpired_PartialFailure(t *testing.T) {
	l := newLedger(t,
		ledger.Record{FileID: "a", UploadTimeUTC: now.Add(-72 * time.Hour)},
		ledger.Record{FileID: "b", UploadTimeUTC: now.Add(-72 * time.Hour)},
		ledger.Record{FileID: "c", UploadTimeUTC: now.Add(-72 * time.Hour)},
	)

	d := &fakeDeleter{fail: map[string]error{"b": errors.New("access denied")}}
	s := New(l, d, WithClock(clock))

	result, err := s.ReapExpired(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeleteFailed)
	assert.Contains(t, err.Error(), "access denied")

	assert.Equal(t, []string{"a", "c"}, ids(result.Deleted))
	assert.Equal(t, []string{"b"}, ids(result.Failed))

	// successful deletions are persisted, the failure is kept for the next pass
	records, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(records))

	delete(d.fail, "b")
	result, err = s.ReapExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(result.Deleted))

	records, err = l.Load()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReapExpired_MissingLedger(t *testing.T) {
	l := newLedger(t)
	d := &fakeDeleter{}

	result, err := New(l, d).ReapExpired(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Deleted)
	assert.Empty(t, d.calls())

	ok, err := l.Exists()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReapExpired_CorruptLedger(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, os.WriteFile(l.Path(), []byte(`[{"FileId": 1}]`), 0o600))

	d := &fakeDeleter{}

	_, err := New(l, d).ReapExpired(context.Background())
	assert.ErrorIs(t, err, ledger.ErrCorrupt)
	assert.Empty(t, d.calls())

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, `[{"FileId": 1}]`, string(data))
}

func TestReapExpired_CustomRetention(t *testing.T) {
	l := newLedger(t,
		ledger.Record{FileID: "two-hours", UploadTimeUTC: now.Add(-2 * time.Hour)},
		ledger.Record{FileID: "ten-minutes", UploadTimeUTC: now.Add(-10 * time.Minute)},
	)

	s := New(l, &fakeDeleter{}, WithClock(clock), WithRetention(time.Hour), WithRetention(0))
	assert.Equal(t, time.Hour, s.Retention())

	result, err := s.ReapExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"two-hours"}, ids(result.Deleted))
}

func TestRun_StopsWithContext(t *testing.T) {
	l := newLedger(t,
		ledger.Record{FileID: "old", UploadTimeUTC: now.Add(-72 * time.Hour)},
	)

	d := &fakeDeleter{}
	s := New(l, d, WithClock(clock))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// reaped on the first pass, later passes find nothing to delete
	assert.Equal(t, []string{"old"}, d.calls())

	assert.Error(t, s.Run(context.Background(), 0))
}

// Package manifest maintains the index.json document that describes every file
// of one upload operation and whether it has finished uploading.
//
// The document is a JSON array of entries:
//
//	[{"path":"root/a.txt","url":"https://cdn.example.com/<id>/root/a.txt","size":10,"status":"uploading"}]
//
// A Builder owns the entries for the duration of one upload and republishes the
// whole document every time an entry changes, so a viewer polling the manifest
// sees the tree fill in as files complete.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/instashare/instashare/internal/trace"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// FileName is the object name of the manifest inside an upload namespace.
const FileName = "index.json"

// Status is the upload state of a single entry.
type Status string

const (
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
)

var (
	// ErrUnknownPath is returned when a flip is requested for a path that is not in the manifest.
	ErrUnknownPath = errors.New("path not in manifest")

	// ErrDuplicatePath is returned by Initialize when two entries share a path.
	ErrDuplicatePath = errors.New("duplicate manifest path")

	// ErrAlreadyInitialized is returned when Initialize is called twice.
	ErrAlreadyInitialized = errors.New("manifest already initialized")
)

// Entry describes one uploaded file.
type Entry struct {
	Path   string `json:"path"`
	URL    string `json:"url"`
	Size   int64  `json:"size"`
	Status Status `json:"status"`
}

// Publisher stores a serialized manifest under key, replacing any previous version.
type Publisher interface {
	PublishManifest(ctx context.Context, key string, r io.Reader, length int64) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, key string, r io.Reader, length int64) error

func (f PublisherFunc) PublishManifest(ctx context.Context, key string, r io.Reader, length int64) error {
	return f(ctx, key, r, length)
}

// Key returns the manifest object key for a namespace.
func Key(namespace string) string {
	return path.Join(namespace, FileName)
}

// Builder holds the entries of one upload and publishes consistent snapshots of them.
// All methods are safe for concurrent use.
type Builder struct {
	publisher Publisher
	key       string

	mu          sync.Mutex
	entries     []Entry
	index       map[string]int
	initialized bool
	version     uint64

	// pubMu serialises publishes so an older snapshot never lands after a newer one.
	pubMu     sync.Mutex
	published uint64
}

// NewBuilder creates a builder publishing to key.
func NewBuilder(publisher Publisher, key string) *Builder {
	return &Builder{
		publisher: publisher,
		key:       key,
		index:     make(map[string]int),
	}
}

// Key returns the object key the manifest is published under.
func (b *Builder) Key() string {
	return b.key
}

// Initialize sets the full entry list. Every entry starts as uploading regardless
// of the status passed in. It must be called once, before any upload starts.
func (b *Builder) Initialize(entries []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return ErrAlreadyInitialized
	}

	list := make([]Entry, len(entries))
	index := make(map[string]int, len(entries))
	for i, e := range entries {
		if _, ok := index[e.Path]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicatePath, e.Path)
		}
		e.Status = StatusUploading
		list[i] = e
		index[e.Path] = i
	}

	b.entries = list
	b.index = index
	b.initialized = true
	b.version++

	return nil
}

// MarkUploaded flips the entry for p to uploaded. Flipping an entry that is
// already uploaded is a no-op, entries never move back to uploading.
func (b *Builder) MarkUploaded(p string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	i, ok := b.index[p]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPath, p)
	}

	if b.entries[i].Status == StatusUploaded {
		return nil
	}

	b.entries[i].Status = StatusUploaded
	b.version++

	return nil
}

// Snapshot returns a copy of the current entries.
func (b *Builder) Snapshot() []Entry {
	entries, _ := b.snapshot()
	return entries
}

func (b *Builder) snapshot() ([]Entry, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := make([]Entry, len(b.entries))
	copy(entries, b.entries)

	return entries, b.version
}

// Marshal serializes the current entries.
func (b *Builder) Marshal() ([]byte, error) {
	return Marshal(b.Snapshot())
}

// Publish stores the current entries at the builder key. Concurrent calls are
// serialised, a snapshot older than the last successfully published one is skipped.
func (b *Builder) Publish(ctx context.Context) error {
	ctx, span := trace.Start(ctx, "Builder.Publish")
	defer span.End()

	entries, version := b.snapshot()

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if version <= b.published {
		log.Debug().Str("key", b.key).Uint64("version", version).Msg("manifest already published, skipping")
		return nil
	}

	data, err := Marshal(entries)
	if err != nil {
		return trace.NewError(span, "failed to marshal manifest: %w", err)
	}

	span.SetAttributes(
		attribute.String("manifest.key", b.key),
		attribute.Int("manifest.entries", len(entries)),
		attribute.Int64("manifest.version", int64(version)),
	)

	if err := b.publisher.PublishManifest(ctx, b.key, bytes.NewReader(data), int64(len(data))); err != nil {
		return trace.NewError(span, "failed to publish manifest %s: %w", b.key, err)
	}

	b.published = version

	return nil
}

// Complete flips p to uploaded and republishes the manifest as one unit.
func (b *Builder) Complete(ctx context.Context, p string) error {
	if err := b.MarkUploaded(p); err != nil {
		return err
	}
	return b.Publish(ctx)
}

// Marshal encodes entries as a JSON array. A nil slice encodes as [].
func Marshal(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(entries)
}

// Parse decodes a published manifest.
func Parse(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return entries, nil
}

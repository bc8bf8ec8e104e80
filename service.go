package instashare

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/instashare/instashare/manifest"
	"github.com/instashare/instashare/store"
	"github.com/rs/zerolog/log"
)

// manifestCacheControl stops CDNs from serving a stale manifest while an upload is running.
const manifestCacheControl = "no-cache, no-store, must-revalidate"

// New creates and validates a new Uploader.
//
// Returns an error wrapping ErrInvalidConfiguration if Store or LinkBaseURL
// is missing or a numeric setting is negative.
func New(cfg Config) (*Uploader, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfiguration)
	}

	if cfg.LinkBaseURL == "" {
		return nil, fmt.Errorf("%w: link base URL is required", ErrInvalidConfiguration)
	}

	if _, err := url.Parse(cfg.LinkBaseURL); err != nil {
		return nil, fmt.Errorf("%w: invalid link base URL: %w", ErrInvalidConfiguration, err)
	}

	if cfg.Concurrency < 0 || cfg.MinTransferTimeout < 0 || cfg.MinThroughput < 0 {
		return nil, fmt.Errorf("%w: concurrency, timeout and throughput must not be negative", ErrInvalidConfiguration)
	}

	// Set defaults
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	if cfg.MinTransferTimeout == 0 {
		cfg.MinTransferTimeout = DefaultMinTransferTimeout
	}

	if cfg.MinThroughput == 0 {
		cfg.MinThroughput = DefaultMinThroughput
	}

	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	return &Uploader{
		store:              cfg.Store,
		linkBaseURL:        strings.TrimSuffix(cfg.LinkBaseURL, "/"),
		concurrency:        cfg.Concurrency,
		minTransferTimeout: cfg.MinTransferTimeout,
		minThroughput:      cfg.MinThroughput,
		recorder:           cfg.Recorder,
		onProgress:         cfg.OnProgress,
		newID:              cfg.NewID,
	}, nil
}

// callProgress safely calls the progress callback if it exists
func (u *Uploader) callProgress(event ProgressEvent) {
	if u.onProgress != nil {
		// Protect against panics in user-provided callback
		defer func() {
			if r := recover(); r != nil {
				log.Warn().Interface("panic", r).Str("path", event.Path).Msg("progress callback panicked")
			}
		}()
		u.onProgress(event)
	}
}

// transferTimeout gives small files the minimum deadline and larger ones
// enough time to move at the minimum throughput.
func (u *Uploader) transferTimeout(size int64) time.Duration {
	scaled := time.Duration(float64(size) / float64(u.minThroughput) * float64(time.Second))
	return max(u.minTransferTimeout, scaled)
}

// link builds the shareable link from the namespace id and optional path segments.
func (u *Uploader) link(id string, segments ...string) string {
	escaped := make([]string, 0, len(segments)+1)
	escaped = append(escaped, url.PathEscape(id))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	return u.linkBaseURL + "/" + strings.Join(escaped, "/")
}

// PublishManifest stores a manifest document as a public, uncached JSON object.
func (u *Uploader) PublishManifest(ctx context.Context, key string, r io.Reader, length int64) error {
	return u.store.PutObject(ctx, key, r, length, store.PutOptions{
		Public:       true,
		ContentType:  "application/json",
		CacheControl: manifestCacheControl,
	})
}

var _ manifest.Publisher = (*Uploader)(nil)

// record hands a finished upload to the recorder if there is one.
func (u *Uploader) record(result UploadResult, localPath string) error {
	if u.recorder == nil {
		return nil
	}

	if err := u.recorder.SaveRecord(result.RemoteID, localPath, result.Link); err != nil {
		return fmt.Errorf("failed to record upload %s: %w", result.RemoteID, err)
	}

	return nil
}

// contentType sniffs the file content, falling back to a generic binary type.
func contentType(path string) string {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("failed to detect content type")
		return "application/octet-stream"
	}
	return mtype.String()
}

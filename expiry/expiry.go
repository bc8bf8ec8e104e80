// Package expiry deletes uploads from the blob store once they are older than
// a retention period, using the ledger as the list of outstanding uploads.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/instashare/instashare/internal/trace"
	"github.com/instashare/instashare/ledger"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultRetention is how long uploads are kept before they are reaped.
const DefaultRetention = 48 * time.Hour

// ErrDeleteFailed wraps the failure to delete one expired upload.
var ErrDeleteFailed = errors.New("delete failed")

// Deleter removes an upload and everything stored below it. store.BlobStore implements it.
type Deleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// Scheduler records finished uploads and reaps the expired ones.
// It is safe for concurrent use within one process.
type Scheduler struct {
	// mu serialises every load-modify-save of the ledger
	mu sync.Mutex

	ledger    *ledger.File
	deleter   Deleter
	retention time.Duration
	now       func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRetention sets how long uploads are kept. Non positive values are ignored.
func WithRetention(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a Scheduler backed by the ledger file l.
func New(l *ledger.File, deleter Deleter, opts ...Option) *Scheduler {
	s := &Scheduler{
		ledger:    l,
		deleter:   deleter,
		retention: DefaultRetention,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Retention returns the configured retention period.
func (s *Scheduler) Retention() time.Duration {
	return s.retention
}

// SaveRecord appends a finished upload to the ledger, stamped with the current time.
// It creates the ledger if needed and refuses to touch a corrupt one.
func (s *Scheduler) SaveRecord(remoteID, localPath, link string) error {
	rec := ledger.Record{
		FileID:        remoteID,
		FilePath:      localPath,
		ShareableLink: link,
		UploadTimeUTC: s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ledger.Append(rec); err != nil {
		return fmt.Errorf("failed to save record %s: %w", remoteID, err)
	}

	log.Debug().Str("id", remoteID).Str("path", localPath).Str("ledger", s.ledger.Path()).Msg("recorded upload")

	return nil
}

// ReapResult describes one reaping pass.
type ReapResult struct {
	// Deleted are the expired records removed from the store and the ledger.
	Deleted []ledger.Record

	// Kept is the number of records still inside the retention period.
	Kept int

	// Failed are expired records whose deletion failed. They stay in the
	// ledger and are retried on the next pass.
	Failed []ledger.Record
}

// expired reports whether rec is at least one retention period old.
func (s *Scheduler) expired(rec ledger.Record, now time.Time) bool {
	return rec.Age(now) >= s.retention
}

// ReapExpired deletes every upload at least one retention period old and
// rewrites the ledger without them.
//
// A missing ledger is a no-op. A corrupt ledger aborts the pass without
// changing anything. A failed delete does not stop the others, the ledger
// keeps the failed records and the returned error joins every failure,
// each wrapping ErrDeleteFailed.
func (s *Scheduler) ReapExpired(ctx context.Context) (*ReapResult, error) {
	ctx, span := trace.Start(ctx, "Scheduler.ReapExpired")
	defer span.End()

	result := &ReapResult{}

	// held across the deletes so a record saved meanwhile is not lost by the rewrite
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.ledger.Exists()
	if err != nil {
		return result, trace.NewError(span, "failed to check ledger: %w", err)
	}
	if !exists {
		log.Debug().Str("ledger", s.ledger.Path()).Msg("no ledger, nothing to reap")
		return result, nil
	}

	records, err := s.ledger.Load()
	if err != nil {
		return result, trace.NewError(span, "failed to load ledger: %w", err)
	}

	now := s.now()

	var (
		survivors []ledger.Record
		errs      []error
	)

	for _, rec := range records {
		if !s.expired(rec, now) {
			survivors = append(survivors, rec)
			result.Kept++
			continue
		}

		if err := ctx.Err(); err != nil {
			// not attempted, keep it for the next pass
			survivors = append(survivors, rec)
			result.Failed = append(result.Failed, rec)
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrDeleteFailed, rec.FileID, err))
			continue
		}

		if err := s.deleter.DeleteObject(ctx, rec.FileID); err != nil {
			log.Warn().Err(err).Str("id", rec.FileID).Msg("failed to delete expired upload")
			survivors = append(survivors, rec)
			result.Failed = append(result.Failed, rec)
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrDeleteFailed, rec.FileID, err))
			continue
		}

		log.Info().
			Str("id", rec.FileID).
			Str("path", rec.FilePath).
			Time("uploaded", rec.UploadTimeUTC).
			Msg("deleted expired upload")

		result.Deleted = append(result.Deleted, rec)
	}

	span.SetAttributes(
		attribute.Int("reap.records", len(records)),
		attribute.Int("reap.deleted", len(result.Deleted)),
		attribute.Int("reap.kept", result.Kept),
		attribute.Int("reap.failed", len(result.Failed)),
	)

	if len(result.Deleted) > 0 {
		if err := s.ledger.Save(survivors); err != nil {
			errs = append(errs, fmt.Errorf("failed to save ledger: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return result, trace.NewError(span, "failed to reap %d uploads: %w", len(result.Failed), err)
	}

	return result, nil
}

// Run reaps immediately and then on every interval tick until ctx is done.
// Errors are logged, a failing pass does not stop the loop.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid reap interval %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, err := s.ReapExpired(ctx)
		if err != nil {
			log.Error().Err(err).Msg("reap failed")
		} else {
			log.Debug().
				Int("deleted", len(result.Deleted)).
				Int("kept", result.Kept).
				Msg("reap finished")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

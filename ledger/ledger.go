// Package ledger persists the list of finished uploads awaiting expiry.
//
// The ledger is a JSON array in a single local file, uploadedFiles.json by
// default. A missing or blank file is an empty ledger. A file that exists but
// cannot be parsed is never overwritten, Load reports ErrCorrupt instead so the
// records it holds are not lost.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultFileName is the ledger file name used when no path is configured.
const DefaultFileName = "uploadedFiles.json"

// ErrCorrupt is returned when the ledger file exists but does not hold a JSON array of records.
var ErrCorrupt = errors.New("ledger corrupt")

// Record is one finished upload.
type Record struct {
	// FileID is the remote id deleting the whole upload.
	FileID string `json:"FileId"`

	// FilePath is the local path that was uploaded.
	FilePath string `json:"FilePath"`

	ShareableLink string `json:"ShareableLink"`

	// UploadTimeUTC is when the upload finished, always in UTC.
	UploadTimeUTC time.Time `json:"UploadTimeUtc"`
}

// Age returns how long before now the record was written.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.UploadTimeUTC)
}

// File is a ledger stored at a local path. It is meant to have a single
// writer per process, concurrent writers in other processes are not detected.
type File struct {
	path string
}

// Open returns the ledger at path. The file is not touched until Load or Save.
func Open(path string) *File {
	return &File{path: path}
}

// Path returns the ledger file path.
func (f *File) Path() string {
	return f.path
}

// Exists reports whether the ledger file is present.
func (f *File) Exists() (bool, error) {
	_, err := os.Stat(f.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat ledger: %w", err)
}

// Load reads every record. A missing or blank file yields no records.
func (f *File) Load() ([]Record, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("failed to read ledger %s: %w", f.path, err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return []Record{}, nil
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, f.path, err)
	}

	if records == nil {
		records = []Record{}
	}

	return records, nil
}

// Save replaces the ledger with records. The new content is written to a
// temporary file next to the ledger and renamed over it, so readers see
// either the old or the new ledger and never a partial one.
func (f *File) Save(records []Record) error {
	if records == nil {
		records = []Record{}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".instashare-ledger-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpData := tmpFile.Name()

	cleanup := true
	defer func() {
		_ = tmpFile.Close()
		if cleanup {
			_ = os.Remove(tmpData)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpData, f.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	cleanup = false

	if d, err := os.Open(dir); err == nil {
		if err := d.Sync(); err != nil {
			log.Warn().Err(err).Str("path", dir).Msg("failed to fsync directory after writing ledger")
		}
		_ = d.Close()
	}

	return nil
}

// Append loads the ledger, adds rec and saves it.
func (f *File) Append(rec Record) error {
	records, err := f.Load()
	if err != nil {
		return err
	}

	return f.Save(append(records, rec))
}

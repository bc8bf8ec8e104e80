// Package archive packs a published upload into a single zip file, the
// "download all" of the web viewer.
package archive

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/instashare/instashare/internal/trace"
	"github.com/instashare/instashare/manifest"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrInvalidPath is returned for manifest paths that would escape the archive root.
var ErrInvalidPath = errors.New("invalid archive path")

// ArchiveInfo describes a built or extracted archive.
type ArchiveInfo struct {
	ArchivePath    string
	Size           int64
	WrittenBytes   int64
	WrittenEntries int64
	Skipped        int64
	Sha256sum      string
	Duration       time.Duration
}

// OpenFunc opens the content of one manifest entry.
type OpenFunc func(ctx context.Context, entry manifest.Entry) (io.ReadCloser, error)

// BuildZip writes every uploaded entry to a new zip at dest, laid out by entry
// path. Entries still uploading are skipped, they have no content yet.
func BuildZip(ctx context.Context, dest string, entries []manifest.Entry, open OpenFunc) (*ArchiveInfo, error) {
	ctx, span := trace.Start(ctx, "BuildZip")
	defer span.End()

	start := time.Now()

	for _, e := range entries {
		if err := checkPath(e.Path); err != nil {
			return nil, trace.NewError(span, "failed to build archive: %w", err)
		}
	}

	f, err := os.Create(dest)
	if err != nil {
		return nil, trace.NewError(span, "failed to create archive file: %w", err)
	}

	cleanup := true
	defer func() {
		_ = f.Close()
		if cleanup {
			_ = os.Remove(dest)
		}
	}()

	out := &countingWriter{w: f, hash: sha256.New()}
	zw := zip.NewWriter(out)

	info := &ArchiveInfo{ArchivePath: dest}
	dirs := map[string]bool{}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, trace.NewError(span, "archive cancelled: %w", err)
		}

		if e.Status != manifest.StatusUploaded {
			log.Debug().Str("path", e.Path).Msg("skipping entry still uploading")
			info.Skipped++
			continue
		}

		if err := addDirs(zw, dirs, path.Dir(e.Path)); err != nil {
			return nil, trace.NewError(span, "failed to add directory for %s: %w", e.Path, err)
		}

		written, err := addEntry(ctx, zw, e, open)
		if err != nil {
			return nil, trace.NewError(span, "failed to add %s: %w", e.Path, err)
		}

		info.WrittenBytes += written
		info.WrittenEntries++
	}

	if err := zw.Close(); err != nil {
		return nil, trace.NewError(span, "failed to finish archive: %w", err)
	}

	if err := f.Sync(); err != nil {
		return nil, trace.NewError(span, "failed to sync archive: %w", err)
	}

	cleanup = false

	info.Size = out.n
	info.Sha256sum = fmt.Sprintf("%x", out.hash.Sum(nil))
	info.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int64("archive.size", info.Size),
		attribute.Int64("archive.written_entries", info.WrittenEntries),
		attribute.Int64("archive.written_bytes", info.WrittenBytes),
		attribute.Int64("archive.skipped", info.Skipped),
	)

	return info, nil
}

func addEntry(ctx context.Context, zw *zip.Writer, e manifest.Entry, open OpenFunc) (int64, error) {
	rc, err := open(ctx, e)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	hdr := &zip.FileHeader{
		Name:     e.Path,
		Method:   zip.Deflate,
		Modified: time.Now(),
	}
	hdr.SetMode(0o644)

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return 0, fmt.Errorf("failed to create zip entry: %w", err)
	}

	written, err := io.Copy(w, rc)
	if err != nil {
		return written, fmt.Errorf("failed to copy content: %w", err)
	}

	if e.Size > 0 && written != e.Size {
		return written, fmt.Errorf("size mismatch: got %d bytes, manifest says %d", written, e.Size)
	}

	return written, nil
}

// addDirs writes an entry for dir and each of its parents not written yet.
func addDirs(zw *zip.Writer, seen map[string]bool, dir string) error {
	if dir == "." || dir == "/" || dir == "" || seen[dir] {
		return nil
	}

	if err := addDirs(zw, seen, path.Dir(dir)); err != nil {
		return err
	}

	hdr := &zip.FileHeader{
		Name:     dir + "/",
		Method:   zip.Store,
		Modified: time.Now(),
	}
	hdr.SetMode(os.ModeDir | 0o755)

	if _, err := zw.CreateHeader(hdr); err != nil {
		return err
	}

	seen[dir] = true

	return nil
}

// checkPath rejects absolute paths and paths with parent segments.
func checkPath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}

	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}

	return nil
}

// countingWriter tracks size and digest of everything written through it.
type countingWriter struct {
	w    io.Writer
	hash hash.Hash
	n    int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.hash.Write(p[:n])
	return n, err
}

package instashare

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/instashare/instashare/internal/trace"
	"github.com/instashare/instashare/manifest"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// UploadFolder uploads every regular file below root, keeping the tree layout.
//
// The workflow is:
//  1. Fail with ErrNotFound before any network call if root is not a directory
//  2. Enumerate and stat every file, its manifest path is <folder name>/<relative path>
//  3. Publish the full manifest, every entry marked uploading
//  4. Transfer files with at most Concurrency in flight, each success flips
//     its entry and republishes the manifest
//  5. Once every scheduled transfer has finished, report the failures together
//
// A failed file stays uploading in the manifest. Cancelling ctx stops new
// transfers from starting and aborts the ones in flight. Once the manifest is
// published the upload is handed to the Recorder, failed or not, so partial
// trees expire too. A symlinked root is followed.
func (u *Uploader) UploadFolder(ctx context.Context, root string) (UploadResult, error) {
	ctx, span := trace.Start(ctx, "Uploader.UploadFolder")
	defer span.End()

	startTime := time.Now()
	result := UploadResult{}

	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, trace.NewError(span, "%w: %s", ErrNotFound, root)
		}
		return result, trace.NewError(span, "failed to stat %s: %w", root, err)
	}

	if !info.IsDir() {
		return result, trace.NewError(span, "%w: %s is not a directory", ErrNotFound, root)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return result, trace.NewError(span, "failed to resolve %s: %w", root, err)
	}

	// WalkDir does not descend into a symlinked root
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return result, trace.NewError(span, "failed to resolve %s: %w", root, err)
	}

	id := u.newID()
	folderName := filepath.Base(abs)

	jobs, err := listFolder(resolved, id, folderName)
	if err != nil {
		return result, trace.NewError(span, "failed to list %s: %w", root, err)
	}

	result.RemoteID = id
	result.BaseKey = id + "/" + folderName
	result.ManifestKey = manifest.Key(id)
	result.Link = u.link(id, folderName)

	span.SetAttributes(
		attribute.String("upload.id", id),
		attribute.String("upload.folder", folderName),
		attribute.Int("upload.files", len(jobs)),
		attribute.Int("upload.concurrency", u.concurrency),
	)

	builder, err := u.prepare(ctx, id, result.Link, jobs)
	if err != nil {
		return result, trace.NewError(span, "failed to prepare upload: %w", err)
	}

	var (
		mu    sync.Mutex
		errs  []error
		files int
		bytes int64
	)

	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	}

	// Failures do not cancel siblings, in-flight transfers are allowed to finish.
	var g errgroup.Group
	g.SetLimit(u.concurrency)

	scheduled := 0
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			fail(fmt.Errorf("upload cancelled with %d of %d files scheduled: %w", scheduled, len(jobs), err))
			break
		}

		scheduled++
		g.Go(func() error {
			if err := u.transfer(ctx, job, result.Link); err != nil {
				fail(err)
				return nil
			}

			if err := u.complete(ctx, builder, job); err != nil {
				fail(fmt.Errorf("failed to complete %s: %w", job.path, err))
				return nil
			}

			mu.Lock()
			files++
			bytes += job.size
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	// a completion whose publish failed is retried here, a no-op when nothing is pending
	if err := builder.Publish(context.WithoutCancel(ctx)); err != nil {
		fail(err)
	}

	result.Files = files
	result.Failed = len(jobs) - files
	result.Bytes = bytes
	result.Duration = time.Since(startTime)

	span.SetAttributes(
		attribute.Int("upload.files_uploaded", result.Files),
		attribute.Int("upload.files_failed", result.Failed),
		attribute.Int64("upload.bytes", result.Bytes),
	)

	if err := errors.Join(errs...); err != nil {
		log.Debug().
			Str("id", id).
			Int("uploaded", result.Files).
			Int("failed", result.Failed).
			Msg("folder upload finished with errors")

		// the partial tree is public, record it so it expires with the rest
		if recErr := u.record(result, root); recErr != nil {
			err = errors.Join(err, recErr)
		}

		return result, trace.NewError(span, "failed to upload %d of %d files from %s: %w", result.Failed, len(jobs), root, err)
	}

	log.Debug().
		Str("id", id).
		Str("folder", folderName).
		Int("files", result.Files).
		Int64("bytes", result.Bytes).
		Dur("duration", result.Duration).
		Msg("uploaded folder")

	if err := u.record(result, root); err != nil {
		return result, trace.NewError(span, "%w", err)
	}

	span.SetStatus(codes.Ok, "folder uploaded")

	return result, nil
}

// listFolder enumerates the regular files below root in lexical order and
// stats each one so the manifest carries sizes from the start.
func listFolder(root, id, folderName string) ([]uploadJob, error) {
	var jobs []uploadJob

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", p, err)
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("failed to get relative path of %s: %w", p, err)
		}

		entryPath := folderName + "/" + filepath.ToSlash(rel)

		jobs = append(jobs, uploadJob{
			localPath: p,
			path:      entryPath,
			key:       id + "/" + entryPath,
			size:      info.Size(),
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].path < jobs[j].path
	})

	return jobs, nil
}

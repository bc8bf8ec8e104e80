package instashare

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/instashare/instashare/internal/trace"
	"github.com/instashare/instashare/manifest"
	"github.com/instashare/instashare/progress"
	"github.com/instashare/instashare/store"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Upload uploads path as a single file or as a folder tree, depending on what it is.
//
// Returns an error wrapping ErrNotFound if path does not exist.
func (u *Uploader) Upload(ctx context.Context, path string) (UploadResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return UploadResult{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return UploadResult{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if info.IsDir() {
		return u.UploadFolder(ctx, path)
	}

	return u.UploadFile(ctx, path)
}

// UploadFile uploads a single file under a new namespace.
//
// The workflow is:
//  1. Allocate a namespace id, the object key is <id>/<file name>
//  2. Publish a one entry manifest marked uploading, so the link works at once
//  3. Stream the file to the store, reporting progress
//  4. Flip the entry to uploaded and republish the manifest
//  5. Hand the upload to the Recorder, also when step 3 or 4 failed
//
// If the Recorder fails the upload itself is still complete, the returned
// result is populated and the error describes the recording failure.
func (u *Uploader) UploadFile(ctx context.Context, path string) (UploadResult, error) {
	ctx, span := trace.Start(ctx, "Uploader.UploadFile")
	defer span.End()

	startTime := time.Now()
	result := UploadResult{}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, trace.NewError(span, "%w: %s", ErrNotFound, path)
		}
		return result, trace.NewError(span, "failed to stat %s: %w", path, err)
	}

	if !info.Mode().IsRegular() {
		return result, trace.NewError(span, "%s is not a regular file", path)
	}

	id := u.newID()
	fileName := filepath.Base(path)

	job := uploadJob{
		localPath: path,
		path:      fileName,
		key:       id + "/" + fileName,
		size:      info.Size(),
	}

	result.RemoteID = id
	result.BaseKey = job.key
	result.ManifestKey = manifest.Key(id)
	result.Link = u.link(id)

	span.SetAttributes(
		attribute.String("upload.id", id),
		attribute.String("upload.key", job.key),
		attribute.Int64("upload.size", job.size),
	)

	builder, err := u.prepare(ctx, id, result.Link, []uploadJob{job})
	if err != nil {
		return result, trace.NewError(span, "failed to prepare upload: %w", err)
	}

	if err := u.transfer(ctx, job, result.Link); err != nil {
		result.Failed = 1
		result.Duration = time.Since(startTime)
		// the published manifest still has to expire
		return result, trace.NewError(span, "failed to upload %s: %w", path, errors.Join(err, u.record(result, path)))
	}

	if err := u.complete(ctx, builder, job); err != nil {
		result.Duration = time.Since(startTime)
		return result, trace.NewError(span, "failed to complete %s: %w", path, errors.Join(err, u.record(result, path)))
	}

	result.Files = 1
	result.Bytes = job.size
	result.Duration = time.Since(startTime)

	log.Debug().
		Str("id", id).
		Str("key", job.key).
		Int64("size", job.size).
		Dur("duration", result.Duration).
		Msg("uploaded file")

	if err := u.record(result, path); err != nil {
		return result, trace.NewError(span, "%w", err)
	}

	span.SetStatus(codes.Ok, "file uploaded")

	return result, nil
}

// prepare builds the manifest for jobs, every entry marked uploading, and
// publishes it before any transfer starts.
func (u *Uploader) prepare(ctx context.Context, id, link string, jobs []uploadJob) (*manifest.Builder, error) {
	entries := make([]manifest.Entry, 0, len(jobs))
	for _, job := range jobs {
		publicURL, err := u.store.PublicURL(ctx, job.key)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve public URL of %s: %w", job.key, err)
		}

		entries = append(entries, manifest.Entry{
			Path: job.path,
			URL:  publicURL,
			Size: job.size,
		})
	}

	builder := manifest.NewBuilder(u, manifest.Key(id))

	if err := builder.Initialize(entries); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestInconsistent, err)
	}

	if err := builder.Publish(ctx); err != nil {
		return nil, err
	}

	// the link works from here on, report it before the first byte moves
	for _, job := range jobs {
		u.callProgress(ProgressEvent{
			Path:    job.path,
			Percent: 0,
			Speed:   progress.FormatSpeed(0),
			Link:    link,
		})
	}

	return builder, nil
}

// transfer streams one file to the store within its size based deadline.
func (u *Uploader) transfer(ctx context.Context, job uploadJob, link string) error {
	ctx, span := trace.Start(ctx, "Uploader.transfer")
	defer span.End()

	timeout := u.transferTimeout(job.size)

	span.SetAttributes(
		attribute.String("upload.key", job.key),
		attribute.Int64("upload.size", job.size),
		attribute.Int64("upload.timeout_ms", timeout.Milliseconds()),
	)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	f, err := os.Open(job.localPath)
	if err != nil {
		return trace.NewError(span, "%w: %s: %w", ErrTransferFailed, job.path, err)
	}
	defer f.Close()

	reader := progress.NewReader(f, job.size, link, func(percent float64, speed string, link string) {
		u.callProgress(ProgressEvent{
			Path:    job.path,
			Percent: percent,
			Speed:   speed,
			Link:    link,
		})
	})

	err = u.store.PutObject(ctx, job.key, reader, job.size, store.PutOptions{
		Public:      true,
		ContentType: contentType(job.localPath),
	})
	if err != nil {
		return trace.NewError(span, "%w: %s: %w", ErrTransferFailed, job.path, err)
	}

	span.SetAttributes(attribute.String("upload.speed", progress.FormatSpeed(reader.Speed())))

	return nil
}

// complete flips the job's manifest entry and republishes the manifest.
func (u *Uploader) complete(ctx context.Context, builder *manifest.Builder, job uploadJob) error {
	err := builder.Complete(ctx, job.path)
	if errors.Is(err, manifest.ErrUnknownPath) {
		return fmt.Errorf("%w: %w", ErrManifestInconsistent, err)
	}
	return err
}

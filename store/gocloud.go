package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/instashare/instashare/internal/trace"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // Local file driver
	_ "gocloud.dev/blob/memblob"  // In-memory driver for tests and dry runs
	_ "gocloud.dev/blob/s3blob"   // AWS S3 driver
	"gocloud.dev/gcerrors"
)

// GocloudStore implements BlobStore using gocloud.dev
type GocloudStore struct {
	bucket        *blob.Bucket
	prefix        string
	publicBaseURL string
}

// Ensure GocloudStore implements the BlobStore interface
var _ BlobStore = (*GocloudStore)(nil)

// NewGocloudStore opens a bucket URL with gocloud.dev. A path in the URL becomes a key prefix.
//
//	file:///var/lib/instashare/bucket
//	mem://
//	gs://bucket-name/uploads
//	azblob://bucket-name
func NewGocloudStore(ctx context.Context, bucketURL, publicBaseURL string) (*GocloudStore, error) {
	openURL, prefix, err := splitBucketURL(bucketURL)
	if err != nil {
		return nil, err
	}

	bucket, err := blob.OpenBucket(ctx, openURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob bucket: %w", err)
	}

	log.Debug().Str("bucket_url", openURL).Str("prefix", prefix).Msg("opened blob bucket")

	return &GocloudStore{
		bucket:        bucket,
		prefix:        prefix,
		publicBaseURL: publicBaseURL,
	}, nil
}

// splitBucketURL separates the key prefix from bucket URLs whose host names the
// bucket. file:// URLs keep their path, it is the bucket directory.
func splitBucketURL(bucketURL string) (string, string, error) {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse bucket URL: %w", err)
	}

	switch u.Scheme {
	case "file", "mem":
		return bucketURL, "", nil
	}

	prefix := strings.Trim(u.Path, "/")
	u.Path = ""

	return u.String(), prefix, nil
}

// Close closes the underlying bucket connection
func (b *GocloudStore) Close() error {
	return b.bucket.Close()
}

// PutObject copies r into the bucket. Public access for gocloud buckets is
// governed by the bucket policy, opts.Public is recorded on the span only.
func (b *GocloudStore) PutObject(ctx context.Context, key string, r io.Reader, length int64, opts PutOptions) error {
	ctx, span := trace.Start(ctx, "GocloudStore.PutObject")
	defer span.End()

	if err := validateKey(key); err != nil {
		return trace.NewError(span, "failed to put object: %w", err)
	}

	fullKey := b.getFullKey(key)

	span.SetAttributes(
		attribute.String("blob_key", fullKey),
		attribute.Int64("content_length", length),
		attribute.Bool("public", opts.Public),
	)

	// cancelling the writer context before Close discards the partial object
	writeCtx, cancelWrite := context.WithCancel(ctx)
	defer cancelWrite()

	writer, err := b.bucket.NewWriter(writeCtx, fullKey, &blob.WriterOptions{
		ContentType:  opts.ContentType,
		CacheControl: opts.CacheControl,
	})
	if err != nil {
		return trace.NewError(span, "failed to create blob writer: %w", err)
	}

	written, err := io.Copy(writer, r)
	if err != nil {
		cancelWrite()
		_ = writer.Close()
		return trace.NewError(span, "failed to copy data to blob %s: %w", fullKey, err)
	}

	if written != length {
		cancelWrite()
		_ = writer.Close()
		return trace.NewError(span, "short write to blob %s: wrote %d of %d bytes", fullKey, written, length)
	}

	// Close the writer to commit the upload
	if err := writer.Close(); err != nil {
		return trace.NewError(span, "failed to close blob writer: %w", err)
	}

	return nil
}

// PublicURL returns the public address of key, falling back to a signed URL.
func (b *GocloudStore) PublicURL(ctx context.Context, key string) (string, error) {
	fullKey := b.getFullKey(key)

	if b.publicBaseURL != "" {
		return PublicObjectURL(b.publicBaseURL, fullKey), nil
	}

	signed, err := b.bucket.SignedURL(ctx, fullKey, &blob.SignedURLOptions{Expiry: DefaultURLExpiry})
	if err != nil {
		return "", fmt.Errorf("failed to sign URL for %s: %w", fullKey, err)
	}

	return signed, nil
}

// DeleteObject deletes key and every object listed under key/.
func (b *GocloudStore) DeleteObject(ctx context.Context, key string) error {
	ctx, span := trace.Start(ctx, "GocloudStore.DeleteObject")
	defer span.End()

	if err := validateKey(key); err != nil {
		return trace.NewError(span, "failed to delete object: %w", err)
	}

	fullKey := b.getFullKey(key)

	// list rather than delete fullKey blindly, on fileblob it is usually a directory
	var keys []string

	iter := b.bucket.List(&blob.ListOptions{Prefix: fullKey})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return trace.NewError(span, "failed to list objects under %s: %w", fullKey, err)
		}
		if obj.IsDir {
			continue
		}
		if obj.Key == fullKey || strings.HasPrefix(obj.Key, treePrefix(fullKey)) {
			keys = append(keys, obj.Key)
		}
	}

	span.SetAttributes(
		attribute.String("blob_key", fullKey),
		attribute.Int("objects", len(keys)),
	)

	var errs []error
	for _, k := range keys {
		if err := b.bucket.Delete(ctx, k); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", k, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return trace.NewError(span, "failed to delete %s: %w", fullKey, err)
	}

	return nil
}

// ReadAll returns the content of key, used to read back published manifests.
func (b *GocloudStore) ReadAll(ctx context.Context, key string) ([]byte, error) {
	return b.bucket.ReadAll(ctx, b.getFullKey(key))
}

// Exists reports whether key is present.
func (b *GocloudStore) Exists(ctx context.Context, key string) (bool, error) {
	return b.bucket.Exists(ctx, b.getFullKey(key))
}

// getFullKey combines the prefix with the key
func (b *GocloudStore) getFullKey(key string) string {
	return joinKey(b.prefix, key)
}

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	// DefaultURLExpiry bounds presigned URLs handed out when no public base URL is configured.
	DefaultURLExpiry = 7 * 24 * time.Hour

	// DefaultUploadExpiry bounds presigned PUT URLs.
	DefaultUploadExpiry = 10 * time.Hour
)

// ErrInvalidKey is returned for object keys that are empty or try to escape the bucket prefix.
var ErrInvalidKey = errors.New("invalid object key")

// BlobStore is the remote object storage capability the uploader needs.
type BlobStore interface {
	// PutObject streams length bytes from r to key, replacing any existing object.
	PutObject(ctx context.Context, key string, r io.Reader, length int64, opts PutOptions) error

	// PublicURL returns a URL anyone can use to download key. It may be a stable
	// CDN address or a time limited presigned URL.
	PublicURL(ctx context.Context, key string) (string, error)

	// DeleteObject removes key and every object stored below key/.
	// Deleting something that does not exist is not an error.
	DeleteObject(ctx context.Context, key string) error
}

// PutOptions controls how an object is written.
type PutOptions struct {
	// Public makes the object readable by anyone who has its URL.
	Public bool

	ContentType  string
	CacheControl string
}

// Options selects and configures a BlobStore.
type Options struct {
	// BucketURL picks the backend: s3://bucket?... uses S3Store, every other
	// scheme (file://, mem://, gs://, azblob://) is opened with gocloud.dev.
	BucketURL string

	// PublicBaseURL is the CDN or public bucket address objects are served from,
	// e.g. https://cdn.example.com. Empty means presigned download URLs.
	PublicBaseURL string

	// AccessKey and SecretKey are static credentials for S3 compatible stores such
	// as Cloudflare R2. When empty the default AWS credential chain is used.
	AccessKey string
	SecretKey string
}

// NewBlobStore opens the backend named by opts.BucketURL.
func NewBlobStore(ctx context.Context, opts Options) (BlobStore, error) {
	u, err := url.Parse(opts.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bucket URL: %w", err)
	}

	switch u.Scheme {
	case "":
		return nil, fmt.Errorf("bucket URL %q has no scheme", opts.BucketURL)
	case "s3":
		return NewS3Store(ctx, opts)
	default:
		return NewGocloudStore(ctx, opts.BucketURL, opts.PublicBaseURL)
	}
}

// validateKey rejects keys that would resolve outside the bucket prefix.
func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}

	if len(key) > 1024 {
		return fmt.Errorf("%w: key too long (max 1024 bytes)", ErrInvalidKey)
	}

	for _, segment := range strings.Split(strings.TrimPrefix(key, "/"), "/") {
		if segment == ".." {
			return fmt.Errorf("%w: key contains a parent directory segment", ErrInvalidKey)
		}
	}

	return nil
}

// joinKey combines the prefix with the key.
func joinKey(prefix, key string) string {
	key = strings.TrimPrefix(key, "/")
	return path.Join(prefix, key)
}

// treePrefix is the listing prefix of every object stored below key.
func treePrefix(key string) string {
	return strings.TrimSuffix(key, "/") + "/"
}

// PublicObjectURL joins a public base URL and an object key, escaping each
// path segment so file names with spaces or unicode stay valid.
func PublicObjectURL(baseURL, key string) string {
	segments := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimSuffix(baseURL, "/") + "/" + strings.Join(segments, "/")
}

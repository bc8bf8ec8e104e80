// Package viewer reads published uploads back from the CDN, the same way the
// web folder viewer does.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-querystring/query"
	"github.com/instashare/instashare/internal/trace"
	"github.com/instashare/instashare/manifest"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when the manifest or object does not exist (yet).
var ErrNotFound = errors.New("not found")

// maxManifestSize bounds how much of a manifest response is read.
const maxManifestSize = 64 << 20

// Client fetches manifests and objects over HTTP.
type Client struct {
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// manifestQuery defeats CDN and browser caches while an upload is in progress.
type manifestQuery struct {
	CacheBuster int64 `url:"v"`
}

// NewClient creates a client reading manifests published below baseURL,
// typically the public CDN address of the bucket.
func NewClient(version, baseURL string) *Client {
	client := &http.Client{}

	client.Transport = gzhttp.Transport(roundTripperFunc(
		func(req *http.Request) (*http.Response, error) {
			req = req.Clone(req.Context())
			req.Header.Set("User-Agent", fmt.Sprint("instashare/", version))
			return http.DefaultTransport.RoundTrip(req)
		}),
	)

	return &Client{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		now:     time.Now,
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (fn roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return fn(r)
}

// ManifestURL returns the address of the manifest of namespace, without cache busting.
func (c *Client) ManifestURL(namespace string) string {
	return c.baseURL + "/" + url.PathEscape(strings.Trim(namespace, "/")) + "/" + manifest.FileName
}

// FetchManifest downloads and decodes the manifest of namespace.
func (c *Client) FetchManifest(ctx context.Context, namespace string) ([]manifest.Entry, error) {
	ctx, span := trace.Start(ctx, "Client.FetchManifest")
	defer span.End()

	queryParams, err := query.Values(manifestQuery{CacheBuster: c.now().UnixNano()})
	if err != nil {
		return nil, trace.NewError(span, "failed to marshal query params: %w", err)
	}

	u, err := url.Parse(c.ManifestURL(namespace))
	if err != nil {
		return nil, trace.NewError(span, "failed to parse url: %w", err)
	}

	u.RawQuery = queryParams.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, trace.NewError(span, "failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, trace.NewError(span, "failed to do request: %w", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusForbidden:
		// R2 and S3 answer 403 for missing keys when listing is not allowed
		return nil, trace.NewError(span, "%w: manifest %s: %s", ErrNotFound, namespace, res.Status)
	case res.StatusCode != http.StatusOK:
		return nil, trace.NewError(span, "request failed with status: %s", res.Status)
	}

	contentType := res.Header.Get("Content-Type")
	if contentType != "" && !isJSONContentType(contentType) {
		return nil, trace.NewError(span, "unexpected content type: %s", contentType)
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxManifestSize))
	if err != nil {
		return nil, trace.NewError(span, "failed to read response body: %w", err)
	}

	entries, err := manifest.Parse(data)
	if err != nil {
		return nil, trace.NewError(span, "failed to decode manifest: %w", err)
	}

	log.Debug().Str("url", u.String()).Int("entries", len(entries)).Msg("fetched manifest")

	return entries, nil
}

// Open starts downloading the object at rawURL. The caller must close the body.
func (c *Client) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	ctx, span := trace.Start(ctx, "Client.Open")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, 0, trace.NewError(span, "failed to create request: %w", err)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, 0, trace.NewError(span, "failed to do request: %w", err)
	}

	if res.StatusCode != http.StatusOK {
		_ = res.Body.Close()
		if res.StatusCode == http.StatusNotFound {
			return nil, 0, trace.NewError(span, "%w: %s", ErrNotFound, rawURL)
		}
		return nil, 0, trace.NewError(span, "request for %s failed with status: %s", rawURL, res.Status)
	}

	return res.Body, res.ContentLength, nil
}

// Summary totals a manifest by status.
type Summary struct {
	Files     int
	Uploaded  int
	Uploading int

	Bytes         int64
	UploadedBytes int64
}

// Complete reports whether every entry has been uploaded.
func (s Summary) Complete() bool {
	return s.Uploading == 0
}

// Summarize totals entries by status.
func Summarize(entries []manifest.Entry) Summary {
	var s Summary
	for _, e := range entries {
		s.Files++
		s.Bytes += e.Size
		if e.Status == manifest.StatusUploaded {
			s.Uploaded++
			s.UploadedBytes += e.Size
		} else {
			s.Uploading++
		}
	}
	return s
}

// isJSONContentType checks if the content type indicates JSON response
// Handles cases like "application/json", "application/json; charset=utf-8",
// and structured syntax suffixes like "application/problem+json"
func isJSONContentType(contentType string) bool {
	contentType = strings.TrimSpace(strings.ToLower(contentType))

	if idx := strings.Index(contentType, ";"); idx != -1 {
		contentType = strings.TrimSpace(contentType[:idx])
	}

	return contentType == "application/json" || strings.HasPrefix(contentType, "application/") && strings.HasSuffix(contentType, "+json")
}

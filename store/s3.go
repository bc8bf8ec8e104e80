package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/instashare/instashare/internal/trace"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// maxDeleteBatch is the most keys a single DeleteObjects call accepts.
const maxDeleteBatch = 1000

// S3Options holds configuration for S3Store and is parsed from an S3 URL in a similar way to gocloud.dev.
// Example S3 URLs:
//
//	s3://my-bucket
//	s3://my-bucket/prefix?region=us-east-1
//	s3://instashare?region=auto&endpoint=https://<account>.r2.cloudflarestorage.com&use_path_style=true
//	s3://my-bucket?presign=false
type S3Options struct {
	S3Endpoint   string
	Bucket       string
	Region       string
	Prefix       string
	UsePathStyle bool

	// Presign uploads through a presigned PUT URL instead of the SDK PutObject call.
	Presign bool
}

// S3OptionsFromURL parses an s3:// bucket URL.
func S3OptionsFromURL(s3url string) (*S3Options, error) {
	u, err := url.Parse(s3url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse S3 URL: %w", err)
	}

	if u.Scheme != "s3" {
		return nil, fmt.Errorf("invalid S3 URL scheme %q: must be s3", u.Scheme)
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid S3 URL %q: missing bucket name", s3url)
	}

	q := u.Query()

	opts := &S3Options{
		Bucket:       u.Hostname(),
		Prefix:       strings.Trim(u.Path, "/"),
		Region:       q.Get("region"),
		S3Endpoint:   q.Get("endpoint"),
		UsePathStyle: q.Get("use_path_style") == "true",
		Presign:      q.Get("presign") != "false",
	}

	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	return opts, nil
}

// S3Store implements BlobStore on top of S3 or an S3 compatible service like Cloudflare R2.
type S3Store struct {
	client        *s3.Client
	presigner     *s3.PresignClient
	httpClient    *http.Client
	bucket        string
	prefix        string
	publicBaseURL string
	presign       bool
}

var _ BlobStore = (*S3Store)(nil)

// NewS3Store creates an S3Store from opts.BucketURL, loading credentials from
// opts when set or from the default AWS chain otherwise.
func NewS3Store(ctx context.Context, opts Options) (*S3Store, error) {
	s3opts, err := S3OptionsFromURL(opts.BucketURL)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(s3opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	log.Debug().
		Str("bucket", s3opts.Bucket).
		Str("region", s3opts.Region).
		Str("prefix", s3opts.Prefix).
		Str("endpoint", s3opts.S3Endpoint).
		Bool("presign", s3opts.Presign).
		Msg("configured S3 bucket")

	return newS3Store(cfg, s3opts, opts.PublicBaseURL, http.DefaultClient), nil
}

func newS3Store(cfg aws.Config, opts *S3Options, publicBaseURL string, httpClient *http.Client) *S3Store {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.Region = opts.Region
		o.UsePathStyle = opts.UsePathStyle

		// custom S3 endpoints such as R2, MinIO or a local test server
		if opts.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.S3Endpoint)
		}
	})

	return &S3Store{
		client:        client,
		presigner:     s3.NewPresignClient(client),
		httpClient:    httpClient,
		bucket:        opts.Bucket,
		prefix:        opts.Prefix,
		publicBaseURL: publicBaseURL,
		presign:       opts.Presign,
	}
}

// PutObject uploads r to key.
func (s *S3Store) PutObject(ctx context.Context, key string, r io.Reader, length int64, opts PutOptions) error {
	ctx, span := trace.Start(ctx, "S3Store.PutObject")
	defer span.End()

	if err := validateKey(key); err != nil {
		return trace.NewError(span, "failed to put object: %w", err)
	}

	fullKey := s.getFullKey(key)

	span.SetAttributes(
		attribute.String("blob_key", fullKey),
		attribute.Int64("content_length", length),
		attribute.Bool("presign", s.presign),
	)

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	}
	if opts.Public {
		input.ACL = types.ObjectCannedACLPublicRead
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.CacheControl != "" {
		input.CacheControl = aws.String(opts.CacheControl)
	}

	if !s.presign {
		input.Body = r
		input.ContentLength = aws.Int64(length)
		if _, err := s.client.PutObject(ctx, input); err != nil {
			return trace.NewError(span, "failed to upload %s to S3: %w", fullKey, err)
		}
		return nil
	}

	presigned, err := s.presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(DefaultUploadExpiry))
	if err != nil {
		return trace.NewError(span, "failed to presign upload of %s: %w", fullKey, err)
	}

	var body io.Reader = r
	if length == 0 {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, presigned.Method, presigned.URL, body)
	if err != nil {
		return trace.NewError(span, "failed to create upload request: %w", err)
	}
	req.ContentLength = length

	// headers covered by the signature must be sent exactly as signed
	for name, values := range presigned.SignedHeader {
		if strings.EqualFold(name, "host") {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	res, err := s.httpClient.Do(req)
	if err != nil {
		return trace.NewError(span, "failed to upload %s: %w", fullKey, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()

	span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return trace.NewError(span, "upload of %s failed with status %s: %s", fullKey, res.Status, strings.TrimSpace(string(msg)))
	}

	return nil
}

// PublicURL returns the CDN URL for key, or a presigned GET URL when no CDN is configured.
func (s *S3Store) PublicURL(ctx context.Context, key string) (string, error) {
	fullKey := s.getFullKey(key)

	if s.publicBaseURL != "" {
		return PublicObjectURL(s.publicBaseURL, fullKey), nil
	}

	presigned, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	}, s3.WithPresignExpires(DefaultURLExpiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign download of %s: %w", fullKey, err)
	}

	return presigned.URL, nil
}

// DeleteObject removes key and everything stored below it.
func (s *S3Store) DeleteObject(ctx context.Context, key string) error {
	ctx, span := trace.Start(ctx, "S3Store.DeleteObject")
	defer span.End()

	if err := validateKey(key); err != nil {
		return trace.NewError(span, "failed to delete object: %w", err)
	}

	fullKey := s.getFullKey(key)

	keys := []string{fullKey}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(treePrefix(fullKey)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return trace.NewError(span, "failed to list objects under %s: %w", fullKey, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	span.SetAttributes(
		attribute.String("blob_key", fullKey),
		attribute.Int("objects", len(keys)),
	)

	var errs []error
	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(keys))
		if err := s.deleteBatch(ctx, keys[start:end]); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return trace.NewError(span, "failed to delete %s: %w", fullKey, err)
	}

	log.Debug().Str("key", fullKey).Int("objects", len(keys)).Msg("deleted objects")

	return nil
}

func (s *S3Store) deleteBatch(ctx context.Context, keys []string) error {
	ids := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		ids[i] = types.ObjectIdentifier{Key: aws.String(k)}
	}

	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{
			Objects: ids,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete batch of %d objects: %w", len(keys), err)
	}

	var errs []error
	for _, e := range out.Errors {
		if aws.ToString(e.Code) == "NoSuchKey" {
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %s", aws.ToString(e.Key), aws.ToString(e.Message)))
	}

	return errors.Join(errs...)
}

// getFullKey combines the prefix with the key
func (s *S3Store) getFullKey(key string) string {
	return joinKey(s.prefix, key)
}


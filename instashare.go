// Package instashare uploads a file or a folder tree to a blob store and hands
// back a shareable link straight away.
//
// Every upload gets a fresh namespace id. A manifest (index.json) listing each
// file as "uploading" is published under that namespace before any data moves,
// and each entry flips to "uploaded" as its transfer finishes, so a viewer
// polling the manifest sees the upload fill in.
//
// The main entry point is New, which creates an Uploader. An Uploader is safe
// for concurrent use by multiple goroutines.
//
// Basic usage:
//
//	bs, err := store.NewBlobStore(ctx, store.Options{
//	    BucketURL:     "s3://instashare?region=auto&endpoint=https://<account>.r2.cloudflarestorage.com",
//	    PublicBaseURL: "https://cdn.example.com",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	uploader, err := instashare.New(instashare.Config{
//	    Store:       bs,
//	    LinkBaseURL: "https://share.example.com/view",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := uploader.Upload(ctx, "./photos")
package instashare

import (
	"errors"
	"time"

	"github.com/instashare/instashare/store"
)

// Sentinel errors for common scenarios
var (
	// ErrNotFound is returned when the local path to upload does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTransferFailed wraps the failure of a single file transfer.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrManifestInconsistent is returned when a completed transfer has no
	// matching manifest entry. It signals a bug, not a user error.
	ErrManifestInconsistent = errors.New("manifest inconsistent")

	// ErrInvalidConfiguration is returned when configuration validation fails
	// during uploader creation.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

const (
	// DefaultConcurrency is the number of files of a folder transferred at once.
	DefaultConcurrency = 5

	// DefaultMinTransferTimeout is the shortest deadline given to a single file transfer.
	DefaultMinTransferTimeout = 60 * time.Second

	// DefaultMinThroughput is the slowest rate, in bytes per second, a transfer
	// is assumed to sustain when sizing its deadline.
	DefaultMinThroughput = 64 * 1024
)

// Uploader pushes files and folders to a BlobStore.
//
// Each call to UploadFile or UploadFolder owns its own manifest, so an Uploader
// can run several uploads at the same time.
type Uploader struct {
	store              store.BlobStore
	linkBaseURL        string
	concurrency        int
	minTransferTimeout time.Duration
	minThroughput      int64
	recorder           Recorder
	onProgress         ProgressCallback
	newID              func() string
}

// Config holds all configuration for creating an Uploader.
//
// Store and LinkBaseURL are required, everything else has a default.
type Config struct {
	// Store is where objects and manifests are written (required).
	Store store.BlobStore

	// LinkBaseURL is the viewer address shareable links are built on (required).
	// Example: "https://instashare.example.com/view"
	LinkBaseURL string

	// Concurrency bounds the number of files of a folder uploading at once.
	// Defaults to DefaultConcurrency.
	Concurrency int

	// MinTransferTimeout is the floor of the per-file deadline.
	// Defaults to DefaultMinTransferTimeout.
	MinTransferTimeout time.Duration

	// MinThroughput in bytes per second sizes the per-file deadline of large
	// files as size / MinThroughput. Defaults to DefaultMinThroughput.
	MinThroughput int64

	// Recorder is told about every upload whose manifest was published, even
	// when transfers failed, so it can be expired later. Optional.
	Recorder Recorder

	// OnProgress is an optional callback for per file progress. It is called
	// from the goroutine doing the transfer, so it must be thread-safe and fast.
	OnProgress ProgressCallback

	// NewID generates upload namespace ids. Defaults to random UUIDs.
	NewID func() string
}

// Recorder keeps track of finished uploads. expiry.Scheduler implements it.
type Recorder interface {
	SaveRecord(remoteID, localPath, link string) error
}

// ProgressEvent describes the state of one file transfer after a read.
type ProgressEvent struct {
	// Path is the manifest path of the file.
	Path string

	// Percent is how much of the file has been sent, from 0 to 100.
	Percent float64

	// Speed is the smoothed transfer rate, e.g. "1.2 MB/s".
	Speed string

	// Link is the shareable link of the upload the file belongs to.
	Link string
}

// ProgressCallback is called after every read of a file being transferred.
type ProgressCallback func(event ProgressEvent)

// UploadResult contains detailed information about an upload.
type UploadResult struct {
	// RemoteID is the namespace id of the upload. Deleting it removes every
	// object of the upload including its manifest.
	RemoteID string

	// BaseKey is the key of the uploaded file, or the key prefix holding the
	// uploaded folder.
	BaseKey string

	// ManifestKey is where index.json was published.
	ManifestKey string

	// Link is the shareable link.
	Link string

	// Files is the number of files transferred successfully.
	Files int

	// Failed is the number of files that could not be transferred.
	Failed int

	// Bytes is the total size of the files transferred successfully.
	Bytes int64

	// Duration is the end-to-end duration of the upload.
	Duration time.Duration
}

// uploadJob is one local file and where it goes.
type uploadJob struct {
	localPath string
	path      string // manifest path
	key       string
	size      int64
}

// UploadFile, UploadFolder and Upload are implemented in upload.go and folder.go

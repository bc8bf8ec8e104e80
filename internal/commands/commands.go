package commands

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/instashare/instashare/expiry"
	"github.com/instashare/instashare/internal/console"
	"github.com/instashare/instashare/ledger"
	"github.com/instashare/instashare/store"
	"github.com/instashare/instashare/viewer"
	"github.com/rs/zerolog/log"
)

type CommonFlags struct {
	BucketURL     string        `flag:"bucket-url" help:"The bucket URL to use, e.g. s3://bucket?region=auto&endpoint=... or file:///tmp/share." env:"INSTASHARE_BUCKET_URL"`
	PublicBaseURL string        `flag:"public-base-url" help:"The CDN address uploaded objects are served from. Empty means presigned links." env:"INSTASHARE_PUBLIC_BASE_URL"`
	LinkBaseURL   string        `flag:"link-base-url" help:"The web viewer address shareable links are built on." default:"https://instashare.mohitkumarverma.com/view" env:"INSTASHARE_LINK_BASE_URL"`
	AccessKey     string        `flag:"access-key" help:"Static access key for S3 compatible stores." env:"INSTASHARE_ACCESS_KEY"`
	SecretKey     string        `flag:"secret-key" help:"Static secret key for S3 compatible stores." env:"INSTASHARE_SECRET_KEY"`
	Ledger        string        `flag:"ledger" help:"The ledger file recording uploads for expiry." default:"${default_ledger_path}" env:"INSTASHARE_LEDGER"`
	Retention     time.Duration `flag:"retention" help:"How long uploads are kept before they are deleted." default:"48h" env:"INSTASHARE_RETENTION"`
	Concurrency   int           `flag:"concurrency" help:"How many files of a folder upload at once." default:"5" env:"INSTASHARE_CONCURRENCY"`
}

type Globals struct {
	Debug   bool
	Version string
	Printer *console.Printer
	Common  CommonFlags
}

// openStore opens the bucket named by the common flags.
func openStore(ctx context.Context, common CommonFlags) (store.BlobStore, error) {
	if common.BucketURL == "" {
		return nil, fmt.Errorf("no bucket URL provided, set --bucket-url or INSTASHARE_BUCKET_URL")
	}

	log.Debug().Str("bucket_url", common.BucketURL).Str("public_base_url", common.PublicBaseURL).Msg("opening store")

	return store.NewBlobStore(ctx, store.Options{
		BucketURL:     common.BucketURL,
		PublicBaseURL: common.PublicBaseURL,
		AccessKey:     common.AccessKey,
		SecretKey:     common.SecretKey,
	})
}

// newScheduler creates the expiry scheduler backed by the ledger file named by the common flags.
func newScheduler(common CommonFlags, deleter expiry.Deleter) (*expiry.Scheduler, error) {
	if common.Ledger == "" {
		return nil, fmt.Errorf("no ledger path provided")
	}

	return expiry.New(ledger.Open(common.Ledger), deleter, expiry.WithRetention(common.Retention)), nil
}

// newViewer creates a client reading published uploads from the CDN.
func newViewer(globals *Globals) (*viewer.Client, error) {
	if globals.Common.PublicBaseURL == "" {
		return nil, fmt.Errorf("no public base URL provided, set --public-base-url or INSTASHARE_PUBLIC_BASE_URL")
	}

	return viewer.NewClient(globals.Version, globals.Common.PublicBaseURL), nil
}

// namespaceFromArg accepts either a bare namespace id or a shareable link
// and returns the namespace id.
func namespaceFromArg(linkBaseURL, arg string) string {
	arg = strings.Trim(arg, "\"' \t")

	if base := strings.TrimSuffix(linkBaseURL, "/"); base != "" {
		arg = strings.TrimPrefix(arg, base+"/")
	}

	// folder links carry the folder name after the id
	id, _, _ := strings.Cut(arg, "/")

	return id
}

// Int64ToUint64 converts an int64 to uint64, handling negative values and max int64
func Int64ToUint64(x int64) uint64 {
	if x < 0 {
		return 0
	}
	if x == math.MaxInt64 {
		return math.MaxUint64
	}
	return uint64(x)
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/instashare/instashare/archive"
	"github.com/instashare/instashare/internal/console"
	"github.com/instashare/instashare/internal/trace"
	"github.com/instashare/instashare/manifest"
	"github.com/instashare/instashare/viewer"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

type FetchCmd struct {
	Namespace    string        `arg:"" help:"Upload id or shareable link to download."`
	Output       string        `flag:"output" short:"o" help:"The zip file to write. Defaults to <id>.zip." type:"path"`
	Extract      string        `flag:"extract" help:"Also unpack the downloaded zip into this directory." type:"path"`
	Wait         bool          `flag:"wait" help:"Wait until every file of the upload has been uploaded."`
	PollInterval time.Duration `flag:"poll-interval" help:"How often the manifest is polled while waiting." default:"3s"`
}

func (cmd *FetchCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, span := trace.Start(ctx, "FetchCmdRun")
	defer span.End()

	log.Info().Str("version", globals.Version).Msg("Running FetchCmd")

	client, err := newViewer(globals)
	if err != nil {
		return trace.NewError(span, "failed to create viewer client: %w", err)
	}

	id := namespaceFromArg(globals.Common.LinkBaseURL, cmd.Namespace)

	output := cmd.Output
	if output == "" {
		output = id + ".zip"
	}

	span.SetAttributes(
		attribute.String("id", id),
		attribute.String("output", output),
		attribute.Bool("wait", cmd.Wait),
	)

	globals.Printer.Info("🔍", "Fetching manifest %s", client.ManifestURL(id))

	entries, err := waitForManifest(ctx, client, globals.Printer, id, cmd.Wait, cmd.PollInterval)
	if err != nil {
		return trace.NewError(span, "failed to fetch manifest: %w", err)
	}

	summary := viewer.Summarize(entries)
	if !summary.Complete() {
		globals.Printer.Warn("⏳", "%d of %d files are still uploading and will be skipped", summary.Uploading, summary.Files)
	}

	globals.Printer.Info("🗜️", "Downloading %d files into %s", summary.Uploaded, output)

	open := func(ctx context.Context, e manifest.Entry) (io.ReadCloser, error) {
		rc, _, err := client.Open(ctx, e.URL)
		return rc, err
	}

	info, err := archive.BuildZip(ctx, output, entries, open)
	if err != nil {
		return trace.NewError(span, "failed to build archive: %w", err)
	}

	log.Info().
		Str("id", id).
		Str("archive", info.ArchivePath).
		Int64("size", info.Size).
		Str("sha256sum", info.Sha256sum).
		Int64("entries", info.WrittenEntries).
		Dur("duration_ms", info.Duration).
		Msg("archive built")

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Row("ID", id).
		Row("Archive", info.ArchivePath).
		Row("Archive Size", humanize.Bytes(Int64ToUint64(info.Size))).
		Row("Written Bytes", humanize.Bytes(Int64ToUint64(info.WrittenBytes))).
		Row("Written Entries", fmt.Sprintf("%d", info.WrittenEntries)).
		Row("Skipped Entries", fmt.Sprintf("%d", info.Skipped)).
		Row("Sha256", info.Sha256sum).
		Row("Duration", info.Duration.String())

	globals.Printer.Success("✅", "Fetch summary:\n%s", t.Render())

	if cmd.Extract != "" {
		if err := extractArchive(ctx, globals.Printer, info, cmd.Extract); err != nil {
			return trace.NewError(span, "failed to extract archive: %w", err)
		}
	}

	return nil
}

// waitForManifest fetches the manifest of id. With wait set it polls until
// the manifest exists and every entry has been uploaded.
func waitForManifest(ctx context.Context, client *viewer.Client, printer *console.Printer, id string, wait bool, interval time.Duration) ([]manifest.Entry, error) {
	if interval <= 0 {
		interval = 3 * time.Second
	}

	for {
		entries, err := client.FetchManifest(ctx, id)
		switch {
		case err == nil:
			summary := viewer.Summarize(entries)
			if !wait || summary.Complete() {
				return entries, nil
			}
			printer.Info("⏳", "%d of %d files uploaded, waiting", summary.Uploaded, summary.Files)
		case wait && errors.Is(err, viewer.ErrNotFound):
			printer.Info("⏳", "Upload %s not published yet, waiting", id)
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func extractArchive(ctx context.Context, printer *console.Printer, info *archive.ArchiveInfo, dest string) error {
	zipFile, err := os.Open(info.ArchivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer zipFile.Close()

	extracted, err := archive.ExtractFiles(ctx, zipFile, info.Size, dest)
	if err != nil {
		return err
	}

	printer.Success("📂", "Extracted %d entries (%s) into %s",
		extracted.WrittenEntries,
		humanize.Bytes(Int64ToUint64(extracted.WrittenBytes)),
		dest)

	return nil
}

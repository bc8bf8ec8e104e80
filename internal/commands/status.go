package commands

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/instashare/instashare/internal/trace"
	"github.com/instashare/instashare/viewer"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

type StatusCmd struct {
	Namespace string `arg:"" help:"Upload id or shareable link to inspect."`
}

func (cmd *StatusCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, span := trace.Start(ctx, "StatusCmdRun")
	defer span.End()

	log.Info().Str("version", globals.Version).Msg("Running StatusCmd")

	client, err := newViewer(globals)
	if err != nil {
		return trace.NewError(span, "failed to create viewer client: %w", err)
	}

	id := namespaceFromArg(globals.Common.LinkBaseURL, cmd.Namespace)

	span.SetAttributes(attribute.String("id", id))

	globals.Printer.Info("🔍", "Fetching manifest %s", client.ManifestURL(id))

	entries, err := client.FetchManifest(ctx, id)
	if err != nil {
		return trace.NewError(span, "failed to fetch manifest: %w", err)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("Path", "Size", "Status")

	for _, e := range entries {
		t.Row(e.Path, humanize.Bytes(Int64ToUint64(e.Size)), string(e.Status))
	}

	summary := viewer.Summarize(entries)

	globals.Printer.Info("📊", "Upload %s:\n%s", id, t.Render())

	if summary.Complete() {
		globals.Printer.Success("✅", "All %d files uploaded (%s)", summary.Files, humanize.Bytes(Int64ToUint64(summary.Bytes)))
	} else {
		globals.Printer.Warn("⏳", "%d of %d files uploaded (%s of %s)",
			summary.Uploaded, summary.Files,
			humanize.Bytes(Int64ToUint64(summary.UploadedBytes)),
			humanize.Bytes(Int64ToUint64(summary.Bytes)))
	}

	fmt.Println(summary.Complete()) // write to stdout

	return nil
}

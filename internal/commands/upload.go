package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/instashare/instashare"
	"github.com/instashare/instashare/internal/trace"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

type UploadCmd struct {
	Path string `arg:"" help:"File or folder to upload." type:"path"`
}

func (cmd *UploadCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, span := trace.Start(ctx, "UploadCmdRun")
	defer span.End()

	log.Info().Str("version", globals.Version).Msg("Running UploadCmd")

	span.SetAttributes(
		attribute.String("path", cmd.Path),
		attribute.Int("concurrency", globals.Common.Concurrency),
	)

	blobs, err := openStore(ctx, globals.Common)
	if err != nil {
		return trace.NewError(span, "failed to open store: %w", err)
	}

	scheduler, err := newScheduler(globals.Common, blobs)
	if err != nil {
		return trace.NewError(span, "failed to create expiry scheduler: %w", err)
	}

	var linkOnce sync.Once
	printLink := func(link string) {
		linkOnce.Do(func() {
			globals.Printer.Link("🔗", "Shareable link:", link)
		})
	}

	uploader, err := instashare.New(instashare.Config{
		Store:       blobs,
		LinkBaseURL: globals.Common.LinkBaseURL,
		Concurrency: globals.Common.Concurrency,
		Recorder:    scheduler,
		OnProgress: func(event instashare.ProgressEvent) {
			// the link is live as soon as the first transfer starts
			printLink(event.Link)
			globals.Printer.Progress(event.Path, event.Percent, event.Speed)
		},
	})
	if err != nil {
		return trace.NewError(span, "failed to create uploader: %w", err)
	}

	globals.Printer.Info("⬆️", "Uploading %s", cmd.Path)

	result, err := uploader.Upload(ctx, cmd.Path)
	if result.Link != "" {
		printLink(result.Link)
	}
	if err != nil {
		if result.Files > 0 {
			globals.Printer.Warn("⚠️", "Upload incomplete: %d of %d files transferred", result.Files, result.Files+result.Failed)
		}
		return trace.NewError(span, "failed to upload %s: %w", cmd.Path, err)
	}

	log.Info().
		Str("id", result.RemoteID).
		Str("link", result.Link).
		Int("files", result.Files).
		Int64("bytes", result.Bytes).
		Dur("duration_ms", result.Duration).
		Msg("upload complete")

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Row("ID", result.RemoteID).
		Row("Link", result.Link).
		Row("Files", fmt.Sprintf("%d", result.Files)).
		Row("Size", humanize.Bytes(Int64ToUint64(result.Bytes))).
		Row("Duration", result.Duration.String()).
		Row("Expires", humanize.Time(time.Now().Add(scheduler.Retention())))

	globals.Printer.Success("✅", "Upload summary:\n%s", t.Render())

	fmt.Println(result.Link) // write to stdout

	return nil
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/instashare/instashare/expiry"
	"github.com/instashare/instashare/internal/trace"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

type ReapCmd struct {
	Every time.Duration `flag:"every" help:"Keep running and reap at this interval. Zero reaps once and exits." default:"0s" env:"INSTASHARE_REAP_EVERY"`
}

func (cmd *ReapCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, span := trace.Start(ctx, "ReapCmdRun")
	defer span.End()

	log.Info().Str("version", globals.Version).Msg("Running ReapCmd")

	span.SetAttributes(
		attribute.String("ledger", globals.Common.Ledger),
		attribute.String("retention", globals.Common.Retention.String()),
		attribute.String("every", cmd.Every.String()),
	)

	blobs, err := openStore(ctx, globals.Common)
	if err != nil {
		return trace.NewError(span, "failed to open store: %w", err)
	}

	scheduler, err := newScheduler(globals.Common, blobs)
	if err != nil {
		return trace.NewError(span, "failed to create expiry scheduler: %w", err)
	}

	if cmd.Every > 0 {
		globals.Printer.Info("⏱️", "Reaping uploads older than %s every %s", scheduler.Retention(), cmd.Every)

		err := scheduler.Run(ctx, cmd.Every)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return trace.NewError(span, "reaper stopped: %w", err)
	}

	globals.Printer.Info("🧹", "Reaping uploads older than %s", scheduler.Retention())

	res, err := scheduler.ReapExpired(ctx)
	if res != nil {
		printReapResult(globals, res)
	}
	if err != nil {
		return trace.NewError(span, "failed to reap expired uploads: %w", err)
	}

	return nil
}

func printReapResult(globals *Globals, res *expiry.ReapResult) {
	if len(res.Deleted) == 0 && len(res.Failed) == 0 {
		globals.Printer.Info("✨", "Nothing to reap, %d uploads still within retention", res.Kept)
		return
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "Path", "Uploaded", "Result")

	for _, rec := range res.Deleted {
		t.Row(rec.FileID, rec.FilePath, humanize.Time(rec.UploadTimeUTC), "deleted")
	}
	for _, rec := range res.Failed {
		t.Row(rec.FileID, rec.FilePath, humanize.Time(rec.UploadTimeUTC), "failed")
	}

	summary := fmt.Sprintf("%d deleted, %d failed, %d kept", len(res.Deleted), len(res.Failed), res.Kept)

	if len(res.Failed) > 0 {
		globals.Printer.Warn("⚠️", "Reap summary (%s):\n%s", summary, t.Render())
		return
	}

	globals.Printer.Success("✅", "Reap summary (%s):\n%s", summary, t.Render())
}

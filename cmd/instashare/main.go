package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"github.com/instashare/instashare/internal/commands"
	"github.com/instashare/instashare/internal/console"
	"github.com/instashare/instashare/internal/trace"
	"github.com/instashare/instashare/ledger"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	version = "dev"

	cli struct {
		Version       kong.VersionFlag
		Debug         bool   `help:"Enable debug mode." default:"false" env:"INSTASHARE_DEBUG"`
		NoColor       bool   `flag:"no-color" help:"Disable coloured output." env:"INSTASHARE_NO_COLOR"`
		TraceExporter string `flag:"trace-exporter" help:"The trace exporter to use. Defaults to 'noop'." default:"noop" enum:"noop,grpc" env:"INSTASHARE_TRACE_EXPORTER"`

		commands.CommonFlags

		Upload commands.UploadCmd `cmd:"" help:"upload a file or folder and print its shareable link."`
		Reap   commands.ReapCmd   `cmd:"" help:"delete uploads older than the retention period."`
		Status commands.StatusCmd `cmd:"" help:"show the upload state of a shared file or folder."`
		Fetch  commands.FetchCmd  `cmd:"" help:"download a shared file or folder as a zip."`
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Overloads `cli` with configuration file values.
	cmd := kong.Parse(&cli,
		kong.Vars{"version": version, "default_ledger_path": defaultLedgerPath()},
		kong.Configuration(kongyaml.Loader, "~/.config/instashare/config.yaml", ".instashare.yaml"),
		kong.BindTo(ctx, (*context.Context)(nil)))

	err := Run(ctx, cmd)
	cmd.FatalIfErrorf(err)
}

func Run(ctx context.Context, cmd *kong.Context) error {
	start := time.Now()

	if cli.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(zerolog.DebugLevel)
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(zerolog.ErrorLevel)
	}

	tp, err := trace.NewProvider(ctx, cli.TraceExporter, "github.com/instashare/instashare", version)
	if err != nil {
		return fmt.Errorf("failed to create trace provider: %w", err)
	}
	defer func() {
		_ = tp.Shutdown(context.WithoutCancel(ctx))
	}()

	printer := console.NewPrinter(os.Stderr, cli.NoColor)

	err = cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version, Printer: printer, Common: cli.CommonFlags})
	if err != nil {
		return fmt.Errorf("command %s failed: %w", cmd.Command(), err)
	}

	printer.Info("✅", "%s completed successfully in %s", cmd.Command(), time.Since(start).String())

	return nil
}

// defaultLedgerPath keeps the ledger in the per user config directory,
// falling back to the working directory.
func defaultLedgerPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ledger.DefaultFileName
	}
	return filepath.Join(dir, "instashare", ledger.DefaultFileName)
}

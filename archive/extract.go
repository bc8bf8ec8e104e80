package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/instashare/instashare/internal/trace"
	"github.com/klauspost/compress/zip"
	"github.com/wolfeidau/quickzip"
	"go.opentelemetry.io/otel/attribute"
)

// ListArchive returns the names of every entry in the zip.
func ListArchive(ctx context.Context, zipFile *os.File, zipFileLen int64) ([]string, error) {
	_, span := trace.Start(ctx, "ListArchive")
	defer span.End()

	reader, err := zip.NewReader(zipFile, zipFileLen)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip reader: %w", err)
	}

	entries := make([]string, 0, len(reader.File))
	for _, f := range reader.File {
		entries = append(entries, f.Name)
	}

	span.SetAttributes(
		attribute.Int("entryCount", len(entries)),
	)

	return entries, nil
}

// ExtractFiles unpacks the zip below destDir.
func ExtractFiles(ctx context.Context, zipFile *os.File, zipFileLen int64, destDir string) (*ArchiveInfo, error) {
	_, span := trace.Start(ctx, "ExtractFiles")
	defer span.End()

	start := time.Now()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination: %w", err)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination: %w", err)
	}

	extract, err := quickzip.NewExtractorFromReader(zipFile, zipFileLen)
	if err != nil {
		return nil, fmt.Errorf("failed to create extractor: %w", err)
	}

	err = extract.ExtractWithPathMapper(ctx, func(file *zip.File) (string, error) {
		target := filepath.Join(root, filepath.FromSlash(file.Name))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %s", ErrInvalidPath, file.Name)
		}
		return target, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract zip file: %w", err)
	}

	bytesExtracted, countExtracted := extract.Written()

	span.SetAttributes(
		attribute.Int64("zipFileLen", zipFileLen),
		attribute.Int64("fileExtracted", countExtracted),
		attribute.Int64("bytesExtracted", bytesExtracted),
	)

	return &ArchiveInfo{
		ArchivePath:    zipFile.Name(),
		Size:           zipFileLen,
		WrittenBytes:   bytesExtracted,
		WrittenEntries: countExtracted,
		Duration:       time.Since(start),
	}, nil
}

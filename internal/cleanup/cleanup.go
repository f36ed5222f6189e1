package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/segment_downloader/internal/logctx"
	"github.com/italolelis/segment_downloader/internal/storage"
	"github.com/italolelis/segment_downloader/internal/transfer"
)

// DeleteOrphanFiles deletes files in dir that no tracked download writes to and that
// were last modified more than keepDuration ago. It returns the number of deleted files.
func DeleteOrphanFiles(ctx context.Context, tracked []storage.FileState, dir string, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil // nothing downloaded yet
		}

		return 0, err
	}

	names := make(map[string]struct{}, len(tracked))
	for _, fs := range tracked {
		names[transfer.FileName(fs.URL, fs.Name)] = struct{}{}
	}

	deleted := 0

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		if _, ok := names[entry.Name()]; ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("Failed to stat file", "file", entry.Name(), "err", err)

			return deleted, err
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		filePath := filepath.Join(dir, entry.Name())
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			logger.Error("Failed to delete orphan file", "file", filePath, "err", err)

			return deleted, err
		}

		deleted++

		logger.Info("Deleted orphan file", "file", filePath, "size", humanize.Bytes(uint64(info.Size())))
	}

	return deleted, nil
}

// RemoveTarget removes the file the download of url called name was written to.
func RemoveTarget(dir, url, name string) error {
	if err := os.Remove(filepath.Join(dir, transfer.FileName(url, name))); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

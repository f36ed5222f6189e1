package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/segment_downloader/internal/storage"
	"github.com/italolelis/segment_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	return path
}

func TestDeleteOrphanFiles(t *testing.T) {
	dir := t.TempDir()

	const trackedURL = "https://example.com/tracked.bin"

	tracked := writeFile(t, dir, transfer.FileName(trackedURL, "tracked.bin"), 48*time.Hour)
	oldOrphan := writeFile(t, dir, "old.bin", 48*time.Hour)
	freshOrphan := writeFile(t, dir, "fresh.bin", time.Minute)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	n, err := DeleteOrphanFiles(context.Background(), []storage.FileState{
		{URL: trackedURL, Name: "tracked.bin", State: storage.StatePaused},
	}, dir, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.FileExists(t, tracked)
	assert.FileExists(t, freshOrphan)
	assert.NoFileExists(t, oldOrphan)
	assert.DirExists(t, filepath.Join(dir, "sub"))
}

func TestDeleteOrphanFiles_MissingDir(t *testing.T) {
	n, err := DeleteOrphanFiles(context.Background(), nil, filepath.Join(t.TempDir(), "missing"), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRemoveTarget(t *testing.T) {
	dir := t.TempDir()
	const url = "https://example.com/file.bin"

	path := writeFile(t, dir, transfer.FileName(url, "file.bin"), 0)
	other := writeFile(t, dir, transfer.FileName("https://example.com/other", "file.bin"), 0)

	require.NoError(t, RemoveTarget(dir, url, "file.bin"))
	assert.NoFileExists(t, path)
	assert.FileExists(t, other, "a download sharing the name keeps its file")

	require.NoError(t, RemoveTarget(dir, url, "file.bin"), "missing files are not an error")
}

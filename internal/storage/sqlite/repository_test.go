package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"sort"
	"testing"

	"github.com/italolelis/segment_downloader/internal/storage"
	"github.com/italolelis/segment_downloader/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testURL = "https://example.com/file.bin"

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return db
}

func testSegments(url string) []storage.SegmentRecord {
	return []storage.SegmentRecord{
		{URL: url, ThreadID: 0, StartPos: 0, EndPos: 99},
		{URL: url, ThreadID: 1, StartPos: 100, EndPos: 199},
		{URL: url, ThreadID: 2, StartPos: 200, EndPos: 299},
	}
}

func TestSegmentRepository_ExistsAndInsertAll(t *testing.T) {
	ctx := context.Background()
	repo := NewSegmentRepository(newTestDB(t))

	exists, err := repo.Exists(ctx, testURL)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, repo.InsertAll(ctx, testSegments(testURL)))

	exists, err = repo.Exists(ctx, testURL)
	require.NoError(t, err)
	assert.True(t, exists)

	segments, err := repo.ListByURL(ctx, testURL)
	require.NoError(t, err)
	require.Len(t, segments, 3)

	sort.Slice(segments, func(i, j int) bool { return segments[i].StartPos < segments[j].StartPos })
	assert.Equal(t, testSegments(testURL), segments)
}

func TestSegmentRepository_InsertAllDuplicateIsAtomic(t *testing.T) {
	ctx := context.Background()
	repo := NewSegmentRepository(newTestDB(t))

	require.NoError(t, repo.InsertAll(ctx, testSegments(testURL)[:1]))

	err := repo.InsertAll(ctx, testSegments(testURL))
	require.ErrorIs(t, err, storage.ErrDuplicateKey)

	segments, err := repo.ListByURL(ctx, testURL)
	require.NoError(t, err)
	assert.Len(t, segments, 1, "a failed batch must not leave partial rows")
}

func TestSegmentRepository_UpdateProgress(t *testing.T) {
	ctx := context.Background()
	repo := NewSegmentRepository(newTestDB(t))

	require.NoError(t, repo.InsertAll(ctx, testSegments(testURL)))

	matched, err := repo.UpdateProgress(ctx, 1, testURL, 42)
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = repo.UpdateProgress(ctx, 7, testURL, 42)
	require.NoError(t, err)
	assert.False(t, matched, "unknown thread is a zero-row update, not an error")

	segments, err := repo.ListByURL(ctx, testURL)
	require.NoError(t, err)

	for _, seg := range segments {
		if seg.ThreadID == 1 {
			assert.Equal(t, int64(42), seg.CompleteSize)
		} else {
			assert.Zero(t, seg.CompleteSize)
		}
	}
}

func TestSegmentRepository_DeleteByURL(t *testing.T) {
	ctx := context.Background()
	repo := NewSegmentRepository(newTestDB(t))

	require.NoError(t, repo.InsertAll(ctx, testSegments(testURL)))
	require.NoError(t, repo.InsertAll(ctx, testSegments("https://example.com/other.bin")))

	require.NoError(t, repo.DeleteByURL(ctx, testURL))

	exists, err := repo.Exists(ctx, testURL)
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = repo.Exists(ctx, "https://example.com/other.bin")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSegmentRepository_ClosedDatabase(t *testing.T) {
	db := newTestDB(t)
	repo := NewSegmentRepository(db)

	require.NoError(t, db.Close())

	_, err := repo.Exists(context.Background(), testURL)
	require.ErrorIs(t, err, storage.ErrStorageUnavailable)
}

func TestFileStateRepository_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewFileStateRepository(newTestDB(t))

	fs := storage.FileState{MID: "m1", Name: "song.mp3", URL: testURL, State: storage.StateDownloading, FileSize: 300}
	require.NoError(t, repo.Insert(ctx, fs))

	got, err := repo.GetByURL(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, fs, got)

	err = repo.Insert(ctx, fs)
	require.ErrorIs(t, err, storage.ErrDuplicateKey)

	_, err = repo.GetByURL(ctx, "https://example.com/missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFileStateRepository_SetStateAndProgressAreIndependent(t *testing.T) {
	ctx := context.Background()
	repo := NewFileStateRepository(newTestDB(t))

	require.NoError(t, repo.Insert(ctx, storage.FileState{URL: testURL, State: storage.StateDownloading, FileSize: 300}))

	require.NoError(t, repo.SetProgress(ctx, testURL, 120))
	require.NoError(t, repo.SetState(ctx, testURL, storage.StatePaused))

	got, err := repo.GetByURL(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, storage.StatePaused, got.State)
	assert.Equal(t, int64(120), got.CompleteSize)
	assert.Equal(t, int64(300), got.FileSize)
}

func TestFileStateRepository_ListByState(t *testing.T) {
	ctx := context.Background()
	repo := NewFileStateRepository(newTestDB(t))

	rows := []storage.FileState{
		{URL: "https://example.com/a", State: storage.StateDownloading, FileSize: 1},
		{URL: "https://example.com/b", State: storage.StateCompleted, FileSize: 1},
		{URL: "https://example.com/c", State: storage.StatePaused, FileSize: 1},
		{URL: "https://example.com/d", State: storage.StateDownloading, FileSize: 1},
	}
	for _, fs := range rows {
		require.NoError(t, repo.Insert(ctx, fs))
	}

	tests := []struct {
		state storage.State
		want  []string
	}{
		{storage.StateDownloading, []string{"https://example.com/a", "https://example.com/d"}},
		{storage.StateCompleted, []string{"https://example.com/b"}},
		{storage.StatePaused, []string{"https://example.com/c"}},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			got, err := repo.ListByState(ctx, tt.state)
			require.NoError(t, err)

			urls := make([]string, 0, len(got))
			for _, fs := range got {
				assert.Equal(t, tt.state, fs.State)
				urls = append(urls, fs.URL)
			}

			assert.ElementsMatch(t, tt.want, urls)
		})
	}

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestFileStateRepository_UnknownStateIsCorrupt(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewFileStateRepository(db)

	_, err := db.Exec(`INSERT INTO download_file (mid, name, url, state, complete_size, file_size) VALUES ('', '', ?, 2, 0, 10)`, testURL)
	require.NoError(t, err)

	_, err = repo.GetByURL(ctx, testURL)
	require.ErrorIs(t, err, storage.ErrCorruptState)
}

func TestFileStateRepository_Delete(t *testing.T) {
	ctx := context.Background()
	repo := NewFileStateRepository(newTestDB(t))

	require.NoError(t, repo.Insert(ctx, storage.FileState{URL: testURL, State: storage.StateDownloading, FileSize: 10}))
	require.NoError(t, repo.Delete(ctx, testURL))

	_, err := repo.GetByURL(ctx, testURL)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInstrumentedRepositories_DisabledTelemetry(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	tel := &telemetry.Telemetry{}

	segments := NewInstrumentedSegmentRepository(db, tel)
	states := NewInstrumentedFileStateRepository(db, tel)

	require.NoError(t, states.Insert(ctx, storage.FileState{URL: testURL, State: storage.StateDownloading, FileSize: 300}))
	require.NoError(t, segments.InsertAll(ctx, testSegments(testURL)))

	matched, err := segments.UpdateProgress(ctx, 0, testURL, 10)
	require.NoError(t, err)
	assert.True(t, matched)

	list, err := segments.ListByURL(ctx, testURL)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	_, err = states.GetByURL(ctx, "https://example.com/missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

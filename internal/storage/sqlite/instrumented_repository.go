package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/segment_downloader/internal/storage"
	"github.com/italolelis/segment_downloader/internal/telemetry"
)

// InstrumentedSegmentRepository wraps SegmentRepository with telemetry.
type InstrumentedSegmentRepository struct {
	repo      *SegmentRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedSegmentRepository creates a new instrumented segment ledger.
func NewInstrumentedSegmentRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedSegmentRepository {
	return &InstrumentedSegmentRepository{
		repo:      NewSegmentRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedSegmentRepository) Exists(ctx context.Context, url string) (bool, error) {
	var result bool

	err := r.telemetry.InstrumentDBOperation(ctx, "segment_exists", func(ctx context.Context) error {
		var err error
		result, err = r.repo.Exists(ctx, url)

		return err
	})

	return result, err
}

func (r *InstrumentedSegmentRepository) InsertAll(ctx context.Context, records []storage.SegmentRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "segment_insert_all", func(ctx context.Context) error {
		return r.repo.InsertAll(ctx, records)
	})
}

func (r *InstrumentedSegmentRepository) ListByURL(ctx context.Context, url string) ([]storage.SegmentRecord, error) {
	var result []storage.SegmentRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "segment_list", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListByURL(ctx, url)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedSegmentRepository) UpdateProgress(ctx context.Context, threadID int, url string, completeSize int64) (bool, error) {
	var matched bool

	err := r.telemetry.InstrumentDBOperation(ctx, "segment_update_progress", func(ctx context.Context) error {
		var err error
		matched, err = r.repo.UpdateProgress(ctx, threadID, url, completeSize)

		return err
	})

	return matched, err
}

func (r *InstrumentedSegmentRepository) DeleteByURL(ctx context.Context, url string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "segment_delete", func(ctx context.Context) error {
		return r.repo.DeleteByURL(ctx, url)
	})
}

// InstrumentedFileStateRepository wraps FileStateRepository with telemetry.
type InstrumentedFileStateRepository struct {
	repo      *FileStateRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedFileStateRepository creates a new instrumented file state store.
func NewInstrumentedFileStateRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedFileStateRepository {
	return &InstrumentedFileStateRepository{
		repo:      NewFileStateRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedFileStateRepository) Insert(ctx context.Context, fs storage.FileState) error {
	return r.telemetry.InstrumentDBOperation(ctx, "file_state_insert", func(ctx context.Context) error {
		return r.repo.Insert(ctx, fs)
	})
}

func (r *InstrumentedFileStateRepository) List(ctx context.Context) ([]storage.FileState, error) {
	var result []storage.FileState

	err := r.telemetry.InstrumentDBOperation(ctx, "file_state_list", func(ctx context.Context) error {
		var err error
		result, err = r.repo.List(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedFileStateRepository) ListByState(ctx context.Context, state storage.State) ([]storage.FileState, error) {
	var result []storage.FileState

	err := r.telemetry.InstrumentDBOperation(ctx, "file_state_list_by_state", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListByState(ctx, state)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedFileStateRepository) GetByURL(ctx context.Context, url string) (storage.FileState, error) {
	var result storage.FileState

	err := r.telemetry.InstrumentDBOperation(ctx, "file_state_get", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetByURL(ctx, url)

		return err
	})

	return result, err
}

func (r *InstrumentedFileStateRepository) SetState(ctx context.Context, url string, state storage.State) error {
	return r.telemetry.InstrumentDBOperation(ctx, "file_state_set_state", func(ctx context.Context) error {
		return r.repo.SetState(ctx, url, state)
	})
}

func (r *InstrumentedFileStateRepository) SetProgress(ctx context.Context, url string, completeSize int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "file_state_set_progress", func(ctx context.Context) error {
		return r.repo.SetProgress(ctx, url, completeSize)
	})
}

func (r *InstrumentedFileStateRepository) Delete(ctx context.Context, url string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "file_state_delete", func(ctx context.Context) error {
		return r.repo.Delete(ctx, url)
	})
}

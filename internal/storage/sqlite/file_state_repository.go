package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/italolelis/segment_downloader/internal/storage"
)

const fileStateColumns = `mid, name, url, state, complete_size, file_size`

// FileStateRepository implements storage.FileStateStore on the download_file table.
type FileStateRepository struct {
	db *sql.DB
}

func NewFileStateRepository(dbConn *sql.DB) *FileStateRepository {
	return &FileStateRepository{db: dbConn}
}

// Insert creates the row for fs.URL. A second insert for the same url fails with storage.ErrDuplicateKey.
func (r *FileStateRepository) Insert(ctx context.Context, fs storage.FileState) error {
	if !fs.State.Valid() {
		return fmt.Errorf("invalid state %d for %s", fs.State, fs.URL)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO download_file (`+fileStateColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		fs.MID, fs.Name, fs.URL, int(fs.State), fs.CompleteSize, fs.FileSize,
	)

	return classify(err)
}

func (r *FileStateRepository) List(ctx context.Context) ([]storage.FileState, error) {
	return r.query(ctx, `SELECT `+fileStateColumns+` FROM download_file`)
}

// ListByState returns the rows in the given state.
func (r *FileStateRepository) ListByState(ctx context.Context, state storage.State) ([]storage.FileState, error) {
	return r.query(ctx, `SELECT `+fileStateColumns+` FROM download_file WHERE state = ?`, int(state))
}

// GetByURL returns the unique row for url. More than one match means the
// uniqueness invariant was broken and is reported as storage.ErrCorruptState.
func (r *FileStateRepository) GetByURL(ctx context.Context, url string) (storage.FileState, error) {
	states, err := r.query(ctx, `SELECT `+fileStateColumns+` FROM download_file WHERE url = ? LIMIT 2`, url)
	if err != nil {
		return storage.FileState{}, err
	}

	switch len(states) {
	case 0:
		return storage.FileState{}, fmt.Errorf("file state for %s: %w", url, storage.ErrNotFound)
	case 1:
		return states[0], nil
	default:
		return storage.FileState{}, fmt.Errorf("multiple file states for %s: %w", url, storage.ErrCorruptState)
	}
}

// SetState changes the state column only.
func (r *FileStateRepository) SetState(ctx context.Context, url string, state storage.State) error {
	if !state.Valid() {
		return fmt.Errorf("invalid state %d for %s", state, url)
	}

	_, err := r.db.ExecContext(ctx, `UPDATE download_file SET state = ? WHERE url = ?`, int(state), url)

	return classify(err)
}

// SetProgress changes the complete_size column only.
func (r *FileStateRepository) SetProgress(ctx context.Context, url string, completeSize int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE download_file SET complete_size = ? WHERE url = ?`, completeSize, url)

	return classify(err)
}

func (r *FileStateRepository) Delete(ctx context.Context, url string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM download_file WHERE url = ?`, url)

	return classify(err)
}

func (r *FileStateRepository) query(ctx context.Context, query string, args ...any) ([]storage.FileState, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}

	defer rows.Close()

	var states []storage.FileState

	for rows.Next() {
		var (
			fs        storage.FileState
			mid, name sql.NullString
			state     int
		)

		if err := rows.Scan(&mid, &name, &fs.URL, &state, &fs.CompleteSize, &fs.FileSize); err != nil {
			return nil, classify(err)
		}

		fs.MID = mid.String
		fs.Name = name.String
		fs.State = storage.State(state)

		if !fs.State.Valid() {
			return nil, fmt.Errorf("unknown state %d for %s: %w", state, fs.URL, storage.ErrCorruptState)
		}

		states = append(states, fs)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	return states, nil
}

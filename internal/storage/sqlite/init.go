package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/italolelis/segment_downloader/internal/storage"
	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS download_info (
	thread_id INTEGER NOT NULL,
	start_pos INTEGER NOT NULL,
	end_pos INTEGER NOT NULL,
	complete_size INTEGER NOT NULL DEFAULT 0,
	url TEXT NOT NULL,
	UNIQUE (url, thread_id)
);

CREATE TABLE IF NOT EXISTS download_file (
	mid TEXT,
	name TEXT,
	url TEXT NOT NULL UNIQUE,
	state INTEGER NOT NULL,
	complete_size INTEGER NOT NULL DEFAULT 0,
	file_size INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_download_info_url ON download_info(url);
CREATE INDEX IF NOT EXISTS idx_download_file_state ON download_file(state);
`

// InitDB opens the SQLite database at dbPath and creates the ledger tables if they don't exist.
// A single long-lived handle is shared by both repositories; the pool is capped at one
// connection so statements are serialized by database/sql instead of failing with SQLITE_BUSY.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrStorageUnavailable, err)
	}

	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()

		return nil, fmt.Errorf("%w: %w", storage.ErrStorageUnavailable, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("%w: failed to create schema: %w", storage.ErrStorageUnavailable, err)
	}

	return db, nil
}

// classify maps driver errors onto the storage error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %w", storage.ErrDuplicateKey, err)
		}
	}

	return fmt.Errorf("%w: %w", storage.ErrStorageUnavailable, err)
}

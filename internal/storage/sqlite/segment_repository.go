package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/italolelis/segment_downloader/internal/storage"
)

// SegmentRepository implements storage.SegmentLedger on the download_info table.
type SegmentRepository struct {
	db *sql.DB
}

func NewSegmentRepository(dbConn *sql.DB) *SegmentRepository {
	return &SegmentRepository{db: dbConn}
}

// Exists reports whether at least one segment is stored for url.
func (r *SegmentRepository) Exists(ctx context.Context, url string) (bool, error) {
	var count int

	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM download_info WHERE url = ?`, url).Scan(&count)
	if err != nil {
		return false, classify(err)
	}

	return count > 0, nil
}

// InsertAll writes every record in a single multi-row statement, so either all
// segments of a download are stored or none are.
func (r *SegmentRepository) InsertAll(ctx context.Context, records []storage.SegmentRecord) error {
	if len(records) == 0 {
		return nil
	}

	var sb strings.Builder

	sb.WriteString(`INSERT INTO download_info (thread_id, start_pos, end_pos, complete_size, url) VALUES `)

	args := make([]any, 0, len(records)*5)

	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}

		sb.WriteString("(?, ?, ?, ?, ?)")

		args = append(args, rec.ThreadID, rec.StartPos, rec.EndPos, rec.CompleteSize, rec.URL)
	}

	_, err := r.db.ExecContext(ctx, sb.String(), args...)

	return classify(err)
}

// ListByURL returns the segments for url in no particular order.
func (r *SegmentRepository) ListByURL(ctx context.Context, url string) ([]storage.SegmentRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT thread_id, start_pos, end_pos, complete_size, url FROM download_info WHERE url = ?`, url)
	if err != nil {
		return nil, classify(err)
	}

	defer rows.Close()

	var segments []storage.SegmentRecord

	for rows.Next() {
		var rec storage.SegmentRecord
		if err := rows.Scan(&rec.ThreadID, &rec.StartPos, &rec.EndPos, &rec.CompleteSize, &rec.URL); err != nil {
			return nil, classify(err)
		}

		segments = append(segments, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	return segments, nil
}

// UpdateProgress sets complete_size for the (threadID, url) row.
func (r *SegmentRepository) UpdateProgress(ctx context.Context, threadID int, url string, completeSize int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE download_info SET complete_size = ? WHERE thread_id = ? AND url = ?`, completeSize, threadID, url)
	if err != nil {
		return false, classify(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}

	return affected > 0, nil
}

// DeleteByURL removes every segment of url.
func (r *SegmentRepository) DeleteByURL(ctx context.Context, url string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM download_info WHERE url = ?`, url)

	return classify(err)
}

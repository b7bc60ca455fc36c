// Package journal persists one row per completed call in SQLite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Journal struct {
	db *sql.DB
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Record inserts e into act_log.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return ErrEmptyID
	}
	if e.Status != StatusDone && e.Status != StatusFailed {
		return fmt.Errorf("invalid journal status: %q", e.Status)
	}

	var errorCode, parentID any
	if e.ErrorCode != "" {
		errorCode = e.ErrorCode
	}
	if e.ParentID != "" {
		parentID = e.ParentID
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO act_log(
  id, tx, pattern, action, status, error_code, started_at, ended_at, duration_ms, parent_id
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.Tx, e.Pattern, e.Action, e.Status, errorCode,
		e.StartedAt.UTC().Format(timeLayout),
		e.EndedAt.UTC().Format(timeLayout),
		e.Duration().Milliseconds(), parentID)
	if err != nil {
		return fmt.Errorf("insert act_log: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT id, tx, pattern, action, status, error_code, started_at, ended_at, parent_id
FROM act_log
ORDER BY ended_at DESC, id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query act_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                  Entry
			status             string
			errorCode          sql.NullString
			parentID           sql.NullString
			startedAt, endedAt string
		)
		if err := rows.Scan(&e.ID, &e.Tx, &e.Pattern, &e.Action, &status, &errorCode, &startedAt, &endedAt, &parentID); err != nil {
			return nil, fmt.Errorf("scan act_log: %w", err)
		}
		e.Status = Status(status)
		e.ErrorCode = errorCode.String
		e.ParentID = parentID.String
		if e.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at for %s: %w", e.ID, err)
		}
		if e.EndedAt, err = time.Parse(timeLayout, endedAt); err != nil {
			return nil, fmt.Errorf("parse ended_at for %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate act_log: %w", err)
	}
	return out, nil
}

// PruneBefore deletes entries that ended before cutoff and returns how many
// were removed.
func (j *Journal) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM act_log WHERE ended_at < ?;`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune act_log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune act_log rows: %w", err)
	}
	return n, nil
}

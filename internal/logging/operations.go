package logging

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/danielpatrickdp/branchsim/internal/dbutil"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS operation_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	operation   TEXT NOT NULL,
	detail_json TEXT,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_operation_log_run ON operation_log(run_id, id);
`

// Migrate creates the operation_log table.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate operation_log: %w", err)
	}
	return nil
}

// #endregion schema

// #region log-operation
// LogOperation writes an audit entry. Pass the write transaction so the entry
// commits or rolls back with the operation it describes.
func LogOperation(ctx context.Context, q dbutil.Querier, entry OperationEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO operation_log (run_id, operation, detail_json, created_at)
		 VALUES (?, ?, ?, ?)`,
		entry.RunID,
		entry.Operation,
		dbutil.NullIfEmpty(entry.DetailJSON),
		dbutil.FormatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("log operation: %w", err)
	}
	return nil
}

// #endregion log-operation

// #region list-operations
// ListOperations returns a run's audit entries oldest first.
func ListOperations(ctx context.Context, q dbutil.Querier, runID string) ([]OperationEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, run_id, operation, detail_json, created_at
		 FROM operation_log WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []OperationEntry
	for rows.Next() {
		var e OperationEntry
		var detail sql.NullString
		var createdStr string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Operation, &detail, &createdStr); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		e.DetailJSON = detail.String
		if e.CreatedAt, err = dbutil.ParseTime(createdStr); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion list-operations

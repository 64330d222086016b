package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/gradelock/internal/model"
)

// AppendRunLog inserts an audit record and returns its id.
// Impacted and Detail are stored as canonical JSON.
func (t *Tx) AppendRunLog(ctx context.Context, l model.RunLog) (int64, error) {
	impactedJSON, err := marshalImpacted(l.Impacted)
	if err != nil {
		return 0, fmt.Errorf("append run log: %w", err)
	}
	detailJSON, err := marshalDetail(l.Detail)
	if err != nil {
		return 0, fmt.Errorf("append run log: %w", err)
	}

	var scheduledFor sql.NullInt64
	if l.ScheduledFor != nil {
		scheduledFor = sql.NullInt64{Int64: toUnix(*l.ScheduledFor), Valid: true}
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO run_logs
		(id_number, pattern, action, scheduled_for, executed, execution_date, impacted, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		l.IDNumber,
		l.Pattern,
		string(l.Action),
		scheduledFor,
		boolInt(l.Executed),
		toUnix(l.ExecutionDate),
		impactedJSON,
		detailJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("append run log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append run log: last insert id: %w", err)
	}
	return id, nil
}

// RunLog returns one audit record, or ErrNotFound.
func (t *Tx) RunLog(ctx context.Context, id int64) (model.RunLog, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+runLogColumns+` FROM run_logs WHERE id = ?`, id)
	l, err := scanRunLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RunLog{}, fmt.Errorf("run log %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.RunLog{}, fmt.Errorf("read run log %d: %w", id, err)
	}
	return l, nil
}

// ListRunLogs returns audit records, newest execution first.
// A limit <= 0 returns every record.
func (t *Tx) ListRunLogs(ctx context.Context, limit int) ([]model.RunLog, error) {
	query := `SELECT ` + runLogColumns + ` FROM run_logs ORDER BY execution_date DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query run logs: %w", err)
	}
	defer rows.Close()

	logs := []model.RunLog{}
	for rows.Next() {
		l, err := scanRunLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run logs: %w", err)
	}
	return logs, nil
}

// DeleteRunLog removes one audit record. Missing records return ErrNotFound.
func (t *Tx) DeleteRunLog(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM run_logs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run log %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete run log %d: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("run log %d: %w", id, ErrNotFound)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/gradelock/internal/model"
)

// InsertJob stores a new scheduled job and returns it with its id.
func (t *Tx) InsertJob(ctx context.Context, j model.ScheduledJob) (model.ScheduledJob, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id_number, pattern, action, scheduled_for, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, j.IDNumber, j.Pattern, string(j.Action), toUnix(j.ScheduledFor), toUnix(j.CreatedAt))
	if err != nil {
		return model.ScheduledJob{}, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.ScheduledJob{}, fmt.Errorf("insert job: last insert id: %w", err)
	}
	j.ID = id
	return j, nil
}

// UpdateJob rewrites the editable fields of a pending job.
func (t *Tx) UpdateJob(ctx context.Context, j model.ScheduledJob) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET id_number = ?, pattern = ?, action = ?, scheduled_for = ?
		WHERE id = ?
	`, j.IDNumber, j.Pattern, string(j.Action), toUnix(j.ScheduledFor), j.ID)
	if err != nil {
		return fmt.Errorf("update job %d: %w", j.ID, err)
	}
	return expectOneRow(res, "job", j.ID)
}

// Job returns the pending job with the given id, or ErrNotFound.
func (t *Tx) Job(ctx context.Context, id int64) (model.ScheduledJob, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduledJob{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ScheduledJob{}, fmt.Errorf("read job %d: %w", id, err)
	}
	return j, nil
}

// DueJobs returns jobs with scheduled_for <= now, oldest schedule first.
func (t *Tx) DueJobs(ctx context.Context, now time.Time) ([]model.ScheduledJob, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM scheduled_jobs
		WHERE scheduled_for <= ?
		ORDER BY scheduled_for ASC, id ASC
	`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListJobs returns every pending job, oldest schedule first.
func (t *Tx) ListJobs(ctx context.Context) ([]model.ScheduledJob, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM scheduled_jobs
		ORDER BY scheduled_for ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return collectJobs(rows)
}

// DeleteJob removes a job. Deleting a missing job returns ErrNotFound.
func (t *Tx) DeleteJob(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	return expectOneRow(res, "job", id)
}

func collectJobs(rows *sql.Rows) ([]model.ScheduledJob, error) {
	defer rows.Close()

	jobs := []model.ScheduledJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

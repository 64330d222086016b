package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/gradelock/internal/model"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// toUnix converts a timestamp to stored Unix seconds. Zero time stores 0.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// fromUnix converts stored Unix seconds back to UTC time. 0 loads as zero time.
func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

const categoryColumns = `id, course_id, parent_id, path, full_name, locked, lock_time, modified_time`

func scanCategory(r rowScanner) (model.Category, error) {
	var c model.Category
	var parent sql.NullInt64
	var locked int
	var lockTime, modified int64

	if err := r.Scan(&c.ID, &c.CourseID, &parent, &c.Path, &c.FullName, &locked, &lockTime, &modified); err != nil {
		return model.Category{}, err
	}
	c.ParentID = parent.Int64
	c.Locked = locked != 0
	c.LockTime = fromUnix(lockTime)
	c.ModifiedTime = fromUnix(modified)
	return c, nil
}

const itemColumns = `id, course_id, category_id, item_instance, kind, id_number, name, locked, lock_time, modified_time`

func scanItem(r rowScanner) (model.Item, error) {
	var it model.Item
	var category, instance sql.NullInt64
	var kind string
	var locked int
	var lockTime, modified int64

	if err := r.Scan(&it.ID, &it.CourseID, &category, &instance, &kind, &it.IDNumber, &it.Name, &locked, &lockTime, &modified); err != nil {
		return model.Item{}, err
	}
	it.CategoryID = category.Int64
	it.ItemInstance = instance.Int64
	it.Kind = model.ItemKind(kind)
	it.Locked = locked != 0
	it.LockTime = fromUnix(lockTime)
	it.ModifiedTime = fromUnix(modified)
	return it, nil
}

const jobColumns = `id, id_number, pattern, action, scheduled_for, created_at`

func scanJob(r rowScanner) (model.ScheduledJob, error) {
	var j model.ScheduledJob
	var action string
	var scheduledFor, created int64

	if err := r.Scan(&j.ID, &j.IDNumber, &j.Pattern, &action, &scheduledFor, &created); err != nil {
		return model.ScheduledJob{}, err
	}
	j.Action = model.Action(action)
	j.ScheduledFor = fromUnix(scheduledFor)
	j.CreatedAt = fromUnix(created)
	return j, nil
}

const runLogColumns = `id, id_number, pattern, action, scheduled_for, executed, execution_date, impacted, detail`

func scanRunLog(r rowScanner) (model.RunLog, error) {
	var l model.RunLog
	var action, impactedJSON, detailJSON string
	var scheduledFor sql.NullInt64
	var executed int
	var executionDate int64

	if err := r.Scan(&l.ID, &l.IDNumber, &l.Pattern, &action, &scheduledFor, &executed, &executionDate, &impactedJSON, &detailJSON); err != nil {
		return model.RunLog{}, err
	}
	l.Action = model.Action(action)
	if scheduledFor.Valid {
		t := fromUnix(scheduledFor.Int64)
		l.ScheduledFor = &t
	}
	l.Executed = executed != 0
	l.ExecutionDate = fromUnix(executionDate)

	impacted, err := unmarshalImpacted(impactedJSON)
	if err != nil {
		return model.RunLog{}, err
	}
	l.Impacted = impacted

	detail, err := unmarshalDetail(detailJSON)
	if err != nil {
		return model.RunLog{}, err
	}
	l.Detail = detail

	return l, nil
}

// marshalImpacted converts impacted category ids to canonical JSON TEXT.
func marshalImpacted(ids []int64) (string, error) {
	if ids == nil {
		ids = []int64{}
	}
	data, err := model.MarshalCanonical(ids)
	if err != nil {
		return "", fmt.Errorf("marshal impacted: %w", err)
	}
	return string(data), nil
}

// marshalDetail converts run log detail records to canonical JSON TEXT.
func marshalDetail(detail []model.RunLogDetail) (string, error) {
	if detail == nil {
		detail = []model.RunLogDetail{}
	}
	data, err := model.MarshalCanonical(detail)
	if err != nil {
		return "", fmt.Errorf("marshal detail: %w", err)
	}
	return string(data), nil
}

func unmarshalImpacted(data string) ([]int64, error) {
	ids := []int64{}
	if data == "" {
		return ids, nil
	}
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal impacted: %w", err)
	}
	return ids, nil
}

func unmarshalDetail(data string) ([]model.RunLogDetail, error) {
	detail := []model.RunLogDetail{}
	if data == "" {
		return detail, nil
	}
	if err := json.Unmarshal([]byte(data), &detail); err != nil {
		return nil, fmt.Errorf("unmarshal detail: %w", err)
	}
	return detail, nil
}

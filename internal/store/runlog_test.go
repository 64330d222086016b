package store

import (
	"context"
	"errors"
	"testing"

	"github.com/roach88/gradelock/internal/model"
)

func TestAppendRunLog_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	sched := unixTime(500)

	in := model.RunLog{
		IDNumber:      "FINAL",
		Pattern:       "SEM",
		Action:        model.ActionLock,
		ScheduledFor:  &sched,
		Executed:      true,
		ExecutionDate: unixTime(600),
		Impacted:      []int64{9, 5},
		Detail: []model.RunLogDetail{
			{CategoryID: 5, IDNumber: "FINAL", CourseID: 2, Kind: model.KindLeaf, ItemID: 12},
		},
	}

	var id int64
	err := s.InTx(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.AppendRunLog(ctx, in)
		return err
	})
	if err != nil {
		t.Fatalf("AppendRunLog() failed: %v", err)
	}

	err = s.ReadTx(ctx, func(tx *Tx) error {
		got, err := tx.RunLog(ctx, id)
		if err != nil {
			return err
		}
		if got.IDNumber != "FINAL" || got.Pattern != "SEM" || got.Action != model.ActionLock || !got.Executed {
			t.Errorf("stored log = %+v", got)
		}
		if got.ScheduledFor == nil || got.ScheduledFor.Unix() != 500 {
			t.Errorf("scheduled_for = %v, want unix 500", got.ScheduledFor)
		}
		if got.ExecutionDate.Unix() != 600 {
			t.Errorf("execution_date = %v, want unix 600", got.ExecutionDate)
		}
		if len(got.Impacted) != 2 || got.Impacted[0] != 9 || got.Impacted[1] != 5 {
			t.Errorf("impacted = %v, want [9 5]", got.Impacted)
		}
		if len(got.Detail) != 1 || got.Detail[0] != in.Detail[0] {
			t.Errorf("detail = %+v, want %+v", got.Detail, in.Detail)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadTx() failed: %v", err)
	}
}

func TestAppendRunLog_CanonicalColumns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *Tx) error {
		_, err := tx.AppendRunLog(ctx, model.RunLog{
			IDNumber: "Q",
			Action:   model.ActionUnlock,
			Detail: []model.RunLogDetail{
				{CategoryID: 1, IDNumber: "Q", CourseID: 2, Kind: model.KindCategory, ItemID: 3},
			},
		})
		return err
	})
	if err != nil {
		t.Fatalf("AppendRunLog() failed: %v", err)
	}

	var impacted, detail string
	var scheduled any
	if err := s.db.QueryRow(`SELECT impacted, detail, scheduled_for FROM run_logs`).Scan(&impacted, &detail, &scheduled); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if impacted != "[]" {
		t.Errorf("impacted = %q, want []", impacted)
	}
	want := `[{"catid":1,"courseid":2,"idnumber":"Q","itemid":3,"itemtype":"category"}]`
	if detail != want {
		t.Errorf("detail = %s, want %s", detail, want)
	}
	if scheduled != nil {
		t.Errorf("scheduled_for = %v, want NULL for manual runs", scheduled)
	}
}

func TestListRunLogs_NewestFirstWithLimit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *Tx) error {
		for _, sec := range []int64{100, 300, 200} {
			if _, err := tx.AppendRunLog(ctx, model.RunLog{IDNumber: "Q", Action: model.ActionLock, ExecutionDate: unixTime(sec)}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	err = s.ReadTx(ctx, func(tx *Tx) error {
		all, err := tx.ListRunLogs(ctx, 0)
		if err != nil {
			return err
		}
		if len(all) != 3 || all[0].ExecutionDate.Unix() != 300 || all[2].ExecutionDate.Unix() != 100 {
			t.Errorf("ListRunLogs(0) order wrong: %+v", all)
		}
		two, err := tx.ListRunLogs(ctx, 2)
		if err != nil {
			return err
		}
		if len(two) != 2 {
			t.Errorf("ListRunLogs(2) returned %d", len(two))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadTx() failed: %v", err)
	}
}

func TestDeleteRunLog(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var id int64
	err := s.InTx(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.AppendRunLog(ctx, model.RunLog{IDNumber: "Q", Action: model.ActionLock})
		return err
	})
	if err != nil {
		t.Fatalf("AppendRunLog() failed: %v", err)
	}

	if err := s.InTx(ctx, func(tx *Tx) error { return tx.DeleteRunLog(ctx, id) }); err != nil {
		t.Fatalf("DeleteRunLog() failed: %v", err)
	}

	err = s.InTx(ctx, func(tx *Tx) error { return tx.DeleteRunLog(ctx, id) })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteRunLog() error = %v, want ErrNotFound", err)
	}
}

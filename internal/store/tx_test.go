package store

import (
	"context"
	"errors"
	"testing"

	"github.com/roach88/gradelock/internal/model"
)

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s failed: %v", table, err)
	}
	return n
}

func TestInTx_RollbackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertCategory(ctx, model.Category{ID: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want boom", err)
	}
	if n := countRows(t, s, "categories"); n != 0 {
		t.Errorf("categories = %d after rollback, want 0", n)
	}
}

func TestInTx_RollbackOnPanic(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = s.InTx(ctx, func(tx *Tx) error {
			if _, err := tx.InsertCategory(ctx, model.Category{ID: 1}); err != nil {
				return err
			}
			panic("kaboom")
		})
	}()

	if n := countRows(t, s, "categories"); n != 0 {
		t.Errorf("categories = %d after panic, want 0", n)
	}
}

func TestReadTx_NeverPersists(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.ReadTx(ctx, func(tx *Tx) error {
		_, err := tx.InsertCategory(ctx, model.Category{ID: 1})
		return err
	})
	if err != nil {
		t.Fatalf("ReadTx() failed: %v", err)
	}
	if n := countRows(t, s, "categories"); n != 0 {
		t.Errorf("categories = %d after ReadTx, want 0", n)
	}
}

func TestSavepoint_IsolatesFailure(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	bad := errors.New("item failed")

	err := s.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertCategory(ctx, model.Category{ID: 1}); err != nil {
			return err
		}

		spErr := tx.Savepoint(ctx, func() error {
			if _, err := tx.InsertCategory(ctx, model.Category{ID: 2, ParentID: 1}); err != nil {
				return err
			}
			return bad
		})
		if !errors.Is(spErr, bad) {
			t.Errorf("Savepoint() error = %v, want item failed", spErr)
		}

		return tx.Savepoint(ctx, func() error {
			_, err := tx.InsertCategory(ctx, model.Category{ID: 3, ParentID: 1})
			return err
		})
	})
	if err != nil {
		t.Fatalf("InTx() failed: %v", err)
	}

	var ids []int64
	rows, err := s.db.Query(`SELECT id FROM categories ORDER BY id`)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		ids = append(ids, id)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Errorf("category ids = %v, want [1 3]", ids)
	}
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/gradelock/internal/model"
)

// createTestStore creates a new file-backed store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedCategory inserts category id under parent (0 for a root).
func seedCategory(t *testing.T, s *Store, id, parent int64) model.Category {
	t.Helper()
	var out model.Category
	err := s.InTx(context.Background(), func(tx *Tx) error {
		var err error
		out, err = tx.InsertCategory(context.Background(), model.Category{
			ID:       id,
			CourseID: 2,
			ParentID: parent,
			FullName: "cat",
		})
		return err
	})
	if err != nil {
		t.Fatalf("InsertCategory(%d) failed: %v", id, err)
	}
	return out
}

// seedItem inserts an item and returns the stored row.
func seedItem(t *testing.T, s *Store, it model.Item) model.Item {
	t.Helper()
	var out model.Item
	err := s.InTx(context.Background(), func(tx *Tx) error {
		var err error
		out, err = tx.InsertItem(context.Background(), it)
		return err
	})
	if err != nil {
		t.Fatalf("InsertItem(%d) failed: %v", it.ID, err)
	}
	return out
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

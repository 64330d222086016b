package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/gradelock/internal/lock"
	"github.com/roach88/gradelock/internal/model"
	"github.com/roach88/gradelock/internal/store"
	"github.com/roach88/gradelock/internal/testutil"
)

// t0 is the fixture epoch: every seeded row was last modified at t0.
const t0 = int64(1_700_000_000)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(dir + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedTree builds two courses:
//
//	course 2 MATH101                 course 3 HIST200
//	  1 (proxy 101 CAT1, leaf 201 Q1)  10 (proxy 110 CAT1, leaf 210 Q1)
//	  ├── 2 (proxy 102 CAT2, leaf 202 Q2)
//	  │   └── 3 (proxy 103 CAT3, leaf 203 Q3)
//	  └── 4 (proxy 104 CAT4, leaf 204 Q4)
func seedTree(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Unix(t0, 0)

	err := s.InTx(ctx, func(tx *store.Tx) error {
		for _, c := range []model.Course{
			{ID: 2, ShortName: "MATH101", FullName: "Mathematics"},
			{ID: 3, ShortName: "HIST200", FullName: "History"},
		} {
			if err := tx.InsertCourse(ctx, c); err != nil {
				return err
			}
		}

		cats := []model.Category{
			{ID: 1, CourseID: 2, FullName: "Course total"},
			{ID: 2, CourseID: 2, ParentID: 1, FullName: "Quizzes"},
			{ID: 3, CourseID: 2, ParentID: 2, FullName: "Weekly quizzes"},
			{ID: 4, CourseID: 2, ParentID: 1, FullName: "Exams"},
			{ID: 10, CourseID: 3, FullName: "Course total"},
		}
		for _, c := range cats {
			c.ModifiedTime = base
			if _, err := tx.InsertCategory(ctx, c); err != nil {
				return err
			}
		}

		items := []model.Item{
			{ID: 101, CourseID: 2, ItemInstance: 1, CategoryID: 1, Kind: model.KindCategory, IDNumber: "CAT1"},
			{ID: 102, CourseID: 2, ItemInstance: 2, CategoryID: 1, Kind: model.KindCategory, IDNumber: "CAT2"},
			{ID: 103, CourseID: 2, ItemInstance: 3, CategoryID: 2, Kind: model.KindCategory, IDNumber: "CAT3"},
			{ID: 104, CourseID: 2, ItemInstance: 4, CategoryID: 1, Kind: model.KindCategory, IDNumber: "CAT4"},
			{ID: 110, CourseID: 3, ItemInstance: 10, CategoryID: 10, Kind: model.KindCategory, IDNumber: "CAT1"},
			{ID: 201, CourseID: 2, CategoryID: 1, Kind: model.KindLeaf, IDNumber: "Q1"},
			{ID: 202, CourseID: 2, CategoryID: 2, Kind: model.KindLeaf, IDNumber: "Q2"},
			{ID: 203, CourseID: 2, CategoryID: 3, Kind: model.KindLeaf, IDNumber: "Q3"},
			{ID: 204, CourseID: 2, CategoryID: 4, Kind: model.KindLeaf, IDNumber: "Q4"},
			{ID: 210, CourseID: 3, CategoryID: 10, Kind: model.KindLeaf, IDNumber: "Q1"},
		}
		for _, it := range items {
			it.ModifiedTime = base
			if _, err := tx.InsertItem(ctx, it); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// newTestEngine returns a seeded store and an engine on a fixed clock at t0.
func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *store.Store, *testutil.FixedClock) {
	t.Helper()
	s := setupTestStore(t)
	seedTree(t, s)
	clock := testutil.NewFixedClockUnix(t0)

	all := append([]EngineOption{
		WithClock(clock),
		WithIDGenerator(testutil.NewFixedIDGenerator("pass-1")),
	}, opts...)
	return New(s, all...), s, clock
}

func newTestReconciler(t *testing.T, opts ...EngineOption) (*Reconciler, *Engine, *store.Store, *testutil.FixedClock) {
	t.Helper()
	e, s, clock := newTestEngine(t, opts...)
	return e.Reconciler(lock.NewStoreLocker(s)), e, s, clock
}

func getCategory(t *testing.T, s *store.Store, id int64) model.Category {
	t.Helper()
	var c model.Category
	err := s.ReadTx(context.Background(), func(tx *store.Tx) error {
		var ok bool
		var err error
		c, ok, err = tx.Category(context.Background(), id)
		if err == nil && !ok {
			t.Fatalf("category %d not found", id)
		}
		return err
	})
	require.NoError(t, err)
	return c
}

func getItem(t *testing.T, s *store.Store, id int64) model.Item {
	t.Helper()
	var it model.Item
	err := s.ReadTx(context.Background(), func(tx *store.Tx) error {
		var ok bool
		var err error
		it, ok, err = tx.Item(context.Background(), id)
		if err == nil && !ok {
			t.Fatalf("item %d not found", id)
		}
		return err
	})
	require.NoError(t, err)
	return it
}

func insertItem(t *testing.T, s *store.Store, it model.Item) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx *store.Tx) error {
		_, err := tx.InsertItem(context.Background(), it)
		return err
	})
	require.NoError(t, err)
}

func insertCategory(t *testing.T, s *store.Store, c model.Category) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx *store.Tx) error {
		_, err := tx.InsertCategory(context.Background(), c)
		return err
	})
	require.NoError(t, err)
}

func insertJob(t *testing.T, s *store.Store, j model.ScheduledJob) model.ScheduledJob {
	t.Helper()
	var out model.ScheduledJob
	err := s.InTx(context.Background(), func(tx *store.Tx) error {
		var err error
		out, err = tx.InsertJob(context.Background(), j)
		return err
	})
	require.NoError(t, err)
	return out
}

func listJobs(t *testing.T, s *store.Store) []model.ScheduledJob {
	t.Helper()
	var jobs []model.ScheduledJob
	err := s.ReadTx(context.Background(), func(tx *store.Tx) error {
		var err error
		jobs, err = tx.ListJobs(context.Background())
		return err
	})
	require.NoError(t, err)
	return jobs
}

func listRunLogs(t *testing.T, s *store.Store) []model.RunLog {
	t.Helper()
	var logs []model.RunLog
	err := s.ReadTx(context.Background(), func(tx *store.Tx) error {
		var err error
		logs, err = tx.ListRunLogs(context.Background(), 0)
		return err
	})
	require.NoError(t, err)
	return logs
}

// snapshot captures every lock-relevant column so tests can assert that
// nothing changed.
type snapshot struct {
	Categories map[int64]model.Category
	Items      map[int64]model.Item
}

func takeSnapshot(t *testing.T, s *store.Store) snapshot {
	t.Helper()
	snap := snapshot{Categories: map[int64]model.Category{}, Items: map[int64]model.Item{}}

	rows, err := s.DB().Query(`SELECT id FROM categories`)
	require.NoError(t, err)
	var catIDs []int64
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		catIDs = append(catIDs, id)
	}
	require.NoError(t, rows.Close())

	rows, err = s.DB().Query(`SELECT id FROM items`)
	require.NoError(t, err)
	var itemIDs []int64
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		itemIDs = append(itemIDs, id)
	}
	require.NoError(t, rows.Close())

	for _, id := range catIDs {
		snap.Categories[id] = getCategory(t, s, id)
	}
	for _, id := range itemIDs {
		snap.Items[id] = getItem(t, s, id)
	}
	return snap
}

// makeCycle re-parents category 1 under category 2, giving 1 -> 2 -> 1.
func makeCycle(t *testing.T, s *store.Store) {
	t.Helper()
	_, err := s.DB().Exec(`UPDATE categories SET parent_id = 2 WHERE id = 1`)
	require.NoError(t, err)
}

func walkIn(t *testing.T, s *store.Store, w *Walker, root int64, visit VisitFunc) error {
	t.Helper()
	return s.ReadTx(context.Background(), func(tx *store.Tx) error {
		return w.Walk(context.Background(), tx, root, visit)
	})
}

package harness

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/gradelock/internal/engine"
	"github.com/roach88/gradelock/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionContext gives store-backed assertions their database.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Trace for debugging context, may be nil
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nTrace:\n")
		for _, ev := range e.Trace {
			if ev.Error != "" {
				fmt.Fprintf(&buf, "  [%d] %s error=%s\n", ev.Seq, ev.Step, ev.Error)
				continue
			}
			fmt.Fprintf(&buf, "  [%d] %s %v\n", ev.Seq, ev.Step, ev.Outcome)
		}
	}
	return buf.String()
}

// assertLockState checks the lock flag of one category or item.
func assertLockState(ctx context.Context, st *store.Store, a Assertion) error {
	var (
		locked bool
		found  bool
	)
	err := st.ReadTx(ctx, func(tx *store.Tx) error {
		if a.Type == AssertCategoryState {
			c, ok, err := tx.Category(ctx, a.ID)
			if err != nil {
				return err
			}
			locked, found = c.Locked, ok
			return nil
		}
		it, ok, err := tx.Item(ctx, a.ID)
		locked, found = it.Locked, ok
		return err
	})
	if err != nil {
		return fmt.Errorf("%s %d: %w", a.Type, a.ID, err)
	}

	if !found {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("row %d with locked=%t", a.ID, *a.Locked),
			Actual:   "row not found",
		}
	}
	if locked != *a.Locked {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("row %d locked=%t", a.ID, *a.Locked),
			Actual:   fmt.Sprintf("row %d locked=%t", a.ID, locked),
		}
	}
	return nil
}

// assertRowCount counts run logs or pending jobs, optionally by idnumber.
func assertRowCount(ctx context.Context, st *store.Store, a Assertion) error {
	table := "run_logs"
	if a.Type == AssertJobCount {
		table = "scheduled_jobs"
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	var args []any
	if a.IDNumber != "" {
		query += " WHERE id_number = ?"
		args = append(args, a.IDNumber)
	}

	var n int
	if err := st.DB().QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return fmt.Errorf("%s: %w", a.Type, err)
	}
	if n != *a.Count {
		scope := "all"
		if a.IDNumber != "" {
			scope = "idnumber " + a.IDNumber
		}
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d rows in %s (%s)", *a.Count, table, scope),
			Actual:   fmt.Sprintf("%d rows", n),
		}
	}
	return nil
}

// assertTracker checks the persisted high-water marks.
func assertTracker(ctx context.Context, st *store.Store, a Assertion) error {
	var tracker engine.Tracker
	var mismatches []string

	err := st.ReadTx(ctx, func(tx *store.Tx) error {
		state, err := tracker.Load(ctx, tx)
		if err != nil {
			return err
		}
		if a.LastRunAt != nil && state.LastRunAt.Unix() != *a.LastRunAt && !(state.LastRunAt.IsZero() && *a.LastRunAt == 0) {
			mismatches = append(mismatches, fmt.Sprintf("last_run_at=%d", state.LastRunAt.Unix()))
		}
		if a.LastItemID != nil && state.LastProcessedItemID != *a.LastItemID {
			mismatches = append(mismatches, fmt.Sprintf("last_item_id=%d", state.LastProcessedItemID))
		}
		if a.LastCategoryID != nil && state.LastProcessedCategoryID != *a.LastCategoryID {
			mismatches = append(mismatches, fmt.Sprintf("last_category_id=%d", state.LastProcessedCategoryID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tracker: %w", err)
	}

	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertTracker,
			Expected: formatTrackerExpect(a),
			Actual:   strings.Join(mismatches, " "),
		}
	}
	return nil
}

func formatTrackerExpect(a Assertion) string {
	var parts []string
	if a.LastRunAt != nil {
		parts = append(parts, fmt.Sprintf("last_run_at=%d", *a.LastRunAt))
	}
	if a.LastItemID != nil {
		parts = append(parts, fmt.Sprintf("last_item_id=%d", *a.LastItemID))
	}
	if a.LastCategoryID != nil {
		parts = append(parts, fmt.Sprintf("last_category_id=%d", *a.LastCategoryID))
	}
	return strings.Join(parts, " ")
}

// assertStepCount checks how many trace events have the given step type.
func assertStepCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if ev.Step == a.Step {
			n++
		}
	}
	if n != *a.Count {
		return &AssertionError{
			Type:     AssertStepCount,
			Expected: fmt.Sprintf("%d %s steps", *a.Count, a.Step),
			Actual:   fmt.Sprintf("%d %s steps", n, a.Step),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState queries one row of any table and verifies expected
// column values (subset semantics).
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.DB().QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	keys := make([]string, 0, len(assertion.Expect))
	for k := range assertion.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

// buildWhereClause constructs a parameterized WHERE clause. Keys are sorted
// for determinism and validated since identifiers cannot be parameterized.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML scalar to a SQL argument.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case int:
		return int64(val)
	case string, int64:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares a YAML value with a SQLite column value.
// SQLite returns integers as int64 and stores booleans as 0/1.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	switch exp := expected.(type) {
	case string:
		switch act := actual.(type) {
		case string:
			return exp == act
		case []byte:
			return exp == string(act)
		}
		return false
	case int:
		if act, ok := actual.(int64); ok {
			return int64(exp) == act
		}
		if act, ok := actual.(int); ok {
			return exp == act
		}
		return false
	case int64:
		if act, ok := actual.(int64); ok {
			return exp == act
		}
		return false
	case bool:
		if act, ok := actual.(bool); ok {
			return exp == act
		}
		if act, ok := actual.(int64); ok {
			return exp == (act != 0)
		}
		return false
	}

	return reflect.DeepEqual(expected, actual)
}

// EvaluateAssertions runs every assertion and returns failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		needsStore := assertion.Type != AssertStepCount
		if needsStore && (actx == nil || actx.Store == nil) {
			errors = append(errors, fmt.Sprintf("assertion[%d]: %s requires database context", i, assertion.Type))
			continue
		}

		switch assertion.Type {
		case AssertCategoryState, AssertItemState:
			err = assertLockState(actx.Ctx, actx.Store, assertion)
		case AssertRunLogCount, AssertJobCount:
			err = assertRowCount(actx.Ctx, actx.Store, assertion)
		case AssertTracker:
			err = assertTracker(actx.Ctx, actx.Store, assertion)
		case AssertStepCount:
			err = assertStepCount(result.Trace, assertion)
		case AssertFinalState:
			err = assertFinalState(actx.Ctx, actx.Store, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}

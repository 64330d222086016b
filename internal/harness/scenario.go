package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/gradelock/internal/model"
)

// DefaultClock is the Unix second a scenario starts at when it sets none.
const DefaultClock int64 = 1_700_000_000

// Scenario defines one harness run.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Fixture is the seed file. Relative paths resolve against the
	// scenario file's directory.
	Fixture string `yaml:"fixture"`

	// Clock is the starting Unix second. Zero means DefaultClock.
	Clock int64 `yaml:"clock,omitempty"`

	// PassID is the fixed reconciliation pass id.
	PassID string `yaml:"pass_id,omitempty"`

	// MaxDepth bounds tree walks. Zero keeps the engine default.
	MaxDepth int `yaml:"max_depth,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario step. Exactly one of the action fields is set.
type Step struct {
	Apply     *ActionStep    `yaml:"apply,omitempty"`
	Preview   *ActionStep    `yaml:"preview,omitempty"`
	Propagate *PropagateStep `yaml:"propagate,omitempty"`
	Schedule  *ScheduleStep  `yaml:"schedule,omitempty"`
	Advance   string         `yaml:"advance,omitempty"`
	Reconcile *ReconcileStep `yaml:"reconcile,omitempty"`
	SQL       string         `yaml:"sql,omitempty"`

	// Expect checks the step outcome. Nil checks nothing except that the
	// step did not fail.
	Expect *Expect `yaml:"expect,omitempty"`
}

// ActionStep is an immediate action or its preview.
type ActionStep struct {
	IDNumber string `yaml:"idnumber"`
	Pattern  string `yaml:"pattern,omitempty"`
	Action   string `yaml:"action"`
	Force    bool   `yaml:"force,omitempty"`
}

// PropagateStep runs the propagator from one category.
type PropagateStep struct {
	Category int64  `yaml:"category"`
	Action   string `yaml:"action"`
	Force    bool   `yaml:"force,omitempty"`
}

// ScheduleStep queues a job In after the current clock.
type ScheduleStep struct {
	IDNumber string `yaml:"idnumber"`
	Pattern  string `yaml:"pattern,omitempty"`
	Action   string `yaml:"action"`
	In       string `yaml:"in,omitempty"`
}

// ReconcileStep runs one pass.
type ReconcileStep struct {
	// HoldLease takes the reconcile lease for the duration of the pass,
	// as another process would.
	HoldLease bool `yaml:"hold_lease,omitempty"`
}

// Expect is a subset match on a step outcome. Nil slices are not checked;
// an empty list must match an empty result.
type Expect struct {
	// Error is an engine error code or a substring of the error message.
	Error string `yaml:"error,omitempty"`

	Categories []int64 `yaml:"categories,omitempty"`
	Items      []int64 `yaml:"items,omitempty"`
	Blocked    []int64 `yaml:"blocked,omitempty"`

	Skipped              *bool   `yaml:"skipped,omitempty"`
	Jobs                 *int    `yaml:"jobs,omitempty"`
	ItemsLocked          []int64 `yaml:"items_locked,omitempty"`
	CategoriesPropagated []int64 `yaml:"categories_propagated,omitempty"`
	Failures             *int    `yaml:"failures,omitempty"`
}

// Step type names, as recorded in the trace.
const (
	StepApply     = "apply"
	StepPreview   = "preview"
	StepPropagate = "propagate"
	StepSchedule  = "schedule"
	StepAdvance   = "advance"
	StepReconcile = "reconcile"
	StepSQL       = "sql"
)

// Kind returns the step type, or "" when none or several are set.
func (s Step) Kind() string {
	kinds := make([]string, 0, 1)
	if s.Apply != nil {
		kinds = append(kinds, StepApply)
	}
	if s.Preview != nil {
		kinds = append(kinds, StepPreview)
	}
	if s.Propagate != nil {
		kinds = append(kinds, StepPropagate)
	}
	if s.Schedule != nil {
		kinds = append(kinds, StepSchedule)
	}
	if s.Advance != "" {
		kinds = append(kinds, StepAdvance)
	}
	if s.Reconcile != nil {
		kinds = append(kinds, StepReconcile)
	}
	if s.SQL != "" {
		kinds = append(kinds, StepSQL)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Assertion checks the final store.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// ID is the category or item id (category_state, item_state).
	ID int64 `yaml:"id,omitempty"`

	// Locked is the expected lock flag (category_state, item_state).
	Locked *bool `yaml:"locked,omitempty"`

	// Count is the expected number of rows or events.
	Count *int `yaml:"count,omitempty"`

	// IDNumber filters run_log_count and job_count.
	IDNumber string `yaml:"idnumber,omitempty"`

	// Step is the step type counted by step_count.
	Step string `yaml:"step,omitempty"`

	// Tracker marks (tracker).
	LastRunAt      *int64 `yaml:"last_run_at,omitempty"`
	LastItemID     *int64 `yaml:"last_item_id,omitempty"`
	LastCategoryID *int64 `yaml:"last_category_id,omitempty"`

	// Table, Where and Expect drive final_state.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertCategoryState = "category_state"
	AssertItemState     = "item_state"
	AssertRunLogCount   = "run_log_count"
	AssertJobCount      = "job_count"
	AssertTracker       = "tracker"
	AssertStepCount     = "step_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, filepath.Dir(path))
}

// ParseScenario decodes a scenario, resolving the fixture path against
// basePath before validation.
func ParseScenario(data []byte, basePath string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Fixture != "" && !filepath.IsAbs(scenario.Fixture) && basePath != "" {
		scenario.Fixture = filepath.Join(basePath, scenario.Fixture)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Fixture == "" {
		return fmt.Errorf("fixture is required")
	}
	if _, err := os.Stat(s.Fixture); os.IsNotExist(err) {
		return fmt.Errorf("fixture file not found: %s", s.Fixture)
	}
	if s.Clock < 0 {
		return fmt.Errorf("clock must be non-negative")
	}
	if s.MaxDepth < 0 {
		return fmt.Errorf("max_depth must be non-negative")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s Step) error {
	kind := s.Kind()
	switch kind {
	case "":
		return fmt.Errorf("steps[%d]: exactly one step type is required", index)
	case StepApply, StepPreview:
		a := s.Apply
		if a == nil {
			a = s.Preview
		}
		if a.IDNumber == "" {
			return fmt.Errorf("steps[%d]: idnumber is required for %s", index, kind)
		}
		if _, err := model.ParseAction(a.Action); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	case StepPropagate:
		if s.Propagate.Category <= 0 {
			return fmt.Errorf("steps[%d]: category is required for propagate", index)
		}
		if _, err := model.ParseAction(s.Propagate.Action); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	case StepSchedule:
		if s.Schedule.IDNumber == "" {
			return fmt.Errorf("steps[%d]: idnumber is required for schedule", index)
		}
		if _, err := model.ParseAction(s.Schedule.Action); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
		if s.Schedule.In != "" {
			if _, err := time.ParseDuration(s.Schedule.In); err != nil {
				return fmt.Errorf("steps[%d]: invalid in: %w", index, err)
			}
		}
	case StepAdvance:
		d, err := time.ParseDuration(s.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d]: invalid advance: %w", index, err)
		}
		if d < 0 {
			return fmt.Errorf("steps[%d]: advance must not go backwards", index)
		}
	}

	if s.Expect != nil && s.Expect.Error != "" && kind == StepAdvance {
		return fmt.Errorf("steps[%d]: advance cannot fail", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertCategoryState, AssertItemState:
		if a.ID <= 0 {
			return fmt.Errorf("assertions[%d]: id is required for %s", index, a.Type)
		}
		if a.Locked == nil {
			return fmt.Errorf("assertions[%d]: locked is required for %s", index, a.Type)
		}
	case AssertRunLogCount, AssertJobCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for %s", index, a.Type)
		}
	case AssertStepCount:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for step_count", index)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for step_count", index)
		}
	case AssertTracker:
		if a.LastRunAt == nil && a.LastItemID == nil && a.LastCategoryID == nil {
			return fmt.Errorf("assertions[%d]: tracker needs at least one mark", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

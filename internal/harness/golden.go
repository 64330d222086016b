package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/gradelock/internal/model"
)

// Snapshot is what a golden file holds: the trace and the final lock state.
type Snapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
	State        State        `json:"state"`
}

// toCanonicalMap converts the snapshot to values model.MarshalCanonical
// accepts.
func (s *Snapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"seq":   ev.Seq,
			"step":  ev.Step,
			"clock": ev.Clock,
		}
		if ev.Outcome != nil {
			m["outcome"] = ev.Outcome
		}
		if ev.Error != "" {
			m["error"] = ev.Error
		}
		trace[i] = m
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
		"state": map[string]any{
			"locked_categories": ids(s.State.LockedCategories),
			"locked_items":      ids(s.State.LockedItems),
			"jobs":              s.State.Jobs,
			"run_logs":          s.State.RunLogs,
		},
	}
}

// MarshalSnapshot renders result as canonical JSON.
func MarshalSnapshot(name string, result *Result) ([]byte, error) {
	snap := Snapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		State:        result.State,
	}
	return model.MarshalCanonical(snap.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails. Test failure (via goldie)
// occurs if the snapshot doesn't match, or if the scenario itself failed.
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Errorf("%s: %s", scenario.Name, msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}

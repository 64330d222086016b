package harness

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq   int64  `json:"seq"`
	Step  string `json:"step"`
	Clock int64  `json:"clock"` // Unix seconds after the step ran

	// Outcome holds the step's result as canonical values (int64, []int64,
	// bool, string). Nil for steps without a result or that failed.
	Outcome map[string]any `json:"outcome,omitempty"`

	// Error is the engine error code of a failed step.
	Error string `json:"error,omitempty"`
}

// State is the lock picture of the store after the last step.
type State struct {
	LockedCategories []int64 `json:"locked_categories"`
	LockedItems      []int64 `json:"locked_items"`
	Jobs             int64   `json:"jobs"`
	RunLogs          int64   `json:"run_logs"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	State State `json:"state"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State: State{
			LockedCategories: []int64{},
			LockedItems:      []int64{},
		},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends ev with the next sequence number.
func (r *Result) AddTrace(ev TraceEvent) TraceEvent {
	ev.Seq = int64(len(r.Trace)) + 1
	r.Trace = append(r.Trace, ev)
	return ev
}

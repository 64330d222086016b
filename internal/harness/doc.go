// Package harness runs gradelock scenarios against a real engine.
//
// A scenario seeds a fresh in-memory store from a fixture, runs a list of
// steps on a fixed clock and checks assertions against the final store.
// Every step adds one TraceEvent; the trace plus a snapshot of the locked
// rows can be compared against a golden file.
//
// # Scenario Format
//
//	name: scheduled_unlock
//	description: "A forced unlock job is undone by catch-up"
//	fixture: ../fixtures/math_history.yaml   # relative to the scenario file
//	clock: 1700000000                         # optional, Unix seconds
//	max_depth: 64                             # optional walker bound
//	steps:
//	  - apply: {idnumber: CAT1, pattern: math, action: lock}
//	    expect: {categories: [1, 2, 3, 4], blocked: []}
//	  - schedule: {idnumber: CAT2, pattern: math, action: unlock, in: 1h}
//	  - advance: 1h
//	  - reconcile: {}
//	    expect: {categories_propagated: [2]}
//	  - sql: "UPDATE items SET locked = 0 WHERE id = 203"
//	assertions:
//	  - {type: category_state, id: 3, locked: true}
//	  - {type: run_log_count, count: 2}
//
// # Step Types
//
//   - apply: immediate lock or unlock by idnumber, appends a run log
//   - preview: impact set of the same request, no writes
//   - propagate: raw propagation from one category
//   - schedule: queue a job relative to the current clock
//   - advance: move the clock forward by a duration
//   - reconcile: one reconciliation pass (hold_lease simulates another holder)
//   - sql: raw statement against the store, for drift and cycle setups
//
// # Assertion Types
//
//   - category_state, item_state: lock flag of one row
//   - run_log_count, job_count: number of rows, optionally by idnumber
//   - tracker: persisted high-water marks
//   - step_count: number of trace events of one step type
//   - final_state: generic row match on any table
package harness

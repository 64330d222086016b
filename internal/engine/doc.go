// Package engine implements hierarchical lock propagation over a grading
// tree and the scheduled reconciliation pass that keeps it consistent.
//
// ARCHITECTURE:
//
// Walker:
// Depth-first, pre-order traversal of the category tree with an explicit
// stack and a visited set. Each category is visited at most once per
// top-level call, which makes malformed (cyclic) parent chains terminate.
// The walker never writes; callers mutate from the visit callback.
//
// Propagator:
// Applies lock or unlock to a subtree. Locking always cascades. Unlocking
// a category whose ancestor is locked is refused (reported as blocked and
// the subtree pruned) unless forced. A category and its proxy item are
// written together by applyLock.
//
// Collector:
// The read-only twin of the propagator. Same walker, same item reach, same
// guard, so previews match what propagation would write.
//
// Reconciler:
// One pass under a lease: drain due scheduled jobs, then lock items and
// categories that were created or edited under a locked ancestor since the
// last pass (time window OR id floor), then persist the tracker state.
//
// CRITICAL PATTERNS:
//
// Unit of work:
// Every propagation, job and catch-up batch runs in one store transaction.
// Per-item work inside a batch runs in a savepoint so one failure is rolled
// back and recorded without aborting its siblings.
//
// Explicit state:
// TrackerState is loaded, threaded through the pass and saved at the end.
// There is no package-level mutable state.
package engine

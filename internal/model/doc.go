// Package model provides the shared data model for gradelock.
//
// This package contains type definitions and small pure helpers only. All
// other internal packages import model; model imports nothing internal.
//
// Key design constraints:
//   - Identifiers are int64 and assigned by the store
//   - A category and its proxy item are two records; their lock flags are kept
//     in sync by the engine, never by the model
//   - Zero time.Time means "absent" (LockTime of an unlocked node)
//   - All JSON tags use snake_case
package model

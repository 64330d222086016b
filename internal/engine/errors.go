package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyIDNumber is returned by Apply and Preview when no idnumber is given.
var ErrEmptyIDNumber = errors.New("idnumber is required")

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a referenced category, item or job is missing.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeAncestorLocked indicates an unlock refused by the ancestor guard.
	// Propagation reports this through PropagationResult.Blocked; the code
	// exists for callers that turn a blocked result into an error.
	ErrCodeAncestorLocked ErrorCode = "ANCESTOR_LOCKED"

	// ErrCodeItemFailed indicates one item of a batch failed and was rolled back.
	ErrCodeItemFailed ErrorCode = "ITEM_FAILED"

	// ErrCodeLockUnavailable indicates the reconciliation lease is held elsewhere.
	ErrCodeLockUnavailable ErrorCode = "LOCK_UNAVAILABLE"

	// ErrCodeStoreFailure indicates the store failed; the transaction rolled back.
	ErrCodeStoreFailure ErrorCode = "STORE_FAILURE"

	// ErrCodeDepthExceeded indicates the walker went deeper than its bound.
	ErrCodeDepthExceeded ErrorCode = "DEPTH_EXCEEDED"
)

// Error is an engine failure with the ids needed to diagnose it.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// CategoryID, ItemID and JobID identify the affected records (0 = n/a).
	CategoryID int64
	ItemID     int64
	JobID      int64

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)

	var ids []string
	if e.JobID != 0 {
		ids = append(ids, fmt.Sprintf("job=%d", e.JobID))
	}
	if e.CategoryID != 0 {
		ids = append(ids, fmt.Sprintf("category=%d", e.CategoryID))
	}
	if e.ItemID != 0 {
		ids = append(ids, fmt.Sprintf("item=%d", e.ItemID))
	}
	if len(ids) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ids, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// WalkError is returned when a walk exceeds its depth bound.
//
// A tree deeper than the bound is either pathological or has a corrupted
// parent chain the visited set did not catch; either way the transaction
// is rolled back.
type WalkError struct {
	Root       int64 // root of the aborted walk
	CategoryID int64 // category that exceeded the bound
	Depth      int
	MaxDepth   int
}

func (e *WalkError) Error() string {
	return fmt.Sprintf("%s: walk from %d reached category %d at depth %d (max %d)",
		ErrCodeDepthExceeded, e.Root, e.CategoryID, e.Depth, e.MaxDepth)
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNotFound reports whether err is a NOT_FOUND engine error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsItemFailed reports whether err is an isolated per-item failure.
func IsItemFailed(err error) bool {
	return hasCode(err, ErrCodeItemFailed)
}

// IsLockUnavailable reports whether err is a LOCK_UNAVAILABLE engine error.
func IsLockUnavailable(err error) bool {
	return hasCode(err, ErrCodeLockUnavailable)
}

// IsDepthExceeded matches both a WalkError and an Error with ErrCodeDepthExceeded.
// Uses errors.As to handle wrapped errors.
func IsDepthExceeded(err error) bool {
	var we *WalkError
	if errors.As(err, &we) {
		return true
	}
	return hasCode(err, ErrCodeDepthExceeded)
}

// IsStoreFailure reports whether err aborted a transaction: a STORE_FAILURE
// or a depth overrun, both of which roll back.
func IsStoreFailure(err error) bool {
	return hasCode(err, ErrCodeStoreFailure) || IsDepthExceeded(err)
}

// storeFailure wraps a store error for the category being processed.
func storeFailure(op string, categoryID int64, err error) *Error {
	return &Error{
		Code:       ErrCodeStoreFailure,
		Message:    op,
		CategoryID: categoryID,
		Err:        err,
	}
}

// itemFailed wraps the error of one isolated item.
func itemFailed(jobID, itemID, categoryID int64, err error) *Error {
	return &Error{
		Code:       ErrCodeItemFailed,
		Message:    "item processing failed",
		JobID:      jobID,
		ItemID:     itemID,
		CategoryID: categoryID,
		Err:        err,
	}
}

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/gradelock/internal/engine"
	"github.com/roach88/gradelock/internal/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (store failure, failed pass, failed scenarios)
	ExitCommandError = 2 // Command error (bad arguments, unknown ids, unreadable config)
)

// Error codes reported in the JSON envelope.
const (
	CodeCommand     = "E_COMMAND"
	CodeFailed      = "E_FAILED"
	CodeNotFound    = "E_NOT_FOUND"
	CodeTestFailed  = "E_TEST_FAILED"
	CodePassFailed  = "E_PASS_FAILED"
	CodeStoreFailed = "E_STORE_FAILURE"
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)

	// Reported is set when the command already wrote its own error output.
	Reported bool
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitSuccess for nil and ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// wrapOpError maps an engine or store error to an exit code: unknown ids and
// invalid requests are command errors, everything else is a failure.
func wrapOpError(message string, err error) *ExitError {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, engine.ErrEmptyIDNumber),
		engine.IsNotFound(err):
		return WrapExitError(ExitCommandError, message, err)
	default:
		return WrapExitError(ExitFailure, message, err)
	}
}

// errorCode picks the envelope code for err.
func errorCode(err error) string {
	var ee *engine.Error
	switch {
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.As(err, &ee):
		if ee.Code == engine.ErrCodeStoreFailure {
			return CodeStoreFailed
		}
		return string(ee.Code)
	case GetExitCode(err) == ExitCommandError:
		return CodeCommand
	}
	return CodeFailed
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`            // "ok" or "error"
	Data   any       `json:"data,omitempty"`    // success payload
	Error  *CLIError `json:"error,omitempty"`   // error details
	PassID string    `json:"pass_id,omitempty"` // reconcile pass correlation
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E_NOT_FOUND", "STORE_FAILURE", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// textRenderer is implemented by results with a human-readable form.
type textRenderer interface {
	writeText(w io.Writer)
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	return f.success(data, "")
}

func (f *OutputFormatter) success(data any, passID string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
			PassID: passID,
		})
	}

	if r, ok := data.(textRenderer); ok {
		r.writeText(f.Writer)
		return nil
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	// Human-readable error
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// ReportError writes err through the formatter: the JSON envelope on Writer,
// or a single "Error:" line on the error writer for text.
func (f *OutputFormatter) ReportError(err error) {
	if f.Format == "json" {
		_ = f.Error(errorCode(err), err.Error(), nil)
		return
	}
	fmt.Fprintf(f.GetErrWriter(), "Error: %v\n", err)
}

package cli

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/gradelock/internal/engine"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string // --config, optional YAML file
	Database   string // --db, overrides the configured database
	Verbose    bool
	Format     string // "json" | "text"

	// Clock replaces the wall clock. Nil uses engine.SystemClock.
	Clock engine.Clock
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the gradelock CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gradelock",
		Short: "gradelock - cascading grade locks",
		Long: `Lock and unlock gradebook categories and items by idnumber.

A lock applied to a category cascades to every descendant category and
item. Unlocks are refused below a locked ancestor unless forced. Scheduled
jobs and a periodic reconciliation pass keep new entities consistent with
the locks around them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "database path (overrides config and GRADELOCK_DB)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	// Add subcommands
	cmd.AddCommand(NewLockCommand(opts))
	cmd.AddCommand(NewUnlockCommand(opts))
	cmd.AddCommand(NewPreviewCommand(opts))
	cmd.AddCommand(NewPropagateCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewScheduleCommand(opts))
	cmd.AddCommand(NewLogsCommand(opts))
	cmd.AddCommand(NewTrackerCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// Execute runs the command line args and returns the process exit code.
// Errors are reported in the selected format unless the failing command
// already reported them.
func Execute(args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return ExitSuccess
	}

	// Commands wrap their own errors; anything else came from cobra's
	// argument and flag parsing.
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		exitErr = WrapExitError(ExitCommandError, "usage", err)
	}
	if !exitErr.Reported {
		out := &OutputFormatter{Format: opts.Format, Writer: stdout, ErrWriter: stderr}
		if !isValidFormat(opts.Format) {
			out.Format = "text"
		}
		out.ReportError(exitErr)
	}
	return exitErr.Code
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

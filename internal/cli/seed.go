package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/gradelock/internal/fixture"
)

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Load courses, categories, items and jobs from a YAML fixture",
		Long: `Insert the rows of a YAML fixture in one transaction. Nothing is written
if any row is rejected.

Examples:
  gradelock seed testdata/two_courses.yaml --db gradelock.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, rootOpts, args[0])
		},
	}
}

func runSeed(cmd *cobra.Command, opts *RootOptions, path string) error {
	fx, err := fixture.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewExitError(ExitCommandError, fmt.Sprintf("fixture not found: %s", path))
		}
		return WrapExitError(ExitCommandError, "invalid fixture", err)
	}

	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	sum, err := fx.Apply(cmd.Context(), a.store)
	if err != nil {
		return wrapOpError("failed to seed", err)
	}
	a.logger.Info("fixture seeded", "path", path,
		"courses", sum.Courses, "categories", sum.Categories, "items", sum.Items, "jobs", sum.Jobs)
	return a.out.Success(seedView(sum))
}

type seedView fixture.Summary

func (v seedView) writeText(w io.Writer) {
	fmt.Fprintf(w, "seeded %d course(s), %d categor(ies), %d item(s), %d job(s)\n",
		v.Courses, v.Categories, v.Items, v.Jobs)
}

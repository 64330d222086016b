package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/gradelock/internal/model"
)

// NewTrackerCommand creates the tracker command group.
func NewTrackerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tracker",
		Short: "Inspect or reset the reconciliation high-water marks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "show",
		Short:         "Show the last run time and last processed ids",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrackerShow(cmd, rootOpts)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "reset",
		Short:         "Forget the marks so the next pass rescans everything",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrackerReset(cmd, rootOpts)
		},
	})
	return cmd
}

func runTrackerShow(cmd *cobra.Command, opts *RootOptions) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.engine.TrackerState(cmd.Context())
	if err != nil {
		return wrapOpError("failed to read tracker", err)
	}
	return a.out.Success(trackerView(st))
}

func runTrackerReset(cmd *cobra.Command, opts *RootOptions) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.ResetTracker(cmd.Context()); err != nil {
		return wrapOpError("failed to reset tracker", err)
	}
	a.logger.Info("tracker reset")
	return a.out.Success(trackerView(model.TrackerState{}))
}

type trackerView model.TrackerState

func (v trackerView) writeText(w io.Writer) {
	fmt.Fprintf(w, "last run:          %s\n", formatTime(v.LastRunAt))
	fmt.Fprintf(w, "last item id:      %d\n", v.LastProcessedItemID)
	fmt.Fprintf(w, "last category id:  %d\n", v.LastProcessedCategoryID)
}

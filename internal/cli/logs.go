package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/gradelock/internal/model"
	"github.com/roach88/gradelock/internal/store"
)

// LogsOptions holds flags for logs list.
type LogsOptions struct {
	*RootOptions
	Limit int
}

// NewLogsCommand creates the logs command group.
func NewLogsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Browse the run log",
		Long:  `List, show and delete run logs. Every lock, unlock and executed job writes one.`,
	}

	cmd.AddCommand(newLogsListCommand(rootOpts))
	cmd.AddCommand(newLogsShowCommand(rootOpts))
	cmd.AddCommand(newLogsDeleteCommand(rootOpts))
	return cmd
}

func newLogsListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List run logs, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogsList(cmd, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum entries (0 for all)")
	return cmd
}

func runLogsList(cmd *cobra.Command, opts *LogsOptions) error {
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}

	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	var logs []model.RunLog
	err = a.store.ReadTx(ctx, func(tx *store.Tx) error {
		var err error
		logs, err = tx.ListRunLogs(ctx, opts.Limit)
		return err
	})
	if err != nil {
		return wrapOpError("failed to list run logs", err)
	}
	return a.out.Success(runLogListView(logs))
}

func newLogsShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <log-id>",
		Short:         "Show one run log with its matched items",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogsShow(cmd, rootOpts, args[0])
		},
	}
}

func runLogsShow(cmd *cobra.Command, opts *RootOptions, arg string) error {
	id, err := parseID("run log", arg)
	if err != nil {
		return err
	}

	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	var l model.RunLog
	err = a.store.ReadTx(ctx, func(tx *store.Tx) error {
		var err error
		l, err = tx.RunLog(ctx, id)
		return err
	})
	if err != nil {
		return wrapOpError(fmt.Sprintf("failed to read run log %d", id), err)
	}
	return a.out.Success(runLogView(l))
}

func newLogsDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <log-id>",
		Short:         "Delete one run log",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogsDelete(cmd, rootOpts, args[0])
		},
	}
}

func runLogsDelete(cmd *cobra.Command, opts *RootOptions, arg string) error {
	id, err := parseID("run log", arg)
	if err != nil {
		return err
	}

	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	err = a.store.InTx(ctx, func(tx *store.Tx) error {
		return tx.DeleteRunLog(ctx, id)
	})
	if err != nil {
		return wrapOpError(fmt.Sprintf("failed to delete run log %d", id), err)
	}
	a.logger.Info("run log deleted", "run_log", id)
	return a.out.Success(deletedView{Kind: "run log", ID: id})
}

// runLogView renders one run log in full.
type runLogView model.RunLog

func (v runLogView) summary(w io.Writer) {
	kind := "immediate"
	if v.ScheduledFor != nil {
		kind = "scheduled " + formatTime(*v.ScheduledFor)
	}
	fmt.Fprintf(w, "#%d %s %s %s", v.ID, formatTime(v.ExecutionDate), v.Action, v.IDNumber)
	if v.Pattern != "" {
		fmt.Fprintf(w, " (pattern %q)", v.Pattern)
	}
	fmt.Fprintf(w, " [%s] %d categor(ies)\n", kind, len(v.Impacted))
}

func (v runLogView) writeText(w io.Writer) {
	v.summary(w)
	fmt.Fprintf(w, "  impacted: %s\n", formatIDs(v.Impacted))
	for _, d := range v.Detail {
		fmt.Fprintf(w, "  item %d (%s) course %d category %d\n", d.ItemID, d.Kind, d.CourseID, d.CategoryID)
	}
}

type runLogListView []model.RunLog

func (v runLogListView) writeText(w io.Writer) {
	if len(v) == 0 {
		fmt.Fprintln(w, "No run logs.")
		return
	}
	for _, l := range v {
		runLogView(l).summary(w)
	}
}

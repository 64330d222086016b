package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/gradelock/internal/model"
	"github.com/roach88/gradelock/internal/store"
)

// ScheduleOptions holds flags shared by the schedule subcommands.
type ScheduleOptions struct {
	*RootOptions
	IDNumber string // edit only
	Pattern  string
	Action   string
	At       string // RFC 3339 or Unix seconds
	In       string // duration from now
}

// NewScheduleCommand creates the schedule command group.
func NewScheduleCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled lock and unlock jobs",
		Long: `Create, edit, duplicate, delete and list scheduled jobs.

A job runs on the first reconciliation pass at or after its scheduled time,
writes a run log and is then removed.`,
	}

	cmd.AddCommand(newScheduleAddCommand(rootOpts))
	cmd.AddCommand(newScheduleEditCommand(rootOpts))
	cmd.AddCommand(newScheduleDuplicateCommand(rootOpts))
	cmd.AddCommand(newScheduleDeleteCommand(rootOpts))
	cmd.AddCommand(newScheduleListCommand(rootOpts))
	return cmd
}

func addWhenFlags(cmd *cobra.Command, opts *ScheduleOptions) {
	cmd.Flags().StringVar(&opts.At, "at", "", "run at this time (RFC 3339 or Unix seconds)")
	cmd.Flags().StringVar(&opts.In, "in", "", "run after this duration from now (e.g. 90m)")
}

func newScheduleAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScheduleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add <idnumber>",
		Short: "Schedule a lock or unlock",
		Long: `Schedule a lock or unlock of <idnumber>. Without --at or --in the job is
due immediately.

Examples:
  gradelock schedule add CAT1 --action lock --at 2025-06-01T08:00:00Z
  gradelock schedule add CAT1 --action unlock --pattern math --in 48h`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleAdd(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Action, "action", string(model.ActionLock), "lock or unlock")
	cmd.Flags().StringVar(&opts.Pattern, "pattern", "", "only courses whose short name contains this text")
	addWhenFlags(cmd, opts)
	return cmd
}

func runScheduleAdd(cmd *cobra.Command, opts *ScheduleOptions, idNumber string) error {
	if strings.TrimSpace(idNumber) == "" {
		return NewExitError(ExitCommandError, "idnumber is required")
	}
	action, err := model.ParseAction(opts.Action)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --action", err)
	}

	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	now := a.clock.Now()
	when, err := parseWhen(opts.At, opts.In, now)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	var job model.ScheduledJob
	err = a.store.InTx(ctx, func(tx *store.Tx) error {
		job, err = tx.InsertJob(ctx, model.ScheduledJob{
			IDNumber:     idNumber,
			Pattern:      opts.Pattern,
			Action:       action,
			ScheduledFor: when,
			CreatedAt:    now,
		})
		return err
	})
	if err != nil {
		return wrapOpError("failed to schedule job", err)
	}
	a.logger.Info("job scheduled", "job", job.ID, "idnumber", job.IDNumber, "action", job.Action, "scheduled_for", job.ScheduledFor)
	return a.out.Success(jobView(job))
}

func newScheduleEditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScheduleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "edit <job-id>",
		Short: "Change a pending job",
		Long:  `Change the idnumber, pattern, action or time of a pending job. Only the given flags change.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleEdit(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.IDNumber, "idnumber", "", "new idnumber")
	cmd.Flags().StringVar(&opts.Action, "action", "", "new action (lock or unlock)")
	cmd.Flags().StringVar(&opts.Pattern, "pattern", "", "new course pattern (empty clears it)")
	addWhenFlags(cmd, opts)
	return cmd
}

func runScheduleEdit(cmd *cobra.Command, opts *ScheduleOptions, arg string) error {
	id, err := parseID("job", arg)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("idnumber") && strings.TrimSpace(opts.IDNumber) == "" {
		return NewExitError(ExitCommandError, "--idnumber must not be empty")
	}
	var action model.Action
	if flags.Changed("action") {
		if action, err = model.ParseAction(opts.Action); err != nil {
			return WrapExitError(ExitCommandError, "invalid --action", err)
		}
	}

	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	now := a.clock.Now()
	ctx := cmd.Context()
	var job model.ScheduledJob
	err = a.store.InTx(ctx, func(tx *store.Tx) error {
		job, err = tx.Job(ctx, id)
		if err != nil {
			return err
		}
		if flags.Changed("idnumber") {
			job.IDNumber = opts.IDNumber
		}
		if flags.Changed("pattern") {
			job.Pattern = opts.Pattern
		}
		if flags.Changed("action") {
			job.Action = action
		}
		if opts.At != "" || opts.In != "" {
			if job.ScheduledFor, err = parseWhen(opts.At, opts.In, now); err != nil {
				return err
			}
		}
		return tx.UpdateJob(ctx, job)
	})
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr
		}
		return wrapOpError(fmt.Sprintf("failed to edit job %d", id), err)
	}
	a.logger.Info("job edited", "job", job.ID, "idnumber", job.IDNumber, "action", job.Action, "scheduled_for", job.ScheduledFor)
	return a.out.Success(jobView(job))
}

func newScheduleDuplicateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScheduleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "duplicate <job-id>",
		Short: "Copy a pending job",
		Long:  `Create a new job with the same idnumber, pattern and action. The copy keeps the original time unless --at or --in is given.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleDuplicate(cmd, opts, args[0])
		},
	}

	addWhenFlags(cmd, opts)
	return cmd
}

func runScheduleDuplicate(cmd *cobra.Command, opts *ScheduleOptions, arg string) error {
	id, err := parseID("job", arg)
	if err != nil {
		return err
	}

	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	now := a.clock.Now()
	ctx := cmd.Context()
	var job model.ScheduledJob
	err = a.store.InTx(ctx, func(tx *store.Tx) error {
		src, err := tx.Job(ctx, id)
		if err != nil {
			return err
		}
		copied := src
		copied.ID = 0
		copied.CreatedAt = now
		if opts.At != "" || opts.In != "" {
			if copied.ScheduledFor, err = parseWhen(opts.At, opts.In, now); err != nil {
				return err
			}
		}
		job, err = tx.InsertJob(ctx, copied)
		return err
	})
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr
		}
		return wrapOpError(fmt.Sprintf("failed to duplicate job %d", id), err)
	}
	a.logger.Info("job duplicated", "from", id, "job", job.ID)
	return a.out.Success(jobView(job))
}

func newScheduleDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <job-id>",
		Short:         "Delete a pending job",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleDelete(cmd, rootOpts, args[0])
		},
	}
}

func runScheduleDelete(cmd *cobra.Command, opts *RootOptions, arg string) error {
	id, err := parseID("job", arg)
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
		return tx.DeleteJob(ctx, id)
	})
	if err != nil {
		return wrapOpError(fmt.Sprintf("failed to delete job %d", id), err)
	}
	a.logger.Info("job deleted", "job", id)
	return a.out.Success(deletedView{Kind: "job", ID: id})
}

func newScheduleListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List pending jobs, soonest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleList(cmd, rootOpts)
		},
	}
}

func runScheduleList(cmd *cobra.Command, opts *RootOptions) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	var jobs []model.ScheduledJob
	err = a.store.ReadTx(ctx, func(tx *store.Tx) error {
		jobs, err = tx.ListJobs(ctx)
		return err
	})
	if err != nil {
		return wrapOpError("failed to list jobs", err)
	}
	if jobs == nil {
		jobs = []model.ScheduledJob{}
	}
	return a.out.Success(jobListView(jobs))
}

// jobView renders one scheduled job.
type jobView model.ScheduledJob

func (v jobView) writeText(w io.Writer) {
	fmt.Fprintf(w, "job %d: %s %s", v.ID, v.Action, v.IDNumber)
	if v.Pattern != "" {
		fmt.Fprintf(w, " (pattern %q)", v.Pattern)
	}
	fmt.Fprintf(w, " at %s\n", formatTime(v.ScheduledFor))
}

type jobListView []model.ScheduledJob

func (v jobListView) writeText(w io.Writer) {
	if len(v) == 0 {
		fmt.Fprintln(w, "No scheduled jobs.")
		return
	}
	for _, j := range v {
		jobView(j).writeText(w)
	}
}

// deletedView confirms a deletion.
type deletedView struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

func (v deletedView) writeText(w io.Writer) {
	fmt.Fprintf(w, "deleted %s %d\n", v.Kind, v.ID)
}

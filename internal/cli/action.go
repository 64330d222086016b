package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/gradelock/internal/engine"
	"github.com/roach88/gradelock/internal/model"
)

// ActionOptions holds flags for lock, unlock and preview.
type ActionOptions struct {
	*RootOptions
	Pattern string // course short-name filter
	Force   bool   // bypass the ancestor guard on unlock
	Unlock  bool   // preview an unlock instead of a lock
}

// NewLockCommand creates the lock command.
func NewLockCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ActionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "lock <idnumber>",
		Short: "Lock every item with an idnumber and cascade",
		Long: `Lock the items labelled <idnumber> and everything below their categories.

Every matched item's owning category is locked along with all descendant
categories, their proxy items and their leaf items. One run log records
the action.

Examples:
  gradelock lock CAT1
  gradelock lock CAT1 --pattern math`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, opts, model.ActionLock, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Pattern, "pattern", "", "only courses whose short name contains this text")
	return cmd
}

// NewUnlockCommand creates the unlock command.
func NewUnlockCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ActionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "unlock <idnumber>",
		Short: "Unlock every item with an idnumber and cascade",
		Long: `Unlock the items labelled <idnumber> and everything below their categories.

Categories under a locked ancestor stay locked and are reported as
blocked. --force unlocks them anyway.

Examples:
  gradelock unlock CAT1
  gradelock unlock CAT1 --pattern math --force`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, opts, model.ActionUnlock, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Pattern, "pattern", "", "only courses whose short name contains this text")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "unlock even below a locked ancestor")
	return cmd
}

// NewPreviewCommand creates the preview command.
func NewPreviewCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ActionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "preview <idnumber>",
		Short: "Show what a lock or unlock would touch",
		Long: `Report the categories and items a lock (or, with --unlock, an unlock)
of <idnumber> would write. Nothing is changed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreview(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Pattern, "pattern", "", "only courses whose short name contains this text")
	cmd.Flags().BoolVar(&opts.Unlock, "unlock", false, "preview an unlock")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "preview a forced unlock")
	return cmd
}

func runAction(cmd *cobra.Command, opts *ActionOptions, action model.Action, idNumber string) error {
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.Apply(cmd.Context(), engine.ActionRequest{
		IDNumber: idNumber,
		Pattern:  opts.Pattern,
		Action:   action,
		Force:    opts.Force,
	})
	if err != nil {
		return wrapOpError(fmt.Sprintf("%s failed", action), err)
	}
	if len(res.Result.Blocked) > 0 {
		a.out.VerboseLog("blocked by locked ancestors: %s", formatIDs(res.Result.Blocked))
	}
	return a.out.Success(actionView(res))
}

func runPreview(cmd *cobra.Command, opts *ActionOptions, idNumber string) error {
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	action := model.ActionFor(!opts.Unlock)
	set, err := a.engine.Preview(cmd.Context(), engine.ActionRequest{
		IDNumber: idNumber,
		Pattern:  opts.Pattern,
		Action:   action,
		Force:    opts.Force,
	})
	if err != nil {
		return wrapOpError("preview failed", err)
	}
	return a.out.Success(impactView{
		Action:    action,
		Target:    idNumber,
		ImpactSet: set,
	})
}

// actionView renders an applied action.
type actionView engine.ActionResult

func (v actionView) writeText(w io.Writer) {
	l := v.RunLog
	fmt.Fprintf(w, "%s %s", l.Action, l.IDNumber)
	if l.Pattern != "" {
		fmt.Fprintf(w, " (pattern %q)", l.Pattern)
	}
	fmt.Fprintf(w, ": run log %d\n", l.ID)
	fmt.Fprintf(w, "  matched:    %d item(s)\n", len(l.Detail))
	fmt.Fprintf(w, "  categories: %s\n", formatIDs(v.Result.CategoryIDs))
	fmt.Fprintf(w, "  items:      %s\n", formatIDs(v.Result.ItemIDs))
	if len(v.Result.Blocked) > 0 {
		fmt.Fprintf(w, "  blocked:    %s (locked ancestor, use --force)\n", formatIDs(v.Result.Blocked))
	}
}

// impactView renders a preview or a raw propagation.
type impactView struct {
	Action  model.Action `json:"action"`
	Target  string       `json:"target"`
	Written bool         `json:"written"`
	model.ImpactSet
}

func (v impactView) writeText(w io.Writer) {
	verb := "would touch"
	if v.Written {
		verb = "touched"
	}
	fmt.Fprintf(w, "%s %s %s %d categories, %d items\n",
		v.Action, v.Target, verb, len(v.ImpactSet.CategoryIDs), len(v.ImpactSet.ItemIDs))
	fmt.Fprintf(w, "  categories: %s\n", formatIDs(v.ImpactSet.CategoryIDs))
	fmt.Fprintf(w, "  items:      %s\n", formatIDs(v.ImpactSet.ItemIDs))
	if len(v.ImpactSet.Blocked) > 0 {
		fmt.Fprintf(w, "  blocked:    %s\n", formatIDs(v.ImpactSet.Blocked))
	}
}

package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/gradelock/internal/model"
)

// PropagateOptions holds flags for the propagate command.
type PropagateOptions struct {
	*RootOptions
	Unlock bool
	Force  bool
}

// NewPropagateCommand creates the propagate command.
func NewPropagateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PropagateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "propagate <category-id>",
		Short: "Cascade a lock state from one category",
		Long: `Lock (or, with --unlock, unlock) one category subtree directly.

No run log is written. An unknown category is a no-op.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPropagate(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Unlock, "unlock", false, "unlock instead of lock")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "unlock even below a locked ancestor")
	return cmd
}

func runPropagate(cmd *cobra.Command, opts *PropagateOptions, arg string) error {
	root, err := parseID("category", arg)
	if err != nil {
		return err
	}

	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.Propagate(cmd.Context(), root, !opts.Unlock, opts.Force)
	if err != nil {
		return wrapOpError("propagate failed", err)
	}
	return a.out.Success(impactView{
		Action:    model.ActionFor(!opts.Unlock),
		Target:    "category " + strconv.FormatInt(root, 10),
		Written:   true,
		ImpactSet: res.Impact(),
	})
}

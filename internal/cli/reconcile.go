package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/gradelock/internal/engine"
	"github.com/roach88/gradelock/internal/metrics"
)

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass",
		Long: `Run one reconciliation pass: execute due scheduled jobs, then lock new
items and categories created under locked ancestors.

The pass is skipped when another process holds the reconcile lease.

Exit codes:
  0 - Pass completed or skipped
  1 - Pass aborted by a store failure
  2 - Command error (config, database)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd, rootOpts)
		},
	}
	return cmd
}

func runReconcile(cmd *cobra.Command, opts *RootOptions) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	locker, closeLocker, err := a.locker(cmd.Context())
	if err != nil {
		return err
	}
	defer closeLocker()

	report, err := a.engine.Reconciler(locker).RunPass(cmd.Context())
	if err != nil {
		if a.out.Format == "json" {
			_ = a.out.Error(CodePassFailed, err.Error(), passView(report))
			return &ExitError{Code: ExitFailure, Message: "reconcile pass failed", Err: err, Reported: true}
		}
		return WrapExitError(ExitFailure, "reconcile pass failed", err)
	}
	return a.out.success(passView(report), report.PassID)
}

// passView renders a pass report.
type passView engine.PassReport

func (v passView) writeText(w io.Writer) {
	if v.Skipped {
		fmt.Fprintf(w, "pass %s: skipped (lease held elsewhere)\n", v.PassID)
		return
	}
	fmt.Fprintf(w, "pass %s: %d job(s), %d item(s) locked, %d categor(ies) propagated, %d failure(s)\n",
		v.PassID, len(v.Jobs), len(v.ItemsLocked), len(v.CategoriesPropagated), len(v.Failures))
	for _, j := range v.Jobs {
		fmt.Fprintf(w, "  job %d: %s %s matched %d, run log %d, categories %s\n",
			j.JobID, j.Action, j.IDNumber, j.Matched, j.RunLogID, formatIDs(j.Result.CategoryIDs))
	}
	if len(v.ItemsLocked) > 0 {
		fmt.Fprintf(w, "  items locked:          %s\n", formatIDs(v.ItemsLocked))
	}
	if len(v.CategoriesPropagated) > 0 {
		fmt.Fprintf(w, "  categories propagated: %s\n", formatIDs(v.CategoriesPropagated))
	}
	for _, f := range v.Failures {
		fmt.Fprintf(w, "  failed %s", f.Stage)
		if f.JobID != 0 {
			fmt.Fprintf(w, " job=%d", f.JobID)
		}
		if f.ItemID != 0 {
			fmt.Fprintf(w, " item=%d", f.ItemID)
		}
		if f.CategoryID != 0 {
			fmt.Fprintf(w, " category=%d", f.CategoryID)
		}
		fmt.Fprintf(w, ": %s\n", f.Message)
	}
	fmt.Fprintf(w, "  tracker: last item %d, last category %d\n",
		v.Tracker.LastProcessedItemID, v.Tracker.LastProcessedCategoryID)
}

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Interval    string // pass cadence, overrides reconcile.interval
	MetricsAddr string // listen address for /metrics, overrides metrics.addr
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run reconciliation passes on an interval",
		Long: `Run a reconciliation pass immediately and then once per interval until
interrupted. Prometheus metrics are served on /metrics when a metrics
address is configured.

Examples:
  gradelock serve --interval 2m
  gradelock serve --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Interval, "interval", "", "pass interval (default from config)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "metrics listen address (default from config)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := openApp(cmd, opts.RootOptions, engine.WithMetrics(metrics.New(reg)))
	if err != nil {
		return err
	}
	defer a.Close()

	interval := a.cfg.Interval()
	if opts.Interval != "" {
		interval, err = time.ParseDuration(opts.Interval)
		if err != nil || interval <= 0 {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid --interval %q", opts.Interval))
		}
	}

	addr := a.cfg.Metrics.Addr
	if opts.MetricsAddr != "" {
		addr = opts.MetricsAddr
	}
	if addr != "" {
		shutdown, err := serveMetrics(addr, reg, a)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	locker, closeLocker, err := a.locker(ctx)
	if err != nil {
		return err
	}
	defer closeLocker()

	err = engine.NewScheduler(a.engine.Reconciler(locker), interval, a.logger).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "scheduler stopped", err)
	}
	return nil
}

// serveMetrics binds addr and serves /metrics in the background. The
// returned function shuts the server down.
func serveMetrics(addr string, reg *prometheus.Registry, a *app) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to listen for metrics", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown", "error", err)
		}
	}, nil
}

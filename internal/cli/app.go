package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/gradelock/internal/config"
	"github.com/roach88/gradelock/internal/engine"
	"github.com/roach88/gradelock/internal/lock"
	"github.com/roach88/gradelock/internal/store"
)

// app is what a database-backed command runs against.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  engine.Clock
	store  *store.Store
	engine *engine.Engine
	out    *OutputFormatter

	closeLog func() error
}

// openApp resolves configuration (file, environment, then flags), sets up
// logging and opens the store. extra options are applied after the
// configured ones.
func openApp(cmd *cobra.Command, opts *RootOptions, extra ...engine.EngineOption) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.DB = opts.Database
	}

	logger, closeLog, err := config.SetupLogger(cfg.Log, cmd.ErrOrStderr(), opts.Verbose)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up logging", err)
	}

	st, err := store.Open(cfg.DB)
	if err != nil {
		_ = closeLog()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = engine.SystemClock{}
	}

	engineOpts := []engine.EngineOption{
		engine.WithClock(clock),
		engine.WithLogger(logger),
		engine.WithMaxDepth(cfg.Reconcile.MaxDepth),
		engine.WithMargin(cfg.Margin()),
		engine.WithLeaseTTL(cfg.LeaseTTL()),
	}
	engineOpts = append(engineOpts, extra...)

	logger.Debug("database opened", "db", cfg.DB, "lock_backend", cfg.Lock.Backend)

	return &app{
		cfg:    cfg,
		logger: logger,
		clock:  clock,
		store:  st,
		engine: engine.New(st, engineOpts...),
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
		closeLog: closeLog,
	}, nil
}

// Close closes the store and the log file.
func (a *app) Close() error {
	return errors.Join(a.store.Close(), a.closeLog())
}

// locker builds the configured lease backend. The returned cleanup closes
// any connection it opened.
func (a *app) locker(ctx context.Context) (lock.Locker, func() error, error) {
	switch a.cfg.Lock.Backend {
	case "redis":
		rdb, err := lock.DialRedis(ctx, a.cfg.Lock.RedisAddr)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to connect to redis", err)
		}
		a.logger.Debug("using redis lease backend", "addr", a.cfg.Lock.RedisAddr)
		return lock.NewRedisLocker(rdb, a.cfg.Lock.RedisPrefix), rdb.Close, nil
	default:
		return lock.NewStoreLocker(a.store, lock.WithNow(a.clock.Now)), func() error { return nil }, nil
	}
}

// parseID parses a positive row id argument.
func parseID(kind, s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid %s id %q: must be a positive integer", kind, s))
	}
	return id, nil
}

// parseWhen resolves --at and --in against now. --at takes RFC 3339 or Unix
// seconds; --in takes a Go duration. With neither, the result is now.
func parseWhen(at, in string, now time.Time) (time.Time, error) {
	switch {
	case at != "" && in != "":
		return time.Time{}, NewExitError(ExitCommandError, "--at and --in are mutually exclusive")
	case at != "":
		if sec, err := strconv.ParseInt(at, 10, 64); err == nil {
			return time.Unix(sec, 0).UTC(), nil
		}
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, WrapExitError(ExitCommandError, fmt.Sprintf("invalid --at %q", at), err)
		}
		return t.UTC().Truncate(time.Second), nil
	case in != "":
		d, err := time.ParseDuration(in)
		if err != nil {
			return time.Time{}, WrapExitError(ExitCommandError, fmt.Sprintf("invalid --in %q", in), err)
		}
		return now.Add(d).Truncate(time.Second), nil
	}
	return now, nil
}

// formatIDs renders an id list for text output.
func formatIDs(ids []int64) string {
	if len(ids) == 0 {
		return "none"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}

// formatTime renders a timestamp for text output.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

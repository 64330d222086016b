package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gradelock/internal/testutil"
)

const (
	seedFixture = "../fixture/testdata/two_courses.yaml"
	testClock   = int64(1_700_000_000)
)

// envelope mirrors CLIResponse with a raw payload.
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
	PassID string          `json:"pass_id"`
}

// newTestOptions returns options for a fresh database file on a fixed clock.
func newTestOptions(t *testing.T, format string) *RootOptions {
	t.Helper()
	return &RootOptions{
		Database: filepath.Join(t.TempDir(), "gradelock.db"),
		Format:   format,
		Clock:    testutil.NewFixedClockUnix(testClock),
	}
}

// seededOptions is newTestOptions with the two-course fixture loaded.
func seededOptions(t *testing.T, format string) *RootOptions {
	t.Helper()
	opts := newTestOptions(t, format)
	_, err := execute(NewSeedCommand(opts), seedFixture)
	require.NoError(t, err)
	return opts
}

// execute runs cmd with args and returns what it wrote to stdout. Log
// output is discarded.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// executeContext is execute with a context.
func executeContext(ctx context.Context, cmd *cobra.Command, args ...string) (string, error) {
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// writeConfig writes a YAML config file and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gradelock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

// decode parses a JSON envelope and its data into v.
func decode(t *testing.T, out string, v any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(out), &env), "output: %s", out)
	if v != nil {
		require.NoError(t, json.Unmarshal(env.Data, v))
	}
	return env
}

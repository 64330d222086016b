package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gradelock/internal/fixture"
	"github.com/roach88/gradelock/internal/store"
)

func TestSeedCommand(t *testing.T) {
	opts := newTestOptions(t, "json")

	out, err := execute(NewSeedCommand(opts), seedFixture)
	require.NoError(t, err)

	var sum fixture.Summary
	decode(t, out, &sum)
	assert.Equal(t, fixture.Summary{Courses: 2, Categories: 5, Items: 10, Jobs: 1}, sum)
}

func TestSeedCommandText(t *testing.T) {
	opts := newTestOptions(t, "text")

	out, err := execute(NewSeedCommand(opts), seedFixture)
	require.NoError(t, err)
	assert.Equal(t, "seeded 2 course(s), 5 categor(ies), 10 item(s), 1 job(s)\n", out)
}

func TestSeedCommandMissingFile(t *testing.T) {
	opts := newTestOptions(t, "text")

	_, err := execute(NewSeedCommand(opts), "/nonexistent/fixture.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "fixture not found")
}

func TestSeedCommandInvalidFixture(t *testing.T) {
	opts := newTestOptions(t, "text")
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("courses:\n  - {id: 1, shortname: X}\n"), 0o644))

	_, err := execute(NewSeedCommand(opts), path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid fixture")
}

func TestSeedCommandRollsBack(t *testing.T) {
	opts := newTestOptions(t, "text")
	path := filepath.Join(t.TempDir(), "orphan.yaml")
	data := `courses:
  - {id: 1, short_name: X}
categories:
  - {id: 5, course: 1, parent: 99}
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	_, err := execute(NewSeedCommand(opts), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)

	st, err := store.Open(opts.Database)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.ReadTx(t.Context(), func(tx *store.Tx) error {
		_, ok, err := tx.CourseShortName(t.Context(), 1)
		assert.False(t, ok, "course insert rolled back")
		return err
	}))
}

package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupEnv points the CLI at a fresh text store seeded with the default data.
func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "text")
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("BCRYPT_COST", "4")
	t.Setenv("TIME_UNIT", "10s")
	t.Setenv("SEED_DEFAULTS", "true")
	t.Setenv("LOG_LEVEL", "error")
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBookCommands(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "", "book", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Introduction to C++")
	assert.Contains(t, out, "Operating Systems")

	out, err = run(t, "", "book", "add", "--title", "Compilers", "--author", "Aho", "--year", "2006")
	require.NoError(t, err)
	assert.Contains(t, out, "Added book ID 4")

	_, err = run(t, "", "book", "update", "4", "--isbn", "978-0321486813")
	require.NoError(t, err)
	out, err = run(t, "", "book", "show", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "978-0321486813")
	assert.Contains(t, out, "Aho")

	out, err = run(t, "", "book", "search", "aho")
	require.NoError(t, err)
	assert.Contains(t, out, "Found 1 book(s)")

	_, err = run(t, "", "book", "remove", "4")
	require.NoError(t, err)
	_, err = run(t, "", "book", "show", "4")
	assert.Error(t, err)

	_, err = run(t, "", "book", "show", "four")
	assert.Error(t, err)
}

func TestCirculationCommands(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "", "borrow", "--member", "S001", "--book", "2", "--password", "student123")
	require.NoError(t, err)
	assert.Contains(t, out, "Book 'Data Structures' borrowed by John Doe")

	_, err = run(t, "", "borrow", "--member", "S002", "--book", "2", "--password", "wrong")
	assert.ErrorContains(t, err, "authentication failed")

	// Password read from standard input.
	out, err = run(t, "student123\n", "reserve", "--member", "S002", "--book", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "position 1 in queue")

	out, err = run(t, "", "return", "--member", "S001", "--book", "2", "--password", "student123")
	require.NoError(t, err)
	assert.Contains(t, out, "Held for S002")

	// The book waits for S002.
	_, err = run(t, "", "borrow", "--member", "F001", "--book", "2", "--password", "faculty123")
	assert.ErrorContains(t, err, "reserved")

	out, err = run(t, "", "history", "--member", "S001")
	require.NoError(t, err)
	assert.Contains(t, out, "Data Structures")

	out, err = run(t, "", "member", "show", "S002")
	require.NoError(t, err)
	assert.Contains(t, out, "Reserved (1)")

	out, err = run(t, "", "cancel", "--member", "S002", "--book", "2", "--password", "student123")
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")
}

func TestMemberCommands(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "", "member", "add", "--id", "S003", "--name", "Eve", "--role", "student", "--password", "secret1")
	require.NoError(t, err)
	assert.Contains(t, out, "Added member 'Eve' with ID S003")

	_, err = run(t, "", "member", "add", "--id", "X1", "--name", "X", "--role", "visitor", "--password", "secret1")
	assert.Error(t, err)

	out, err = run(t, "", "member", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "S003")
	assert.Contains(t, out, "Librarian")

	_, err = run(t, "secret1\nsecret2\n", "member", "passwd", "S003")
	require.NoError(t, err)
	_, err = run(t, "", "borrow", "--member", "S003", "--book", "1", "--password", "secret2")
	require.NoError(t, err)

	_, err = run(t, "", "member", "remove", "S003")
	assert.ErrorContains(t, err, "borrowed books")

	_, err = run(t, "newpass\n", "member", "reset-password", "S002")
	require.NoError(t, err)
	_, err = run(t, "", "borrow", "--member", "S002", "--book", "3", "--password", "newpass")
	require.NoError(t, err)

	_, err = run(t, "", "member", "update", "S002", "--email", "jane@library.org")
	require.NoError(t, err)
	out, err = run(t, "", "member", "show", "S002")
	require.NoError(t, err)
	assert.Contains(t, out, "jane@library.org")
}

func TestFineAndSweepCommands(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "", "fine", "show", "S001")
	require.NoError(t, err)
	assert.Contains(t, out, "0.00")

	_, err = run(t, "", "fine", "pay", "S001", "--amount", "ten")
	assert.Error(t, err)
	_, err = run(t, "", "fine", "pay", "S001", "--amount=-5")
	assert.ErrorContains(t, err, "amount")

	out, err = run(t, "", "sweep", "reservations")
	require.NoError(t, err)
	assert.Contains(t, out, "0 reservation(s) expired")

	_, err = run(t, "", "borrow", "--member", "S001", "--book", "1", "--password", "student123")
	require.NoError(t, err)
	out, err = run(t, "", "sweep", "fines")
	require.NoError(t, err)
	assert.Contains(t, out, "S001")
}

func TestBadConfigurationFails(t *testing.T) {
	setupEnv(t)
	t.Setenv("STORE_DRIVER", "mongo")
	_, err := run(t, "", "book", "list")
	assert.ErrorContains(t, err, "configuration")
}

func TestBadSweepScheduleFails(t *testing.T) {
	setupEnv(t)
	t.Setenv("FINE_SWEEP_SCHEDULE", "every hour")
	_, err := run(t, "", "book", "list")
	assert.ErrorContains(t, err, "fine sweep")
}

func TestDaemonNeedsSQLite(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "", "daemon")
	assert.ErrorContains(t, err, "STORE_DRIVER=sqlite")
}

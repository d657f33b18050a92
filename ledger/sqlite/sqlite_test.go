package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/core"
)

func openTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	assert.Error(t, err)
}

func TestLedger_CreateAppendRead(t *testing.T) {
	ctx := context.Background()
	l, _ := openTestLedger(t)

	run, _, err := l.CreateRun(ctx, "brief", 20)
	require.NoError(t, err)

	_, err = l.AppendTurn(ctx, run, "hello")
	require.NoError(t, err)
	turn, err := l.AppendRole(ctx, run, core.RoleAssistant, "TechAgent do: check wallet")
	require.NoError(t, err)
	assert.Equal(t, 2, turn.Index)

	turns, err := l.ReadTurnsSince(ctx, run, 1)
	require.NoError(t, err)
	assert.Equal(t, []core.Turn{
		{Index: 1, Role: core.RoleUser, Content: "hello"},
		{Index: 2, Role: core.RoleAssistant, Content: "TechAgent do: check wallet"},
	}, turns)

	again, err := l.ReadTurnsSince(ctx, run, 3)
	require.NoError(t, err)
	assert.Empty(t, again)

	budget, err := l.MaxIterations(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 20, budget)

	_, err = l.MaxIterations(ctx, "999")
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestLedger_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	l, path := openTestLedger(t)

	a, _, err := l.CreateRun(ctx, "a", 5)
	require.NoError(t, err)
	b, _, err := l.CreateRun(ctx, "b", 5)
	require.NoError(t, err)
	require.NoError(t, l.Finish(ctx, a))
	require.NoError(t, l.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	open, err := reopened.OpenRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []core.RunID{b}, open)

	turns, err := reopened.ReadTurnsSince(ctx, b, 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, core.RoleSystem, turns[0].Role)
}

func TestLedger_Errors(t *testing.T) {
	ctx := context.Background()
	l, _ := openTestLedger(t)

	_, err := l.AppendTurn(ctx, "42", "x")
	var we *core.LedgerWriteError
	require.True(t, errors.As(err, &we))
	assert.ErrorIs(t, err, ErrUnknownRun)

	_, err = l.ReadTurnsSince(ctx, "not-a-number", 0)
	var re *core.LedgerReadError
	require.True(t, errors.As(err, &re))

	run, _, err := l.CreateRun(ctx, "x", 1)
	require.NoError(t, err)
	require.NoError(t, l.Finish(ctx, run))
	_, err = l.AppendTurn(ctx, run, "late")
	assert.ErrorIs(t, err, ErrRunFinished)

	assert.Error(t, l.Finish(ctx, "999"))
}

func TestExtractUp(t *testing.T) {
	got := extractUp("-- +migrate Up\nCREATE TABLE a (x INT);\n-- +migrate Down\nDROP TABLE a;")
	assert.Equal(t, "\nCREATE TABLE a (x INT);\n", got)
	assert.Equal(t, "SELECT 1;", extractUp("SELECT 1;"))
}

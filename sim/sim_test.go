package sim

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/clock"
	"github.com/hupe1980/agentrelay/ledger/memory"
	"github.com/hupe1980/agentrelay/model"
)

func TestStep_AnswersPendingRuns(t *testing.T) {
	ctx := context.Background()
	l := memory.New()
	m := model.NewMockModel("mock", "mock")
	m.RespondWith(func(req model.Request) (string, error) {
		if len(req.Messages) == 0 {
			return "OK", nil
		}
		return "SocialAgent: re " + req.Messages[len(req.Messages)-1].Content, nil
	})

	run, _, err := l.CreateRun(ctx, "lead the group", 10)
	require.NoError(t, err)

	s := New(l, m)
	n, err := s.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Nothing pending: the newest turn is the assistant's.
	n, err = s.Step(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = l.AppendTurn(ctx, run, "gm")
	require.NoError(t, err)
	n, err = s.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	turns, err := l.ReadTurnsSince(ctx, run, 0)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	assert.Equal(t, core.Turn{Index: 1, Role: core.RoleAssistant, Content: "OK"}, turns[1])
	assert.Equal(t, core.Turn{Index: 3, Role: core.RoleAssistant, Content: "SocialAgent: re gm"}, turns[3])

	reqs := m.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "lead the group", reqs[1].System)
}

func TestStep_FinishesRunAtBudget(t *testing.T) {
	ctx := context.Background()
	l := memory.New()
	m := model.NewMockModel("mock", "mock")
	m.RespondWith(func(model.Request) (string, error) { return "ok", nil })

	run, _, err := l.CreateRun(ctx, "prompt", 2)
	require.NoError(t, err)

	s := New(l, m)
	_, err = s.Step(ctx)
	require.NoError(t, err)
	_, err = l.AppendTurn(ctx, run, "next")
	require.NoError(t, err)
	_, err = s.Step(ctx)
	require.NoError(t, err)

	open, err := l.OpenRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = l.AppendTurn(ctx, run, "late")
	assert.ErrorIs(t, err, memory.ErrRunFinished)
}

func TestStep_ModelErrorSkipsRun(t *testing.T) {
	ctx := context.Background()
	l := memory.New()
	m := model.NewMockModel("mock", "mock")
	m.RespondWith(func(req model.Request) (string, error) {
		if strings.Contains(req.System, "broken") {
			return "", errors.New("rate limited")
		}
		return "fine", nil
	})

	_, _, err := l.CreateRun(ctx, "broken", 5)
	require.NoError(t, err)
	good, _, err := l.CreateRun(ctx, "working", 5)
	require.NoError(t, err)

	n, err := New(l, m).Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	turns, err := l.ReadTurnsSince(ctx, good, 1)
	require.NoError(t, err)
	assert.Equal(t, "fine", turns[0].Content)
}

func TestRun_StopsOnCancel(t *testing.T) {
	l := memory.New()
	m := model.NewMockModel("mock", "mock")
	fake := clock.Fake(time.Unix(0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(l, m, func(o *Options) { o.Clock = fake }).Run(ctx)
	}()

	fake.WaitForTimers(1)
	_, _, err := l.CreateRun(context.Background(), "prompt", 5)
	require.NoError(t, err)
	fake.Advance(time.Second)
	fake.WaitForTimers(1)

	cancel()
	require.NoError(t, <-done)

	turns, err := l.ReadTurnsSince(context.Background(), "0", 0)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

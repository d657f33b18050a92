package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/clock"
	"github.com/hupe1980/agentrelay/internal/testutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newRun(t *testing.T, l *testutil.ScriptedLedger) core.RunID {
	t.Helper()
	run, _, err := l.CreateRun(context.Background(), "brief", 20)
	require.NoError(t, err)
	return run
}

type pollOutcome struct {
	res Result
	err error
}

// drive runs fn in the background and advances the fake clock by the
// policy delay each time the poll parks, until fn returns.
func drive(fc *clock.FakeClock, delay time.Duration, fn func() (Result, error)) pollOutcome {
	done := make(chan pollOutcome, 1)
	go func() {
		res, err := fn()
		done <- pollOutcome{res, err}
	}()
	for {
		select {
		case out := <-done:
			return out
		case <-time.After(time.Millisecond):
			if fc.PendingCount() > 0 {
				fc.Advance(delay)
			}
		}
	}
}

func TestAwaitNextTurn_ReturnsFirstAssistantTurn(t *testing.T) {
	l := testutil.NewScriptedLedger()
	run := newRun(t, l)
	l.BeforeRead = func(l *testutil.ScriptedLedger, r core.RunID, n int) {
		if n == 3 {
			l.Reply(r, "TechAgent do: check the wallet")
		}
	}

	fc := clock.Fake(epoch)
	p := New(func(o *Options) {
		o.Clock = fc
		o.Policy = Policy{MaxAttempts: 5, Delay: 2 * time.Second}
	})

	out := drive(fc, 2*time.Second, func() (Result, error) {
		return p.AwaitNextTurn(context.Background(), l, run, 1, "")
	})
	require.NoError(t, out.err)
	assert.Equal(t, "TechAgent do: check the wallet", out.res.Turn.Content)
	assert.Equal(t, 3, out.res.Attempts)
	assert.Equal(t, 2, out.res.Offset)
	assert.Equal(t, 3, l.Reads(run))
	assert.Equal(t, epoch.Add(4*time.Second), fc.Now())
}

func TestAwaitNextTurn_KeepsIntermediateTurnsInHistory(t *testing.T) {
	l := testutil.NewScriptedLedger()
	run := newRun(t, l)
	l.BeforeRead = func(l *testutil.ScriptedLedger, r core.RunID, n int) {
		switch n {
		case 1:
			_, _ = l.AppendRole(context.Background(), r, core.RoleUser, "second user message")
		case 2:
			l.Reply(r, "Paul: hello")
		}
	}

	p := New(func(o *Options) { o.Policy = Policy{MaxAttempts: 3} })
	res, err := p.AwaitNextTurn(context.Background(), l, run, 1, core.RoleAssistant)
	require.NoError(t, err)

	assert.Equal(t, testutil.NewTurnBuilder().System("brief").User("second user message").Assistant("Paul: hello").Build()[1:], res.History)
	for i := 1; i < len(res.History); i++ {
		assert.Greater(t, res.History[i].Index, res.History[i-1].Index)
	}
}

func TestAwaitNextTurn_TimeoutAfterExactlyMaxAttempts(t *testing.T) {
	l := testutil.NewScriptedLedger()
	run := newRun(t, l)

	fc := clock.Fake(epoch)
	p := New(func(o *Options) {
		o.Clock = fc
		o.Policy = Policy{MaxAttempts: 4, Delay: 2 * time.Second}
	})

	out := drive(fc, 2*time.Second, func() (Result, error) {
		return p.AwaitNextTurn(context.Background(), l, run, 1, core.RoleAssistant)
	})

	var timeout *core.PollTimeoutError
	require.True(t, errors.As(out.err, &timeout))
	assert.Equal(t, 4, timeout.Attempts)
	assert.Equal(t, 4, l.Reads(run))
	// Three waits between four reads, none after the last one.
	assert.Equal(t, 3, fc.Registered())
	assert.Equal(t, epoch.Add(6*time.Second), fc.Now())
}

func TestAwaitNextTurn_ReadErrorsConsumeAttempts(t *testing.T) {
	l := testutil.NewScriptedLedger()
	run := newRun(t, l)
	boom := errors.New("rpc unavailable")
	l.ReadErr = func(core.RunID, int) error { return boom }

	p := New(func(o *Options) { o.Policy = Policy{MaxAttempts: 3} })
	_, err := p.AwaitNextTurn(context.Background(), l, run, 0, core.RoleAssistant)

	var timeout *core.PollTimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, 3, timeout.Attempts)
	assert.ErrorIs(t, err, boom)
	var readErr *core.LedgerReadError
	assert.True(t, errors.As(err, &readErr))
}

func TestAwaitNextTurn_RecoversAfterTransientReadError(t *testing.T) {
	l := testutil.NewScriptedLedger()
	run := newRun(t, l)
	l.Reply(run, "FINISH")
	l.ReadErr = func(_ core.RunID, n int) error {
		if n == 1 {
			return errors.New("flaky")
		}
		return nil
	}

	p := New(func(o *Options) { o.Policy = Policy{MaxAttempts: 3} })
	res, err := p.AwaitNextTurn(context.Background(), l, run, 1, core.RoleAssistant)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, "FINISH", res.Turn.Content)
}

func TestAwaitNextTurn_CancellationWithinOneDelay(t *testing.T) {
	l := testutil.NewScriptedLedger()
	run := newRun(t, l)

	fc := clock.Fake(epoch)
	p := New(func(o *Options) {
		o.Clock = fc
		o.Policy = DefaultPolicy()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.AwaitNextTurn(ctx, l, run, 1, core.RoleAssistant)
		done <- err
	}()

	fc.WaitForTimers(1)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not observe cancellation")
	}
	assert.Equal(t, 1, l.Reads(run))
	assert.Equal(t, epoch, fc.Now())
}

func TestAwaitNextTurn_NoReadsAfterCancel(t *testing.T) {
	l := testutil.NewScriptedLedger()
	run := newRun(t, l)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().AwaitNextTurn(ctx, l, run, 0, core.RoleAssistant)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, l.Reads(run))
}

func TestAwait_AdvancesSessionOffsets(t *testing.T) {
	l := testutil.NewScriptedLedger()
	run := newRun(t, l)
	_, err := l.AppendTurn(context.Background(), run, "hello")
	require.NoError(t, err)
	l.Reply(run, "FINISH")

	sc := testutil.NewSessionBuilder(run).Offset(core.Lead, 1).Build()
	p := New(func(o *Options) { o.Policy = Policy{MaxAttempts: 1} })

	res, err := p.Await(sc, l, core.Lead)
	require.NoError(t, err)
	assert.Equal(t, "FINISH", res.Turn.Content)
	assert.Equal(t, 3, sc.Offset(core.Lead))

	// Re-polling with no new writes yields nothing and keeps the offset.
	res, err = p.Await(sc, l, core.Lead)
	var timeout *core.PollTimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, core.Lead, timeout.Participant)
	assert.Empty(t, res.History)
	assert.Equal(t, 3, sc.Offset(core.Lead))
}

func TestAwait_UnboundParticipant(t *testing.T) {
	sc := testutil.NewSessionBuilder("1").Build()
	_, err := New().Await(sc, testutil.NewScriptedLedger(), "Ghost")
	var readErr *core.LedgerReadError
	assert.True(t, errors.As(err, &readErr))
}

func TestPolicy(t *testing.T) {
	p := Policy{MaxAttempts: 5, Delay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	require.NoError(t, p.Validate())
	assert.Equal(t, time.Second, p.DelayAfter(1))
	assert.Equal(t, 2*time.Second, p.DelayAfter(2))
	assert.Equal(t, 4*time.Second, p.DelayAfter(3))
	assert.Equal(t, 5*time.Second, p.DelayAfter(4))

	assert.Equal(t, 2*time.Second, DefaultPolicy().DelayAfter(30))
	assert.Error(t, Policy{}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, Delay: -1}.Validate())
}

// Package poller waits for the next ledger turn written in a given role.
//
// A poll reads forward from an offset, folds every new turn into its
// history and returns as soon as the newest turn has the expected role.
// Reads are bounded by a Policy; exhausting it yields a
// *core.PollTimeoutError. Waits go through an injected clock and observe
// context cancellation within one delay.
package poller

import (
	"context"
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/clock"
	"github.com/hupe1980/agentrelay/logging"
)

// Result is the outcome of a successful poll.
type Result struct {
	// Turn is the matching turn.
	Turn core.Turn
	// History holds every turn read during the poll, the match included.
	History []core.Turn
	// Offset is the index just past the last turn read.
	Offset int
	// Attempts is the number of reads performed.
	Attempts int
}

// Options configures a Poller.
type Options struct {
	Policy Policy
	Clock  clock.Clock
	Logger logging.Logger
}

// Poller runs bounded polls.
type Poller struct {
	policy Policy
	clock  clock.Clock
	logger logging.Logger
}

// pollLogger is implemented by loggers with a dedicated poll helper.
type pollLogger interface {
	LogPoll(participant string, attempts int, dur time.Duration, success bool, err error)
}

// New creates a Poller with DefaultPolicy and the real clock unless overridden.
func New(optFns ...func(o *Options)) *Poller {
	opts := Options{
		Policy: DefaultPolicy(),
		Clock:  clock.Real(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy.MaxAttempts = 1
	}
	return &Poller{policy: opts.Policy, clock: opts.Clock, logger: opts.Logger}
}

// Policy returns the poller's policy.
func (p *Poller) Policy() Policy { return p.policy }

// AwaitNextTurn reads run from fromOffset until the newest turn has
// roleFilter (assistant when empty).
func (p *Poller) AwaitNextTurn(ctx context.Context, ledger core.Ledger, run core.RunID, fromOffset int, roleFilter core.Role) (Result, error) {
	return p.await(ctx, ledger, run, "", fromOffset, roleFilter)
}

// Await polls the run participant reads from, starting at its last-seen
// offset in sc, and advances that offset past every turn read, also when
// the poll times out.
func (p *Poller) Await(sc *core.SessionContext, ledger core.Ledger, participant core.Participant) (Result, error) {
	run, ok := sc.RunFor(participant)
	if !ok {
		return Result{}, &core.LedgerReadError{Op: "read_turns", Err: errNoRun(participant)}
	}

	res, err := p.await(sc.Context, ledger, run, participant, sc.Offset(participant), core.RoleAssistant)
	sc.AdvanceOffset(participant, res.Offset)
	return res, err
}

func (p *Poller) await(ctx context.Context, ledger core.Ledger, run core.RunID, participant core.Participant, fromOffset int, roleFilter core.Role) (Result, error) {
	if roleFilter == "" {
		roleFilter = core.RoleAssistant
	}

	start := p.clock.Now()
	res := Result{Offset: fromOffset}
	var lastErr error

	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res.Attempts = attempt
		turns, err := ledger.ReadTurnsSince(ctx, run, res.Offset)
		if err != nil {
			lastErr = err
			p.logger.Debug("Turn read failed", "run_id", run, "attempt", attempt, "error", err)
		} else if len(turns) > 0 {
			res.History = append(res.History, turns...)
			newest := turns[len(turns)-1]
			res.Offset = newest.Index + 1
			if newest.Role == roleFilter {
				res.Turn = newest
				p.logPoll(participant, run, attempt, p.clock.Now().Sub(start), nil)
				return res, nil
			}
		}

		if attempt == p.policy.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-p.clock.After(p.policy.DelayAfter(attempt)):
		}
	}

	timeout := &core.PollTimeoutError{
		Run:         run,
		Participant: participant,
		Attempts:    res.Attempts,
		Offset:      res.Offset,
		Last:        lastErr,
	}
	p.logPoll(participant, run, res.Attempts, p.clock.Now().Sub(start), timeout)
	return res, timeout
}

func (p *Poller) logPoll(participant core.Participant, run core.RunID, attempts int, dur time.Duration, err error) {
	label := string(participant)
	if label == "" {
		label = run.String()
	}
	if pl, ok := p.logger.(pollLogger); ok {
		pl.LogPoll(label, attempts, dur, err == nil, err)
		return
	}
	if err != nil {
		p.logger.Warn("Turn poll failed", "participant", label, "attempts", attempts, "duration", dur, "error", err)
		return
	}
	p.logger.Debug("Turn poll completed", "participant", label, "attempts", attempts, "duration", dur)
}

type errNoRun core.Participant

func (e errNoRun) Error() string {
	return "no ledger run bound for participant " + string(e)
}

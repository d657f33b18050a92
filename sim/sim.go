// Package sim plays the on-chain agent contract against a local ledger.
//
// Whenever the newest turn of an open run is not an assistant turn, the
// simulator sends the run's history to a language model and appends the
// completion as the next assistant turn. A run is finished once it holds
// as many assistant turns as its iteration budget, as the contract does.
package sim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/clock"
	"github.com/hupe1980/agentrelay/ledger"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/model"
)

// Options configures a Simulator.
type Options struct {
	// PollInterval separates ledger scans in Run.
	PollInterval time.Duration
	// Concurrency bounds runs answered in parallel.
	Concurrency int
	Clock       clock.Clock
	Logger      logging.Logger
}

// Simulator answers pending runs of a writable ledger.
type Simulator struct {
	ledger ledger.Writable
	model  model.Model
	opts   Options
}

// New creates a Simulator.
func New(l ledger.Writable, m model.Model, optFns ...func(o *Options)) *Simulator {
	opts := Options{
		PollInterval: 500 * time.Millisecond,
		Concurrency:  4,
		Clock:        clock.Real(),
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Simulator{ledger: l, model: m, opts: opts}
}

// Step scans the open runs once and answers every run awaiting a reply.
// It returns the number of assistant turns appended.
func (s *Simulator) Step(ctx context.Context) (int, error) {
	runs, err := s.ledger.OpenRuns(ctx)
	if err != nil {
		return 0, err
	}

	var answered atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, run := range runs {
		g.Go(func() error {
			ok, err := s.answer(gctx, run)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.opts.Logger.Warn("Simulated turn failed", "run_id", run, "error", err)
				return nil
			}
			if ok {
				answered.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	return int(answered.Load()), err
}

// Run calls Step every poll interval until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	info := s.model.Info()
	s.opts.Logger.Info("Simulator started", "model", info.Name, "provider", info.Provider)
	for {
		if _, err := s.Step(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.opts.Logger.Warn("Simulator step failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.opts.Clock.After(s.opts.PollInterval):
		}
	}
}

// answer appends one assistant turn to run if its newest turn awaits one.
func (s *Simulator) answer(ctx context.Context, run core.RunID) (bool, error) {
	turns, err := s.ledger.ReadTurnsSince(ctx, run, 0)
	if err != nil {
		return false, err
	}
	if len(turns) == 0 || turns[len(turns)-1].Role == core.RoleAssistant {
		return false, nil
	}

	resp, err := model.Complete(ctx, s.model, model.FromTurns(turns))
	if err != nil {
		return false, fmt.Errorf("generate reply for run %s: %w", run, err)
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return false, fmt.Errorf("generate reply for run %s: empty completion", run)
	}

	turn, err := s.ledger.AppendRole(ctx, run, core.RoleAssistant, content)
	if err != nil {
		return false, err
	}
	s.opts.Logger.Debug("Simulated assistant turn", "run_id", run, "index", turn.Index)

	if err := s.enforceBudget(ctx, run, turns); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Simulator) enforceBudget(ctx context.Context, run core.RunID, before []core.Turn) error {
	budget, err := s.ledger.MaxIterations(ctx, run)
	if err != nil || budget <= 0 {
		return err
	}

	replies := 1
	for _, t := range before {
		if t.Role == core.RoleAssistant {
			replies++
		}
	}
	if replies < budget {
		return nil
	}

	s.opts.Logger.Info("Run reached its iteration budget", "run_id", run, "budget", budget)
	return s.ledger.Finish(ctx, run)
}

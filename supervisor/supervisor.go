// Package supervisor owns the session registry and runs one worker
// goroutine per session.
//
// A session moves Created -> Active on its first committed user turn and
// Active -> Terminated exactly once: on a FINISH decision, a fatal poll
// timeout or an explicit Terminate. Each worker drains its own inbox, so
// cycles of one session never overlap while sessions run independently.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentrelay/briefing"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/poller"
	"github.com/hupe1980/agentrelay/relay"
	"github.com/hupe1980/agentrelay/router"
)

// ErrClosed is returned by Start and Attach after Shutdown.
var ErrClosed = errors.New("supervisor is shut down")

// finishTimeout bounds recording a terminated session on the ledger.
const finishTimeout = 10 * time.Second

// finisher is implemented by ledgers that can close a run locally.
type finisher interface {
	Finish(ctx context.Context, run core.RunID) error
}

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	// Poller waits for lead replies. Defaults to poller.New().
	Poller *poller.Poller
	// Logger receives supervisor and per-session logs.
	Logger logging.Logger
	// Personas are described in the orchestration prompt. Defaults to the
	// relay bindings.
	Personas []briefing.PersonaRole
	// Prompt customises orchestration prompt rendering.
	Prompt []func(o *briefing.Options)
	// MaxIterations is passed to CreateRun for new sessions.
	MaxIterations int
	// InboxSize bounds pending messages per session.
	InboxSize int
	// ResumeConcurrency bounds parallel attaches in Resume.
	ResumeConcurrency int
	// Tracer emits one span per cycle.
	Tracer trace.Tracer
}

// Supervisor coordinates session workers. Public methods are safe for
// concurrent use.
type Supervisor struct {
	ledger core.Ledger
	router *router.Router
	relay  *relay.Relay
	opts   Options
	logger logging.Logger

	base      context.Context
	cancelAll context.CancelFunc

	mu        sync.RWMutex
	sessions  map[core.RunID]*Handle
	byChannel map[string]core.RunID
	closed    bool
	wg        sync.WaitGroup
}

// cycleLogger is implemented by loggers with a dedicated cycle helper.
type cycleLogger interface {
	LogCycle(decision string, dur time.Duration, success bool, err error)
}

// timedLogger is implemented by loggers that can time an operation.
type timedLogger interface {
	StartTimer(op string) func()
}

// New constructs a Supervisor. Lead turns are read from ledger, routed
// with rt and dispatched through rl.
func New(ledger core.Ledger, rt *router.Router, rl *relay.Relay, optFns ...func(o *Options)) (*Supervisor, error) {
	if ledger == nil || rt == nil || rl == nil {
		return nil, errors.New("supervisor: ledger, router and relay are required")
	}

	opts := Options{
		Logger:            logging.NoOpLogger{},
		MaxIterations:     relay.DefaultMaxIterations,
		InboxSize:         8,
		ResumeConcurrency: 4,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Poller == nil {
		opts.Poller = poller.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/hupe1980/agentrelay/supervisor")
	}
	if opts.InboxSize < 1 {
		opts.InboxSize = 1
	}
	if opts.ResumeConcurrency < 1 {
		opts.ResumeConcurrency = 1
	}
	if len(opts.Personas) == 0 {
		for _, name := range rl.Personas() {
			b, _ := rl.Binding(name)
			opts.Personas = append(opts.Personas, briefing.PersonaRole{Name: name, Role: b.Role})
		}
	}

	for _, name := range rt.Personas() {
		if _, ok := rl.Binding(name); !ok {
			opts.Logger.Warn("Routable persona has no relay binding", "persona", name)
		}
	}

	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		ledger:    ledger,
		router:    rt,
		relay:     rl,
		opts:      opts,
		logger:    opts.Logger,
		base:      base,
		cancelAll: cancel,
		sessions:  make(map[core.RunID]*Handle),
		byChannel: make(map[string]core.RunID),
	}, nil
}

// Start validates b, opens a new ledger run with the rendered orchestration
// prompt and starts its worker. ctx bounds run creation only; the session
// lives until it terminates or the supervisor shuts down.
func (s *Supervisor) Start(ctx context.Context, b briefing.Brief) (*Handle, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	prompt, err := briefing.Render(b, s.opts.Personas, s.opts.Prompt...)
	if err != nil {
		return nil, err
	}

	if h, ok := s.SessionForChannel(b.GroupID); ok && h.State() != core.StateTerminated {
		return nil, fmt.Errorf("start session: channel %s held by session %s: %w", b.GroupID, h.ID(), core.ErrChannelInUse)
	}

	run, rcpt, err := s.ledger.CreateRun(ctx, prompt, s.opts.MaxIterations)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	s.logger.Info("Session created", "session_id", run, "channel_id", b.GroupID, "tx_hash", rcpt.TxHash)

	h, err := s.spawn(run, b.GroupID)
	if errors.Is(err, core.ErrChannelInUse) {
		// Lost a race for the channel; the fresh run never gets a worker.
		s.finishRun(run)
	}
	return h, err
}

// Attach starts a worker for an existing run. An empty channelID is
// recovered from the run's orchestration prompt. Attaching a live session
// returns its handle. Runs that already ended, either in this process or
// because the newest lead turn is terminal, are refused with
// core.ErrSessionTerminated.
func (s *Supervisor) Attach(ctx context.Context, run core.RunID, channelID string) (*Handle, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	if h, ok := s.Lookup(run); ok {
		if h.State() == core.StateTerminated {
			return nil, fmt.Errorf("attach session %s: %w", run, core.ErrSessionTerminated)
		}
		return h, nil
	}

	turns, err := s.ledger.ReadTurnsSince(ctx, run, 0)
	if err != nil {
		return nil, fmt.Errorf("attach session %s: %w", run, err)
	}
	if s.concluded(turns) {
		s.finishRun(run)
		return nil, fmt.Errorf("attach session %s: lead already finished: %w", run, core.ErrSessionTerminated)
	}

	if channelID == "" {
		for _, t := range turns {
			if t.Role != core.RoleSystem {
				continue
			}
			if id, ok := briefing.ParseChannel(t.Content); ok {
				channelID = id
				break
			}
		}
		if channelID == "" {
			return nil, fmt.Errorf("attach session %s: no group channel id in run prompt", run)
		}
	}

	return s.spawn(run, channelID)
}

// concluded reports whether the newest lead turn ends the conversation.
func (s *Supervisor) concluded(turns []core.Turn) bool {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == core.RoleAssistant {
			return s.router.Route(turns[i]).Kind == router.Terminate
		}
	}
	return false
}

// Resume attaches every open ledger run and returns how many were
// attached. Runs without a recoverable channel, runs the lead already
// finished and runs whose channel is taken are skipped.
func (s *Supervisor) Resume(ctx context.Context) (int, error) {
	if tl, ok := s.logger.(timedLogger); ok {
		defer tl.StartTimer("resume")()
	}

	runs, err := s.ledger.OpenRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("resume sessions: %w", err)
	}

	var (
		mu       sync.Mutex
		attached int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.ResumeConcurrency)
	for _, run := range runs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := s.Attach(gctx, run, ""); err != nil {
				if errors.Is(err, ErrClosed) {
					return err
				}
				s.logger.Warn("Skipping run on resume", "session_id", run, "error", err)
				return nil
			}
			mu.Lock()
			attached++
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	s.logger.Info("Sessions resumed", "open_runs", len(runs), "attached", attached)

	return attached, err
}

// Submit appends text as a user turn of session id and schedules one
// cycle. The returned channel receives the cycle outcome and is closed.
func (s *Supervisor) Submit(ctx context.Context, id core.RunID, text string) (<-chan Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	if h.State() == core.StateTerminated {
		return nil, core.ErrSessionTerminated
	}

	req := request{text: text, out: make(chan Outcome, 1)}
	select {
	case h.inbox <- req:
		return req.out, nil
	default:
		return nil, core.ErrInboxFull
	}
}

// SubmitSync submits text and waits for the cycle outcome.
func (s *Supervisor) SubmitSync(ctx context.Context, id core.RunID, text string) (Outcome, error) {
	ch, err := s.Submit(ctx, id, text)
	if err != nil {
		return Outcome{}, err
	}
	select {
	case out := <-ch:
		return out, out.Err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Terminate stops session id and closes its run on ledgers that support
// it. It is idempotent and does not wait; use Handle.Done to wait for the
// worker to exit.
func (s *Supervisor) Terminate(id core.RunID) error {
	h, ok := s.Lookup(id)
	if !ok {
		return core.ErrSessionNotFound
	}
	h.ended.Store(true)
	h.stop()
	return nil
}

// Lookup returns the handle of session id, including terminated sessions.
func (s *Supervisor) Lookup(id core.RunID) (*Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.sessions[id]
	return h, ok
}

// SessionForChannel returns the live session relaying to channelID.
func (s *Supervisor) SessionForChannel(channelID string) (*Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byChannel[channelID]
	if !ok {
		return nil, false
	}
	return s.sessions[id], true
}

// Sessions returns a snapshot of every known session ordered by id.
func (s *Supervisor) Sessions() []Info {
	s.mu.RLock()
	handles := make([]*Handle, 0, len(s.sessions))
	for _, h := range s.sessions {
		handles = append(handles, h)
	}
	s.mu.RUnlock()

	infos := make([]Info, 0, len(handles))
	for _, h := range handles {
		infos = append(infos, h.Info())
	}
	slices.SortFunc(infos, func(a, b Info) int {
		if len(a.ID) != len(b.ID) {
			return len(a.ID) - len(b.ID)
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return infos
}

// Shutdown terminates every session and waits for the workers to exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	handles := make([]*Handle, 0, len(s.sessions))
	for _, h := range s.sessions {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.stop()
	}
	s.cancelAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Supervisor stopped", "sessions", len(handles))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) spawn(run core.RunID, channelID string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if h, ok := s.sessions[run]; ok {
		if h.State() == core.StateTerminated {
			return nil, fmt.Errorf("attach session %s: %w", run, core.ErrSessionTerminated)
		}
		return h, nil
	}
	if id, ok := s.byChannel[channelID]; ok && s.sessions[id].State() != core.StateTerminated {
		return nil, fmt.Errorf("channel %s held by session %s: %w", channelID, id, core.ErrChannelInUse)
	}

	ctx, cancel := context.WithCancel(s.base)
	h := &Handle{
		sc:     core.NewSessionContext(ctx, run, channelID, s.sessionLogger(run)),
		cancel: cancel,
		inbox:  make(chan request, s.opts.InboxSize),
		done:   make(chan struct{}),
	}
	s.sessions[run] = h
	s.byChannel[channelID] = run

	s.wg.Add(1)
	go s.work(h)

	return h, nil
}

func (s *Supervisor) sessionLogger(run core.RunID) logging.Logger {
	switch l := s.logger.(type) {
	case *logging.RelayLogger:
		return l.WithComponent("session").WithSession(run.String(), "")
	case *logging.ZapAdapter:
		return l.With("component", "session", "session_id", run.String())
	}
	return s.logger
}

// work is the session worker: it runs cycles until the session stops,
// then releases the session before reporting completion. Sessions stopped
// by Shutdown keep their run open for Resume.
func (s *Supervisor) work(h *Handle) {
	defer s.wg.Done()

	err := s.loop(h)

	h.stop()
	s.release(h)
	s.drain(h)
	if h.ended.Load() {
		s.finishSession(h)
	}

	if err != nil {
		h.sc.LogError("Session terminated", "error", err)
	} else {
		h.sc.LogInfo("Session terminated")
	}
	h.err = err
	close(h.done)
}

func (s *Supervisor) loop(h *Handle) error {
	for {
		select {
		case <-h.sc.Done():
			return nil
		case req := <-h.inbox:
			out, stop, fatal := s.cycle(h, req.text)
			req.out <- out
			close(req.out)
			if stop {
				if fatal != nil || out.Decision.Kind == router.Terminate {
					h.ended.Store(true)
				}
				return fatal
			}
		}
	}
}

// finishRun closes run on the lead ledger.
func (s *Supervisor) finishRun(run core.RunID) {
	s.finishOn(s.ledger, run)
}

// finishSession closes the lead run and the persona sub-channels of h.
func (s *Supervisor) finishSession(h *Handle) {
	s.finishRun(h.ID())
	for persona, run := range h.SubChannels() {
		if b, ok := s.relay.Binding(persona); ok && b.Ledger != nil {
			s.finishOn(b.Ledger, run)
		}
	}
}

// finishOn closes run on ledgers that implement Finish. On-chain runs are
// closed by the contract itself.
func (s *Supervisor) finishOn(l core.Ledger, run core.RunID) {
	f, ok := l.(finisher)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if err := f.Finish(ctx, run); err != nil {
		s.logger.Warn("Closing ledger run failed", "session_id", run, "error", err)
		return
	}
	s.logger.Debug("Ledger run closed", "session_id", run)
}

// release drops the channel index entry. Once it returns no Submit can
// enqueue to h because h is already terminated.
func (s *Supervisor) release(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byChannel[h.ChannelID()] == h.ID() {
		delete(s.byChannel, h.ChannelID())
	}
}

func (s *Supervisor) drain(h *Handle) {
	for {
		select {
		case req := <-h.inbox:
			req.out <- Outcome{SessionID: h.ID(), State: core.StateTerminated, Err: core.ErrSessionTerminated}
			close(req.out)
		default:
			return
		}
	}
}

// cycle runs append, poll, route and dispatch once. stop reports that the
// worker must exit; fatal is the error it exits with.
func (s *Supervisor) cycle(h *Handle, text string) (out Outcome, stop bool, fatal error) {
	sc := h.sc
	out = Outcome{SessionID: sc.SessionID, CycleID: uuid.NewString()}

	if sc.Lifecycle.Terminated() {
		out.State = core.StateTerminated
		out.Err = core.ErrSessionTerminated
		return out, true, nil
	}

	ctx, span := s.opts.Tracer.Start(sc.Context, "supervisor.cycle", trace.WithAttributes(
		attribute.String("session.id", sc.SessionID.String()),
		attribute.String("cycle.id", out.CycleID),
	))
	start := time.Now()
	defer func() {
		// Terminated before the outcome is delivered, so Submit rejects
		// anything sent after the caller sees it.
		if stop {
			sc.Lifecycle.Terminate()
		}
		out.State = sc.State()
		span.SetAttributes(attribute.String("decision", out.Decision.String()), attribute.String("state", out.State.String()))
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
		s.logCycle(sc, out, time.Since(start))
	}()

	csc := sc.WithContext(ctx)

	rcpt, err := s.ledger.AppendTurn(ctx, sc.SessionID, text)
	if err != nil {
		out.Err = fmt.Errorf("append user turn: %w", err)
		return out, sc.Err() != nil, nil
	}
	out.Receipt = rcpt
	if sc.Lifecycle.Activate() {
		sc.LogInfo("Session active")
	}
	sc.LogDebug("User turn committed", "tx_hash", rcpt.TxHash, "block", rcpt.Block)

	res, err := s.opts.Poller.Await(csc, s.ledger, core.Lead)
	if err != nil {
		out.Err = err
		if core.IsFatal(err) {
			return out, true, err
		}
		return out, sc.Err() != nil, nil
	}
	out.LeadTurn = res.Turn

	d := s.router.Route(res.Turn)
	out.Decision = d

	switch d.Kind {
	case router.Terminate:
		sc.LogInfo("Lead finished the conversation", "turn", res.Turn.Index)
		return out, true, nil
	case router.NoOp:
		sc.LogDebug("Lead turn relays nothing", "turn", res.Turn.Index)
		return out, false, nil
	}

	if d.Ambiguity != nil {
		sc.LogInfo("Several personas addressed", "chosen", d.Ambiguity.Chosen, "candidates", d.Ambiguity.Candidates)
	}

	ro, err := s.relay.Dispatch(csc, d)
	out.Dispatch = &ro
	if err != nil {
		out.Err = err
		switch {
		case core.IsFatal(err):
			return out, true, err
		case sc.Err() != nil:
			return out, true, nil
		default:
			sc.LogWarn("Dispatch failed, session stays active", "persona", d.Persona, "error", err)
		}
	}

	return out, false, nil
}

func (s *Supervisor) logCycle(sc *core.SessionContext, out Outcome, dur time.Duration) {
	if cl, ok := sc.Logger().(cycleLogger); ok {
		cl.LogCycle(out.Decision.String(), dur, out.Err == nil, out.Err)
		return
	}
	if out.Err != nil {
		sc.LogWarn("Relay cycle failed", "cycle_id", out.CycleID, "decision", out.Decision.String(), "duration", dur, "error", out.Err)
		return
	}
	sc.LogInfo("Relay cycle completed", "cycle_id", out.CycleID, "decision", out.Decision.String(), "duration", dur)
}

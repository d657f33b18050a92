// Package agentrelay provides a high-level façade over the relay engine:
// a conversation ledger where a lead agent runs the conversation, a group
// messaging channel where personas speak, and the supervisor that bridges
// the two. Most applications interact with this package by:
//  1. Creating an AgentRelay via New() (optionally overriding the default
//     in-memory ledger and channel)
//  2. Starting a session from a brief (Start)
//  3. Submitting group messages (Submit or SubmitSync) until the lead
//     finishes or the session is terminated
//
// All defaults are safe for local development and testing; production
// deployments supply the on-chain ledger, a Matrix channel and a
// structured logger.
package agentrelay

import (
	"context"
	"errors"

	"github.com/hupe1980/agentrelay/briefing"
	chmemory "github.com/hupe1980/agentrelay/channel/memory"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/ledger/memory"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/poller"
	"github.com/hupe1980/agentrelay/relay"
	"github.com/hupe1980/agentrelay/router"
	"github.com/hupe1980/agentrelay/supervisor"
)

// Persona is a simulated group member.
type Persona struct {
	Name string
	// Role is described to the lead and to the persona's sub-channel.
	Role string
	// Identity is who the persona speaks as. Name defaults to the persona name.
	Identity core.Identity
	// Ledger hosts the persona's sub-channel. Defaults to the main ledger.
	Ledger core.Ledger
}

// Options configures the AgentRelay instance.
type Options struct {
	// Ledger carries the lead conversation (defaults to an in-memory ledger).
	Ledger core.Ledger
	// Channel is where personas speak (defaults to an in-memory channel).
	Channel core.Channel

	Personas []Persona
	// Grammar overrides the directive-style FINISH grammar over the
	// persona names.
	Grammar *router.Grammar
	// PollPolicy bounds lead and persona polls.
	PollPolicy poller.Policy
	// MaxIterations is the iteration budget of every new run.
	MaxIterations int
	// Prompt customises orchestration prompt rendering.
	Prompt []func(o *briefing.Options)

	// Supervisor and Relay receive the remaining low-level overrides.
	Supervisor []func(o *supervisor.Options)
	Relay      []func(o *relay.Options)

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// AgentRelay is the high-level façade aggregating ledger, channel, router,
// relay and supervisor.
type AgentRelay struct {
	opts       Options
	router     *router.Router
	relay      *relay.Relay
	supervisor *supervisor.Supervisor
}

// New creates a new AgentRelay. Any unset backend is initialized with an
// in-memory implementation.
func New(optFns ...func(o *Options)) (*AgentRelay, error) {
	opts := Options{
		Ledger:        memory.New(),
		Channel:       chmemory.New(),
		PollPolicy:    poller.DefaultPolicy(),
		MaxIterations: relay.DefaultMaxIterations,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if len(opts.Personas) == 0 {
		return nil, errors.New("agentrelay: at least one persona is required")
	}
	if err := opts.PollPolicy.Validate(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(opts.Personas))
	bindings := make([]relay.Binding, 0, len(opts.Personas))
	roles := make([]briefing.PersonaRole, 0, len(opts.Personas))
	for _, p := range opts.Personas {
		l := p.Ledger
		if l == nil {
			l = opts.Ledger
		}
		names = append(names, p.Name)
		bindings = append(bindings, relay.Binding{Persona: p.Name, Identity: p.Identity, Ledger: l, Role: p.Role})
		roles = append(roles, briefing.PersonaRole{Name: p.Name, Role: p.Role})
	}

	g := router.DefaultGrammar(names...)
	if opts.Grammar != nil {
		g = *opts.Grammar
	}
	rt, err := router.New(g)
	if err != nil {
		return nil, err
	}

	p := poller.New(func(o *poller.Options) {
		o.Policy = opts.PollPolicy
		o.Logger = opts.Logger
	})

	rl, err := relay.New(opts.Channel, bindings, append([]func(o *relay.Options){func(o *relay.Options) {
		o.Poller = p
		o.MaxIterations = opts.MaxIterations
	}}, opts.Relay...)...)
	if err != nil {
		return nil, err
	}

	sup, err := supervisor.New(opts.Ledger, rt, rl, append([]func(o *supervisor.Options){func(o *supervisor.Options) {
		o.Poller = p
		o.Logger = opts.Logger
		o.Personas = roles
		o.Prompt = opts.Prompt
		o.MaxIterations = opts.MaxIterations
	}}, opts.Supervisor...)...)
	if err != nil {
		return nil, err
	}

	return &AgentRelay{opts: opts, router: rt, relay: rl, supervisor: sup}, nil
}

// Supervisor returns the underlying supervisor.
func (a *AgentRelay) Supervisor() *supervisor.Supervisor { return a.supervisor }

// Identities returns every persona identity, for loop prevention on ingress.
func (a *AgentRelay) Identities() []core.Identity { return a.relay.Identities() }

// Start opens a session for b.
func (a *AgentRelay) Start(ctx context.Context, b briefing.Brief) (*supervisor.Handle, error) {
	return a.supervisor.Start(ctx, b)
}

// Submit schedules one cycle for text in session id.
func (a *AgentRelay) Submit(ctx context.Context, id core.RunID, text string) (<-chan supervisor.Outcome, error) {
	return a.supervisor.Submit(ctx, id, text)
}

// SubmitSync submits text and waits for the cycle outcome.
func (a *AgentRelay) SubmitSync(ctx context.Context, id core.RunID, text string) (supervisor.Outcome, error) {
	return a.supervisor.SubmitSync(ctx, id, text)
}

// Terminate stops session id.
func (a *AgentRelay) Terminate(id core.RunID) error { return a.supervisor.Terminate(id) }

// Resume attaches every open run of the ledger.
func (a *AgentRelay) Resume(ctx context.Context) (int, error) { return a.supervisor.Resume(ctx) }

// Sessions lists all known sessions.
func (a *AgentRelay) Sessions() []supervisor.Info { return a.supervisor.Sessions() }

// Shutdown terminates every session and waits for their workers.
func (a *AgentRelay) Shutdown(ctx context.Context) error { return a.supervisor.Shutdown(ctx) }

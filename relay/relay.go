// Package relay delivers a routed persona's message to the group channel
// under that persona's own identity.
//
// Two marker styles are supported. With a directive ("TechAgent do: ...")
// the persona's words are produced separately: the relay briefs the
// persona's ledger sub-channel, waits for its reply with the turn poller
// and sends that reply. With a prefix ("TechAgent: ...") the lead turn
// already carries the spoken text and it is sent as-is.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentrelay/briefing"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/poller"
	"github.com/hupe1980/agentrelay/router"
)

const (
	// DefaultSendTimeout bounds one outbound channel send.
	DefaultSendTimeout = 30 * time.Second
	// DefaultMaxIterations is passed to CreateRun for persona sub-channels.
	DefaultMaxIterations = 20
)

// Binding ties a persona to its messaging identity and ledger sub-channel.
type Binding struct {
	Persona string
	// Identity is the sender the persona speaks as.
	Identity core.Identity
	// Ledger hosts the persona's sub-channel. It is required for
	// directive-style dispatches only.
	Ledger core.Ledger
	// Role describes the persona when its sub-channel is opened.
	Role string
}

// Options configures a Relay.
type Options struct {
	// Poller waits for persona replies. Defaults to poller.New().
	Poller *poller.Poller
	// SendTimeout bounds a send once it has started.
	SendTimeout time.Duration
	// MaxIterations is the budget of newly opened sub-channels.
	MaxIterations int
	// Tracer emits one span per dispatch.
	Tracer trace.Tracer
}

// Outcome describes one dispatch.
type Outcome struct {
	Persona   string
	MessageID core.MessageID
	// Text is what was (or would have been) sent.
	Text string
	// SubChannel is the persona run used by a directive dispatch.
	SubChannel core.RunID
	// Poll is the persona poll result of a directive dispatch.
	Poll *poller.Result
	// Sent reports whether a message reached the channel.
	Sent bool
}

// Relay dispatches routing decisions to bound personas.
type Relay struct {
	channel  core.Channel
	bindings map[string]Binding
	order    []string
	opts     Options
}

// dispatchLogger is implemented by loggers with a dedicated dispatch helper.
type dispatchLogger interface {
	LogDispatch(persona string, dur time.Duration, success bool, err error)
}

// New creates a Relay sending through channel. Persona names must be
// unique and non-empty.
func New(channel core.Channel, bindings []Binding, optFns ...func(o *Options)) (*Relay, error) {
	if channel == nil {
		return nil, errors.New("relay: nil channel")
	}

	opts := Options{
		SendTimeout:   DefaultSendTimeout,
		MaxIterations: DefaultMaxIterations,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Poller == nil {
		opts.Poller = poller.New()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/hupe1980/agentrelay/relay")
	}

	r := &Relay{channel: channel, bindings: make(map[string]Binding, len(bindings)), opts: opts}
	for _, b := range bindings {
		if b.Persona == "" {
			return nil, errors.New("relay: binding without persona name")
		}
		if _, dup := r.bindings[b.Persona]; dup {
			return nil, fmt.Errorf("relay: duplicate binding for persona %q", b.Persona)
		}
		if b.Identity.Name == "" {
			b.Identity.Name = b.Persona
		}
		r.bindings[b.Persona] = b
		r.order = append(r.order, b.Persona)
	}

	return r, nil
}

// Binding returns the binding of persona.
func (r *Relay) Binding(persona string) (Binding, bool) {
	b, ok := r.bindings[persona]
	return b, ok
}

// Personas returns the bound persona names in configuration order.
func (r *Relay) Personas() []string {
	return append([]string(nil), r.order...)
}

// Identities returns the identity of every bound persona.
func (r *Relay) Identities() []core.Identity {
	out := make([]core.Identity, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.bindings[name].Identity)
	}
	return out
}

// Dispatch relays d to its persona. It sends at most one message. When the
// session is cancelled before the send begins the dispatch is abandoned
// and the context error is returned; a send already under way completes.
func (r *Relay) Dispatch(sc *core.SessionContext, d router.Decision) (Outcome, error) {
	if d.Kind != router.Dispatch {
		return Outcome{}, fmt.Errorf("relay: cannot dispatch a %s decision", d.Kind)
	}

	ctx, span := r.opts.Tracer.Start(sc.Context, "relay.dispatch", trace.WithAttributes(
		attribute.String("session.id", sc.SessionID.String()),
		attribute.String("persona", d.Persona),
		attribute.String("marker.style", string(d.Style)),
	))
	defer span.End()

	start := time.Now()
	out, err := r.dispatch(sc.WithContext(ctx), d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("sent", out.Sent))
	r.logDispatch(sc, d.Persona, time.Since(start), err)

	return out, err
}

func (r *Relay) dispatch(sc *core.SessionContext, d router.Decision) (Outcome, error) {
	out := Outcome{Persona: d.Persona}

	b, ok := r.bindings[d.Persona]
	if !ok {
		return out, core.NewRelayError(core.UnboundPersona, d.Persona, nil)
	}
	if d.Style == router.StyleDirective && b.Ledger == nil {
		return out, core.NewRelayError(core.UnboundPersona, d.Persona, errors.New("no ledger sub-channel"))
	}
	if err := sc.Err(); err != nil {
		return out, err
	}

	text := d.Instruction
	if d.Style == router.StyleDirective {
		res, run, err := r.converse(sc, b, d.Instruction)
		out.SubChannel = run
		if err != nil {
			var pt *core.PollTimeoutError
			switch {
			case errors.As(err, &pt):
				return out, core.NewRelayError(core.RelayPollTimeout, d.Persona, err)
			case sc.Err() != nil:
				return out, err
			default:
				return out, core.NewRelayError(core.SubChannelFailure, d.Persona, err)
			}
		}
		out.Poll = &res
		text = res.Turn.Content
	}

	text = stripSpeaker(text, d.Persona)
	out.Text = text
	if text == "" {
		sc.LogWarn("Persona produced no text, nothing relayed", "persona", d.Persona)
		return out, nil
	}

	// Last point at which a cancelled session abandons the dispatch.
	if err := sc.Err(); err != nil {
		return out, err
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(sc.Context), r.opts.SendTimeout)
	defer cancel()

	id, err := r.channel.Send(sendCtx, b.Identity, sc.ChannelID, text)
	if err != nil {
		return out, core.NewRelayError(core.ChannelSendFailure, d.Persona, err)
	}
	out.MessageID = id
	out.Sent = true

	return out, nil
}

// converse briefs the persona sub-channel and waits for its reply. The
// sub-channel is opened on the persona's first dispatch in the session.
func (r *Relay) converse(sc *core.SessionContext, b Binding, instruction string) (poller.Result, core.RunID, error) {
	run, open := sc.SubChannel(b.Persona)
	if !open {
		prompt := briefing.PersonaPrompt(briefing.PersonaRole{Name: b.Persona, Role: b.Role}, instruction)
		created, _, err := b.Ledger.CreateRun(sc.Context, prompt, r.opts.MaxIterations)
		if err != nil {
			return poller.Result{}, "", fmt.Errorf("open sub-channel: %w", err)
		}
		run = created
		sc.BindSubChannel(b.Persona, run)
		sc.LogDebug("Opened persona sub-channel", "persona", b.Persona, "run_id", run)
	} else {
		if _, err := b.Ledger.AppendTurn(sc.Context, run, instruction); err != nil {
			return poller.Result{}, run, fmt.Errorf("brief sub-channel %s: %w", run, err)
		}
	}

	res, err := r.opts.Poller.Await(sc, b.Ledger, core.Participant(b.Persona))
	return res, run, err
}

func (r *Relay) logDispatch(sc *core.SessionContext, persona string, dur time.Duration, err error) {
	if dl, ok := sc.Logger().(dispatchLogger); ok {
		dl.LogDispatch(persona, dur, err == nil, err)
		return
	}
	if err != nil {
		sc.LogError("Persona dispatch failed", "persona", persona, "duration", dur, "error", err)
		return
	}
	sc.LogInfo("Persona dispatch completed", "persona", persona, "duration", dur)
}

// stripSpeaker removes a leading "<persona>:" the model sometimes repeats.
func stripSpeaker(text, persona string) string {
	text = strings.TrimSpace(text)
	if rest, ok := strings.CutPrefix(text, persona+":"); ok {
		return strings.TrimSpace(rest)
	}
	return text
}

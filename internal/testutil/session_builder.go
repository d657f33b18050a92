package testutil

import (
	"context"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// SessionBuilder helps construct session contexts with fluent chaining.
// Example:
//
//	sc := NewSessionBuilder("7").Channel("!room").SubChannel("TechAgent", "8").Build()
type SessionBuilder struct {
	id          core.RunID
	channel     string
	ctx         context.Context
	logger      logging.Logger
	offsets     map[core.Participant]int
	subChannels map[string]core.RunID
	active      bool
}

// NewSessionBuilder creates a builder for the session with the given run id.
func NewSessionBuilder(id core.RunID) *SessionBuilder {
	return &SessionBuilder{
		id:          id,
		channel:     "!room:test",
		ctx:         context.Background(),
		offsets:     map[core.Participant]int{},
		subChannels: map[string]core.RunID{},
	}
}

// Channel sets the group channel id (chainable).
func (b *SessionBuilder) Channel(id string) *SessionBuilder {
	b.channel = id
	return b
}

// Context sets the ambient context (chainable).
func (b *SessionBuilder) Context(ctx context.Context) *SessionBuilder {
	b.ctx = ctx
	return b
}

// Logger sets the logger (chainable).
func (b *SessionBuilder) Logger(l logging.Logger) *SessionBuilder {
	b.logger = l
	return b
}

// Offset presets a participant offset (chainable).
func (b *SessionBuilder) Offset(p core.Participant, n int) *SessionBuilder {
	b.offsets[p] = n
	return b
}

// SubChannel presets a persona sub-channel run (chainable).
func (b *SessionBuilder) SubChannel(persona string, run core.RunID) *SessionBuilder {
	b.subChannels[persona] = run
	return b
}

// Active moves the built session to the Active state (chainable).
func (b *SessionBuilder) Active() *SessionBuilder {
	b.active = true
	return b
}

// Build returns the populated *core.SessionContext.
func (b *SessionBuilder) Build() *core.SessionContext {
	sc := core.NewSessionContext(b.ctx, b.id, b.channel, b.logger)
	for p, n := range b.offsets {
		sc.AdvanceOffset(p, n)
	}
	for persona, run := range b.subChannels {
		sc.BindSubChannel(persona, run)
	}
	if b.active {
		sc.Lifecycle.Activate()
	}
	return sc
}

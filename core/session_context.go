package core

import (
	"context"
	"maps"
	"sync"

	"github.com/hupe1980/agentrelay/logging"
)

// SessionContext carries the per-session state threaded through every
// poller, router and relay call. It aggregates:
//   - The ambient cancellation Context
//   - The session id (the lead's ledger run) and group channel id
//   - Last-seen turn offsets per participant
//   - The ledger sub-channel run of every persona dispatched so far
//   - The session Lifecycle
//
// A SessionContext is owned by one supervisor worker. Offsets and
// sub-channels are guarded so snapshots may be taken from other goroutines.
type SessionContext struct {
	Context   context.Context
	SessionID RunID
	ChannelID string
	Lifecycle *Lifecycle

	mu          *sync.RWMutex
	offsets     map[Participant]int
	subChannels map[string]RunID

	*sessionLog
}

// NewSessionContext constructs a SessionContext in the Created state with
// all offsets at zero.
func NewSessionContext(ctx context.Context, sessionID RunID, channelID string, logger logging.Logger) *SessionContext {
	return &SessionContext{
		Context:     ctx,
		SessionID:   sessionID,
		ChannelID:   channelID,
		Lifecycle:   &Lifecycle{},
		mu:          &sync.RWMutex{},
		offsets:     map[Participant]int{},
		subChannels: map[string]RunID{},
		sessionLog:  newSessionLog(logger),
	}
}

// Done returns a channel closed when the underlying context is cancelled.
func (sc *SessionContext) Done() <-chan struct{} { return sc.Context.Done() }

// Err returns the cancellation error (if any) from the underlying context.
func (sc *SessionContext) Err() error { return sc.Context.Err() }

// WithContext returns a shallow copy bound to ctx. The copy shares offsets,
// sub-channels and lifecycle with the original.
func (sc *SessionContext) WithContext(ctx context.Context) *SessionContext {
	c := *sc
	c.Context = ctx
	return &c
}

// Offset returns the last-seen offset of participant p.
func (sc *SessionContext) Offset(p Participant) int {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.offsets[p]
}

// AdvanceOffset moves p's offset forward to n. Offsets never move
// backwards; a smaller n is ignored and false is returned.
func (sc *SessionContext) AdvanceOffset(p Participant, n int) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if n < sc.offsets[p] {
		return false
	}
	sc.offsets[p] = n
	return true
}

// Offsets returns a copy of all participant offsets.
func (sc *SessionContext) Offsets() map[Participant]int {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return maps.Clone(sc.offsets)
}

// SubChannel returns the ledger run opened for persona, if any.
func (sc *SessionContext) SubChannel(persona string) (RunID, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	run, ok := sc.subChannels[persona]
	return run, ok
}

// BindSubChannel records the ledger run backing persona's sub-channel.
func (sc *SessionContext) BindSubChannel(persona string, run RunID) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.subChannels[persona] = run
}

// SubChannels returns a copy of the persona to run mapping.
func (sc *SessionContext) SubChannels() map[string]RunID {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return maps.Clone(sc.subChannels)
}

// RunFor resolves the ledger run a participant reads from: the session run
// for the lead, the persona's sub-channel otherwise.
func (sc *SessionContext) RunFor(p Participant) (RunID, bool) {
	if p.IsLead() {
		return sc.SessionID, true
	}
	return sc.SubChannel(string(p))
}

// State returns the current lifecycle state.
func (sc *SessionContext) State() State { return sc.Lifecycle.State() }

package supervisor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/relay"
	"github.com/hupe1980/agentrelay/router"
)

// Outcome is the result of one append, poll, route and dispatch cycle.
type Outcome struct {
	SessionID core.RunID
	CycleID   string
	// Receipt is the ledger receipt of the appended user turn.
	Receipt core.Receipt
	// LeadTurn is the lead reply that was routed.
	LeadTurn core.Turn
	Decision router.Decision
	// Dispatch is set when the decision was a dispatch.
	Dispatch *relay.Outcome
	// State is the session state once the cycle finished.
	State core.State
	Err   error
}

type request struct {
	text string
	out  chan Outcome
}

// Handle is the supervisor's view of one session worker.
type Handle struct {
	sc     *core.SessionContext
	cancel context.CancelFunc
	inbox  chan request

	done chan struct{}
	err  error

	stopOnce sync.Once
	// ended marks a session that concluded rather than being shut down.
	ended atomic.Bool
}

// ID returns the session id.
func (h *Handle) ID() core.RunID { return h.sc.SessionID }

// ChannelID returns the group channel the session relays to.
func (h *Handle) ChannelID() string { return h.sc.ChannelID }

// State returns the lifecycle state.
func (h *Handle) State() core.State { return h.sc.State() }

// Offsets returns a snapshot of the participant offsets.
func (h *Handle) Offsets() map[core.Participant]int { return h.sc.Offsets() }

// SubChannels returns a snapshot of the persona sub-channel runs.
func (h *Handle) SubChannels() map[string]core.RunID { return h.sc.SubChannels() }

// Done is closed once the worker has exited and released its resources.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the error that terminated the session. It is nil until Done
// is closed and stays nil for a FINISH or an explicit Terminate.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// stop cancels the worker. Safe to call repeatedly.
func (h *Handle) stop() {
	h.stopOnce.Do(func() {
		h.sc.Lifecycle.Terminate()
		h.cancel()
	})
}

// Info is a point-in-time description of a session.
type Info struct {
	ID          core.RunID               `json:"id"`
	ChannelID   string                   `json:"channelId"`
	State       string                   `json:"state"`
	Offsets     map[core.Participant]int `json:"offsets"`
	SubChannels map[string]core.RunID    `json:"subChannels,omitempty"`
}

// Info snapshots the handle.
func (h *Handle) Info() Info {
	return Info{
		ID:          h.ID(),
		ChannelID:   h.ChannelID(),
		State:       h.State().String(),
		Offsets:     h.Offsets(),
		SubChannels: h.SubChannels(),
	}
}

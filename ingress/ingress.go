// Package ingress forwards inbound group messages to their sessions.
//
// Messages authored by the relay's own identities (the lead and every
// persona) are dropped, otherwise each relayed persona message would be
// fed back into the ledger as a user turn.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/supervisor"
)

var (
	// ErrOwnMessage is returned for messages sent by a relay identity.
	ErrOwnMessage = errors.New("message sent by a relay identity")
	// ErrNoSession is returned for channels without a live session.
	ErrNoSession = errors.New("no session for channel")
	// ErrEmptyMessage is returned for blank messages.
	ErrEmptyMessage = errors.New("empty message")
)

// Sessions is the subset of the supervisor the forwarder needs.
type Sessions interface {
	SessionForChannel(channelID string) (*supervisor.Handle, bool)
	Submit(ctx context.Context, id core.RunID, text string) (<-chan supervisor.Outcome, error)
}

// Options configures a Forwarder.
type Options struct {
	Logger logging.Logger
	// LogMessages logs the text of every forwarded message.
	LogMessages bool
}

// Forwarder maps inbound channel messages onto session submissions.
type Forwarder struct {
	sessions Sessions
	ignore   map[string]struct{}
	logger   logging.Logger
	msgLog   bool

	wg sync.WaitGroup
}

// New creates a Forwarder that ignores messages from the given identities.
func New(sessions Sessions, ignore []core.Identity, optFns ...func(o *Options)) *Forwarder {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	f := &Forwarder{
		sessions: sessions,
		ignore:   make(map[string]struct{}, len(ignore)),
		logger:   opts.Logger,
		msgLog:   opts.LogMessages,
	}
	for _, id := range ignore {
		if id.Address != "" {
			f.ignore[strings.ToLower(id.Address)] = struct{}{}
		}
	}
	return f
}

// Forward submits msg to the session of its channel without waiting for
// the cycle to finish. The outcome is logged when it arrives.
func (f *Forwarder) Forward(ctx context.Context, msg core.InboundMessage) error {
	if _, own := f.ignore[strings.ToLower(msg.Sender)]; own {
		return ErrOwnMessage
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return ErrEmptyMessage
	}

	h, ok := f.sessions.SessionForChannel(msg.ChannelID)
	if !ok {
		return fmt.Errorf("%w %s", ErrNoSession, msg.ChannelID)
	}

	if f.msgLog {
		f.logger.Info("Inbound message", "session_id", h.ID(), "sender", msg.Sender, "text", text)
	}

	out, err := f.sessions.Submit(ctx, h.ID(), text)
	if err != nil {
		return fmt.Errorf("submit to session %s: %w", h.ID(), err)
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		o := <-out
		if o.Err != nil {
			f.logger.Warn("Cycle failed", "session_id", o.SessionID, "cycle_id", o.CycleID, "state", o.State.String(), "error", o.Err)
			return
		}
		f.logger.Debug("Cycle completed", "session_id", o.SessionID, "cycle_id", o.CycleID, "decision", o.Decision.String())
	}()

	return nil
}

// Handle is a channel watcher callback. Dropped messages are logged at
// debug level.
func (f *Forwarder) Handle(ctx context.Context, msg core.InboundMessage) {
	if err := f.Forward(ctx, msg); err != nil {
		switch {
		case errors.Is(err, ErrOwnMessage), errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrNoSession):
			f.logger.Debug("Inbound message dropped", "channel_id", msg.ChannelID, "sender", msg.Sender, "reason", err)
		default:
			f.logger.Warn("Inbound message not forwarded", "channel_id", msg.ChannelID, "sender", msg.Sender, "error", err)
		}
	}
}

// Wait blocks until every forwarded cycle has reported its outcome.
func (f *Forwarder) Wait() { f.wg.Wait() }

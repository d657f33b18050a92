package matrix

import (
	"context"
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/clock"
	"github.com/hupe1980/agentrelay/logging"
)

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Identity whose token is used for /sync.
	Identity string
	// PollTimeout is the server-side long-poll wait.
	PollTimeout time.Duration
	// RetryDelay is the wait after a failed sync.
	RetryDelay time.Duration
	Clock      clock.Clock
	Logger     logging.Logger
}

// Watcher long-polls /sync and hands every new text message to a handler.
// Events present before the first sync are skipped.
type Watcher struct {
	client *Client
	opts   WatcherOptions
}

// NewWatcher creates a Watcher.
func NewWatcher(client *Client, optFns ...func(o *WatcherOptions)) *Watcher {
	opts := WatcherOptions{
		Identity:    "lead",
		PollTimeout: 30 * time.Second,
		RetryDelay:  5 * time.Second,
		Clock:       clock.Real(),
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Watcher{client: client, opts: opts}
}

// Run syncs until ctx is cancelled, calling handle for each inbound
// m.text message. Sync failures are logged and retried.
func (w *Watcher) Run(ctx context.Context, handle func(ctx context.Context, msg core.InboundMessage)) error {
	since := ""
	initial := true

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		timeout := int(w.opts.PollTimeout / time.Millisecond)
		if initial {
			timeout = 0
		}
		resp, err := w.client.Sync(ctx, w.opts.Identity, since, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.opts.Logger.Warn("Matrix sync failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.opts.Clock.After(w.opts.RetryDelay):
			}
			continue
		}

		since = resp.NextBatch
		if initial {
			initial = false
			continue
		}

		for _, msg := range messages(resp) {
			handle(ctx, msg)
		}
	}
}

// messages flattens the joined-room timelines of resp into text messages.
func messages(resp *SyncResponse) []core.InboundMessage {
	var out []core.InboundMessage
	for roomID, room := range resp.Rooms.Join {
		for _, ev := range room.Timeline.Events {
			if ev.Type != "m.room.message" {
				continue
			}
			if msgType, _ := ev.Content["msgtype"].(string); msgType != "m.text" {
				continue
			}
			body, _ := ev.Content["body"].(string)
			if body == "" {
				continue
			}
			out = append(out, core.InboundMessage{ID: ev.EventID, ChannelID: roomID, Sender: ev.Sender, Text: body})
		}
	}
	return out
}

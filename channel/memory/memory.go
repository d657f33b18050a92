// Package memory provides an in-process core.Channel that records every
// message. It backs tests and the simulate command's console output.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/hupe1980/agentrelay/core"
)

// Message is a recorded send.
type Message struct {
	ID        core.MessageID
	From      core.Identity
	ChannelID string
	Text      string
}

// Options configures a Channel.
type Options struct {
	// Echo, when set, receives a "[channel] name: text" line per send.
	Echo io.Writer
	// Fail, when set, rejects sends for which it returns an error.
	Fail func(from core.Identity, channelID, text string) error
	// OnSend is called after a message is recorded.
	OnSend func(msg Message)
}

// Channel records sends.
type Channel struct {
	mu       sync.Mutex
	messages []Message
	opts     Options
}

var _ core.Channel = (*Channel)(nil)

// New creates a recording channel.
func New(optFns ...func(o *Options)) *Channel {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Channel{opts: opts}
}

// Send records the message.
func (c *Channel) Send(ctx context.Context, from core.Identity, channelID string, text string) (core.MessageID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.opts.Fail != nil {
		if err := c.opts.Fail(from, channelID, text); err != nil {
			return "", err
		}
	}

	msg := Message{ID: core.MessageID(uuid.NewString()), From: from, ChannelID: channelID, Text: text}
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	if c.opts.Echo != nil {
		fmt.Fprintf(c.opts.Echo, "[%s] %s: %s\n", channelID, from.Name, text)
	}
	c.mu.Unlock()

	if c.opts.OnSend != nil {
		c.opts.OnSend(msg)
	}
	return msg.ID, nil
}

// Messages returns a copy of every recorded message.
func (c *Channel) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// MessagesIn returns the messages sent to channelID.
func (c *Channel) MessagesIn(channelID string) []Message {
	var out []Message
	for _, m := range c.Messages() {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	return out
}

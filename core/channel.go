package core

import "context"

// Identity is a messaging identity the relay speaks as.
type Identity struct {
	// Name is the persona name (or "lead").
	Name string
	// Address is the transport-level sender id, e.g. a Matrix user id.
	Address string
}

// MessageID identifies a message accepted by the channel.
type MessageID string

// Channel delivers outbound group messages.
type Channel interface {
	Send(ctx context.Context, from Identity, channelID string, text string) (MessageID, error)
}

// ChannelFunc adapts an ordinary function to the Channel interface.
type ChannelFunc func(ctx context.Context, from Identity, channelID string, text string) (MessageID, error)

// Send calls f.
func (f ChannelFunc) Send(ctx context.Context, from Identity, channelID string, text string) (MessageID, error) {
	return f(ctx, from, channelID, text)
}

// InboundMessage is a message observed on a group channel.
type InboundMessage struct {
	ID        string
	ChannelID string
	// Sender is the transport-level author id.
	Sender string
	Text   string
}

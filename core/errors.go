package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionNotFound is returned when a session id is not registered.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionTerminated is returned for operations on a terminated session.
	ErrSessionTerminated = errors.New("session terminated")
	// ErrInboxFull is returned when a session cannot accept another pending message.
	ErrInboxFull = errors.New("session inbox full")
	// ErrChannelInUse is returned when another live session relays to the same group channel.
	ErrChannelInUse = errors.New("group channel already has a live session")
)

// LedgerWriteError reports a failed ledger write (run creation or turn append).
type LedgerWriteError struct {
	Op  string // create_run or append_turn
	Run RunID  // empty for create_run
	Err error
}

func (e *LedgerWriteError) Error() string {
	if e.Run != "" {
		return fmt.Sprintf("ledger write %s on run %s: %v", e.Op, e.Run, e.Err)
	}
	return fmt.Sprintf("ledger write %s: %v", e.Op, e.Err)
}

func (e *LedgerWriteError) Unwrap() error { return e.Err }

// LedgerReadError reports a failed ledger read.
type LedgerReadError struct {
	Op     string
	Run    RunID
	Offset int
	Err    error
}

func (e *LedgerReadError) Error() string {
	if e.Run != "" {
		return fmt.Sprintf("ledger read %s on run %s at offset %d: %v", e.Op, e.Run, e.Offset, e.Err)
	}
	return fmt.Sprintf("ledger read %s: %v", e.Op, e.Err)
}

func (e *LedgerReadError) Unwrap() error { return e.Err }

// PollTimeoutError is returned when a poll exhausts its attempt budget
// without observing a turn with the expected role.
type PollTimeoutError struct {
	Run         RunID
	Participant Participant
	Attempts    int
	Offset      int
	// Last is the most recent read error, if any attempt failed.
	Last error
}

func (e *PollTimeoutError) Error() string {
	msg := fmt.Sprintf("poll timeout on run %s after %d attempts (offset %d)", e.Run, e.Attempts, e.Offset)
	if e.Participant != "" {
		msg = fmt.Sprintf("poll timeout for %s on run %s after %d attempts (offset %d)", e.Participant, e.Run, e.Attempts, e.Offset)
	}
	if e.Last != nil {
		msg += ": last error: " + e.Last.Error()
	}
	return msg
}

func (e *PollTimeoutError) Unwrap() error { return e.Last }

// RelayErrorKind classifies a failed persona dispatch.
type RelayErrorKind int

const (
	// UnboundPersona means the routed persona has no identity or sub-channel binding.
	UnboundPersona RelayErrorKind = iota + 1
	// ChannelSendFailure means the outbound group message was rejected.
	ChannelSendFailure
	// RelayPollTimeout means the persona never produced its reply in time.
	RelayPollTimeout
	// SubChannelFailure means the persona sub-channel could not be opened or briefed.
	SubChannelFailure
)

// String implements fmt.Stringer.
func (k RelayErrorKind) String() string {
	switch k {
	case UnboundPersona:
		return "unbound_persona"
	case ChannelSendFailure:
		return "channel_send_failure"
	case RelayPollTimeout:
		return "relay_poll_timeout"
	case SubChannelFailure:
		return "sub_channel_failure"
	default:
		return "unknown"
	}
}

// RelayError reports a failed persona dispatch.
type RelayError struct {
	Kind    RelayErrorKind
	Persona string
	Err     error
}

func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay %s for persona %q: %v", e.Kind, e.Persona, e.Err)
	}
	return fmt.Sprintf("relay %s for persona %q", e.Kind, e.Persona)
}

func (e *RelayError) Unwrap() error { return e.Err }

// NewRelayError creates a RelayError.
func NewRelayError(kind RelayErrorKind, persona string, err error) *RelayError {
	return &RelayError{Kind: kind, Persona: persona, Err: err}
}

// IsRelayKind reports whether err wraps a RelayError of the given kind.
func IsRelayKind(err error, kind RelayErrorKind) bool {
	var re *RelayError
	return errors.As(err, &re) && re.Kind == kind
}

// RoutingAmbiguity is informational: several persona markers matched one
// turn and Chosen (the earliest) won.
type RoutingAmbiguity struct {
	Chosen     string
	Candidates []string
}

func (e *RoutingAmbiguity) Error() string {
	return fmt.Sprintf("ambiguous routing: chose %q among [%s]", e.Chosen, strings.Join(e.Candidates, ", "))
}

// IsFatal reports whether err must terminate the session. Poll timeouts
// are fatal whether they surface from the lead poll or a persona relay.
func IsFatal(err error) bool {
	var pt *PollTimeoutError
	return errors.As(err, &pt)
}

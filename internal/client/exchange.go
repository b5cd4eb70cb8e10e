package client

import (
	"difyrelay/internal/stream"
)

// State is the lifecycle of one exchange.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateCompleted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Busy reports whether an exchange in this state is still in flight.
func (s State) Busy() bool {
	return s == StateSending || s == StateStreaming
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored
}

// Exchange is one user turn: the assistant message being filled in and the
// state of the stream feeding it.
type Exchange struct {
	ID             string
	AssistantID    string
	State          State
	Content        string
	ConversationID string
	Err            string
}

// Apply folds one event into the exchange. It is pure: the returned value is
// the new exchange, the argument is left untouched. Events that arrive once
// the exchange is no longer streaming are ignored, so nothing after an error
// or message_end can change the content.
func Apply(x Exchange, ev stream.Event) Exchange {
	if x.State != StateStreaming {
		return x
	}

	if ev.HasDelta() {
		x.Content += ev.Answer
		return x
	}
	if !ev.IsTerminal() {
		// ping and unrecognized events
		return x
	}

	if ev.Kind == stream.KindError {
		return fail(x, ev.ErrorText())
	}
	if ev.ConversationID != "" {
		x.ConversationID = ev.ConversationID
	}
	x.State = StateCompleted
	return x
}

// fail moves a live exchange to Errored and appends a visible marker.
func fail(x Exchange, reason string) Exchange {
	if x.State.Terminal() {
		return x
	}
	x.Content += errorSuffix(reason)
	x.Err = reason
	x.State = StateErrored
	return x
}

// complete ends a live exchange cleanly.
func complete(x Exchange) Exchange {
	if x.State.Terminal() {
		return x
	}
	x.State = StateCompleted
	return x
}

func errorSuffix(reason string) string {
	return "\n[Error: " + reason + "]"
}

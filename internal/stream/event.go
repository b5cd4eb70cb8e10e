package stream

import "encoding/json"

// Kind identifies which variant a decoded Event carries.
type Kind int

const (
	// KindUnrecognized is any event name this package does not know. Callers
	// ignore it; it is never an error.
	KindUnrecognized Kind = iota
	KindMessage
	KindAgentMessage
	KindMessageEnd
	KindError
	KindPing
)

var kindNames = map[string]Kind{
	"message":       KindMessage,
	"agent_message": KindAgentMessage,
	"message_end":   KindMessageEnd,
	"error":         KindError,
	"ping":          KindPing,
}

func (k Kind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return "unrecognized"
}

// Event is one decoded "data:" line. Exactly one Kind applies; the payload
// fields that matter depend on it:
//
//	KindMessage, KindAgentMessage: Answer (text delta), MessageID, ConversationID
//	KindMessageEnd:                MessageID, ConversationID
//	KindError:                     Message, Code, Status
//	KindUnrecognized:              Name holds the raw event name
type Event struct {
	Kind           Kind
	Name           string
	Answer         string
	MessageID      string
	ConversationID string
	Message        string
	Code           string
	Status         int
	CreatedAt      int64
}

// HasDelta reports whether the event carries answer text to append.
func (e Event) HasDelta() bool {
	return e.Kind == KindMessage || e.Kind == KindAgentMessage
}

// IsTerminal reports whether the event ends the answer.
func (e Event) IsTerminal() bool {
	return e.Kind == KindMessageEnd || e.Kind == KindError
}

// ErrorText is the user-facing text of an error event.
func (e Event) ErrorText() string {
	if e.Message != "" {
		return e.Message
	}
	return "Stream error"
}

type wireEvent struct {
	Event          string `json:"event"`
	ID             string `json:"id"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Answer         string `json:"answer"`
	CreatedAt      int64  `json:"created_at"`
	Code           string `json:"code"`
	Status         int    `json:"status"`
	Message        string `json:"message"`
}

func decodeEvent(payload []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, err
	}

	kind, ok := kindNames[w.Event]
	if !ok {
		kind = KindUnrecognized
	}

	messageID := w.MessageID
	if messageID == "" {
		messageID = w.ID
	}

	return Event{
		Kind:           kind,
		Name:           w.Event,
		Answer:         w.Answer,
		MessageID:      messageID,
		ConversationID: w.ConversationID,
		Message:        w.Message,
		Code:           w.Code,
		Status:         w.Status,
		CreatedAt:      w.CreatedAt,
	}, nil
}

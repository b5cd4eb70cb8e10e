package models

import "time"

const (
	ResponseModeStreaming = "streaming"
	ResponseModeBlocking  = "blocking"
)

// ChatRequest is the payload the browser sends to the relay and the relay
// forwards upstream unmodified.
type ChatRequest struct {
	Inputs           map[string]interface{} `json:"inputs"`
	Query            string                 `json:"query"`
	ResponseMode     string                 `json:"response_mode"`
	User             string                 `json:"user"`
	ConversationID   string                 `json:"conversation_id,omitempty"`
	Files            []interface{}          `json:"files,omitempty"`
	AutoGenerateName *bool                  `json:"auto_generate_name,omitempty"`
}

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry in the visible conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ProxyConfig is the upstream target resolved for a single relay request.
// AuthHeader is the complete Authorization header value.
type ProxyConfig struct {
	TargetURL  string
	AuthHeader string
}

package storage

import "time"

// Event kinds recorded in the interaction log.
const (
	KindUserMessage    = "user_message"
	KindAssistantReply = "assistant_reply"
	KindInferenceError = "inference_error"
)

// Event is a single chat interaction appended to the audit log in
// chronological order.
type Event struct {
	Timestamp      time.Time `json:"timestamp"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Kind           string    `json:"kind"`
	Text           string    `json:"text,omitempty"`
	HasMedia       bool      `json:"has_media,omitempty"`
}

// Recorder abstracts persistence of interaction events.
// Implementations must be safe for concurrent use.
type Recorder interface {
	AppendInteraction(event Event) error
	LoadInteractions() ([]Event, error)
}

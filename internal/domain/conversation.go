package domain

import "time"

// SessionState is the persisted conversation session. ConversationID is nil
// until the backend issues one on the first send. Timestamp records the last
// write and is refreshed by the persistence adapters on save.
type SessionState struct {
	Messages       []Message `json:"messages"`
	ConversationID *int64    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

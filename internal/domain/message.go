package domain

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the lifecycle flag of a message. User messages move
// sending -> sent or sending -> error; assistant messages are created
// directly in sent or error state.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusError   Status = "error"
)

// Citation references a source document grounding an assistant reply.
type Citation struct {
	DisplayName string `json:"display_name,omitempty"`
	File        string `json:"file,omitempty"`
	Page        int    `json:"page,omitempty"`
	Excerpt     string `json:"excerpt,omitempty"`
}

// Message is a single conversation turn. ID is the backend-assigned
// identifier and stays zero until the backend acknowledges persistence.
// Error is set only when Status is StatusError.
type Message struct {
	ID        int64      `json:"id,omitempty"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Citations []Citation `json:"citations,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
}

// Reply is the normalized result of posting a message to the tutor backend.
type Reply struct {
	UserMessageID      int64
	AssistantMessageID int64
	Content            string
	Citations          []Citation
}

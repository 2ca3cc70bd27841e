package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tutor-agent/internal/domain"
)

const defaultMaxMessageLen = 1000

// Transport posts pipeline intents to the tutor backend.
type Transport interface {
	CreateConversation(ctx context.Context) (int64, error)
	SendMessage(ctx context.Context, conversationID int64, text string) (domain.Reply, error)
}

// StateStore durably mirrors session state under a fixed session key.
// Save is best-effort from the pipeline's perspective: failures are logged
// and the session keeps working in memory.
type StateStore interface {
	Load(ctx context.Context) (domain.SessionState, error)
	Save(ctx context.Context, state domain.SessionState) error
	Clear(ctx context.Context) error
}

var timeNow = time.Now

// Session is the conversation pipeline for one chat session. It owns the
// ordered message list, enforces the single-outstanding-send rule, and
// mirrors every mutation to its StateStore.
type Session struct {
	transport Transport
	store     StateStore
	log       *slog.Logger
	maxLen    int

	mu      sync.Mutex
	state   domain.SessionState
	loading bool
}

// New creates a Session. maxMessageLen <= 0 selects the default cap.
func New(transport Transport, store StateStore, log *slog.Logger, maxMessageLen int) (*Session, error) {
	if transport == nil {
		return nil, errors.New("session: transport must not be nil")
	}
	if store == nil {
		return nil, errors.New("session: state store must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessageLen
	}
	return &Session{
		transport: transport,
		store:     store,
		log:       log,
		maxLen:    maxMessageLen,
	}, nil
}

// Restore loads persisted state. A missing or corrupt entry yields the empty
// default; restore never fails the caller.
func (s *Session) Restore(ctx context.Context) {
	st, err := s.store.Load(ctx)
	if err != nil {
		s.log.Warn("session restore failed, starting empty", "err", err)
		st = domain.SessionState{}
	}
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Send appends a user message and posts it to the backend. Empty, whitespace-only
// or over-length input and an already outstanding send are rejected with a typed
// *Error and leave state untouched. Transport failures are never returned: they
// resolve into an error-status user message plus a synthetic assistant error
// message, so every failed turn leaves exactly one visible error indicator.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return newError(ErrorInvalidInput, "empty_message", nil)
	}
	if len(text) > s.maxLen {
		return newError(ErrorInvalidInput, "message_too_long", nil)
	}

	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return newError(ErrorBusy, "send_in_flight", nil)
	}
	s.loading = true
	s.state.Messages = append(s.state.Messages, domain.Message{
		Role:      domain.RoleUser,
		Content:   text,
		Timestamp: timeNow(),
		Status:    domain.StatusSending,
	})
	userIdx := len(s.state.Messages) - 1
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.deliver(ctx, userIdx, text)
	return nil
}

// Retry re-sends a failed user message without duplicating it. Contiguous
// error messages following the target are removed first.
func (s *Session) Retry(ctx context.Context, index int) error {
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return newError(ErrorBusy, "send_in_flight", nil)
	}
	if index < 0 || index >= len(s.state.Messages) {
		s.mu.Unlock()
		return newError(ErrorInvalidInput, "index_out_of_range", nil)
	}
	target := s.state.Messages[index]
	if target.Role != domain.RoleUser || target.Status != domain.StatusError {
		s.mu.Unlock()
		return newError(ErrorInvalidInput, "retry_target_not_failed_user_message", nil)
	}
	s.loading = true
	s.state.Messages = removeTrailingErrorsAfter(s.state.Messages, index)
	s.state.Messages[index].Status = domain.StatusSending
	s.state.Messages[index].Error = ""
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.deliver(ctx, index, target.Content)
	return nil
}

// Regenerate discards an assistant message and everything after it, then
// re-sends the immediately preceding user message for a fresh reply.
func (s *Session) Regenerate(ctx context.Context, index int) error {
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return newError(ErrorBusy, "send_in_flight", nil)
	}
	if index < 0 || index >= len(s.state.Messages) {
		s.mu.Unlock()
		return newError(ErrorInvalidInput, "index_out_of_range", nil)
	}
	if s.state.Messages[index].Role != domain.RoleAssistant {
		s.mu.Unlock()
		return newError(ErrorInvalidInput, "regenerate_target_not_assistant", nil)
	}
	if index == 0 || s.state.Messages[index-1].Role != domain.RoleUser {
		s.mu.Unlock()
		return newError(ErrorInvalidInput, "no_preceding_user_message", nil)
	}
	s.loading = true
	s.state.Messages = truncateBefore(s.state.Messages, index)
	userIdx := index - 1
	text := s.state.Messages[userIdx].Content
	s.state.Messages[userIdx].Status = domain.StatusSending
	s.state.Messages[userIdx].Error = ""
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.deliver(ctx, userIdx, text)
	return nil
}

// DeleteMessage removes exactly one message. No cascading effects.
func (s *Session) DeleteMessage(ctx context.Context, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loading {
		return newError(ErrorBusy, "send_in_flight", nil)
	}
	if index < 0 || index >= len(s.state.Messages) {
		return newError(ErrorInvalidInput, "index_out_of_range", nil)
	}
	s.state.Messages = removeAt(s.state.Messages, index)
	s.persistLocked(ctx)
	return nil
}

// Clear empties the session and purges the persisted entry.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loading {
		return newError(ErrorBusy, "send_in_flight", nil)
	}
	s.state = domain.SessionState{}
	if err := s.store.Clear(ctx); err != nil {
		s.log.Warn("session state clear failed", "err", err)
	}
	return nil
}

// Messages returns a copy of the current message list in chat order.
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.state.Messages))
	copy(out, s.state.Messages)
	return out
}

// ConversationID returns the backend-issued id, or nil before the first
// successful create.
func (s *Session) ConversationID() *int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.ConversationID == nil {
		return nil
	}
	id := *s.state.ConversationID
	return &id
}

// Loading reports whether a send is outstanding.
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// deliver performs the network half of a send and reconciles the outcome into
// message state. The lock is not held across network calls; loading guards the
// message list against concurrent mutation in the meantime.
func (s *Session) deliver(ctx context.Context, userIdx int, text string) {
	convID, err := s.ensureConversation(ctx)
	var reply domain.Reply
	if err == nil {
		reply, err = s.transport.SendMessage(ctx, convID, text)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false

	msg := &s.state.Messages[userIdx]
	if err != nil {
		reason := err.Error()
		msg.Status = domain.StatusError
		msg.Error = reason
		s.state.Messages = append(s.state.Messages, domain.Message{
			Role:      domain.RoleAssistant,
			Timestamp: timeNow(),
			Status:    domain.StatusError,
			Error:     reason,
		})
		s.persistLocked(ctx)
		return
	}

	msg.Status = domain.StatusSent
	msg.Error = ""
	if msg.ID == 0 {
		msg.ID = reply.UserMessageID
	}
	s.state.Messages = append(s.state.Messages, domain.Message{
		ID:        reply.AssistantMessageID,
		Role:      domain.RoleAssistant,
		Content:   reply.Content,
		Citations: reply.Citations,
		Timestamp: timeNow(),
		Status:    domain.StatusSent,
	})
	s.persistLocked(ctx)
}

// ensureConversation lazily creates the backend conversation on the first
// send and reuses the id for the remainder of the session.
func (s *Session) ensureConversation(ctx context.Context) (int64, error) {
	s.mu.Lock()
	if s.state.ConversationID != nil {
		id := *s.state.ConversationID
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	id, err := s.transport.CreateConversation(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.state.ConversationID = &id
	s.persistLocked(ctx)
	s.mu.Unlock()
	return id, nil
}

// persistLocked mirrors state to the store when there is anything worth
// keeping. Callers must hold mu. Failures are logged, never surfaced.
func (s *Session) persistLocked(ctx context.Context) {
	if len(s.state.Messages) == 0 && s.state.ConversationID == nil {
		return
	}
	if err := s.store.Save(ctx, s.state); err != nil {
		s.log.Warn("session state save failed", "err", err)
	}
}

package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"tutor-agent/internal/domain"
)

// StoreFactory builds the persistence adapter bound to one session key.
type StoreFactory interface {
	ForSession(key string) StateStore
}

// StoreFactoryFunc adapts a function to the StoreFactory interface.
type StoreFactoryFunc func(key string) StateStore

func (f StoreFactoryFunc) ForSession(key string) StateStore { return f(key) }

type SendInput struct {
	SessionKey string
	Message    string
}

type SendOutput struct {
	SessionKey     string
	ConversationID int64
	Answer         string
	Citations      []domain.Citation
}

var newSessionKey = func() string {
	return uuid.NewString()
}

// Service executes single chat turns against per-key persisted sessions.
// It is the stateless counterpart of Session used by the relay handler:
// each call restores the session, runs one send, and reports the outcome.
type Service struct {
	transport Transport
	stores    StoreFactory
	log       *slog.Logger
	maxLen    int
}

func NewService(transport Transport, stores StoreFactory, log *slog.Logger, maxMessageLen int) (*Service, error) {
	if transport == nil {
		return nil, errors.New("session: transport must not be nil")
	}
	if stores == nil {
		return nil, errors.New("session: store factory must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessageLen
	}
	return &Service{
		transport: transport,
		stores:    stores,
		log:       log,
		maxLen:    maxMessageLen,
	}, nil
}

// Send runs one chat turn. A blank session key starts a fresh session under a
// newly minted key, which is echoed back so the caller can continue it. A turn
// that resolved into error state is reported as an upstream error carrying the
// normalized reason.
func (s *Service) Send(ctx context.Context, in SendInput) (SendOutput, error) {
	key := strings.TrimSpace(in.SessionKey)
	if key == "" {
		key = newSessionKey()
	}

	sess, err := New(s.transport, s.stores.ForSession(key), s.log, s.maxLen)
	if err != nil {
		return SendOutput{}, newError(ErrorInternal, "session_init_error", err)
	}
	sess.Restore(ctx)

	if err := sess.Send(ctx, in.Message); err != nil {
		return SendOutput{}, err
	}

	msgs := sess.Messages()
	last := msgs[len(msgs)-1]
	if last.Status == domain.StatusError {
		return SendOutput{}, newError(ErrorUpstream, last.Error, nil)
	}

	out := SendOutput{
		SessionKey: key,
		Answer:     last.Content,
		Citations:  last.Citations,
	}
	if id := sess.ConversationID(); id != nil {
		out.ConversationID = *id
	}
	return out, nil
}

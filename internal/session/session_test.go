package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"tutor-agent/internal/domain"
)

type replyResult struct {
	reply domain.Reply
	err   error
}

type mockTransport struct {
	mu          sync.Mutex
	convID      int64
	convErr     error
	createCalls int
	replies     []replyResult
	sendCalls   int
	lastText    string
	lastConvID  int64

	// when set, SendMessage closes started on entry and waits for release.
	started chan struct{}
	release chan struct{}
}

func (m *mockTransport) CreateConversation(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.convErr != nil {
		return 0, m.convErr
	}
	return m.convID, nil
}

func (m *mockTransport) SendMessage(_ context.Context, conversationID int64, text string) (domain.Reply, error) {
	m.mu.Lock()
	idx := m.sendCalls
	if idx >= len(m.replies) {
		idx = len(m.replies) - 1
	}
	m.sendCalls++
	m.lastText = text
	m.lastConvID = conversationID
	started, release := m.started, m.release
	m.mu.Unlock()

	if started != nil {
		close(started)
		m.mu.Lock()
		m.started = nil
		m.mu.Unlock()
	}
	if release != nil {
		<-release
	}
	if idx < 0 {
		return domain.Reply{}, errors.New("no reply configured")
	}
	return m.replies[idx].reply, m.replies[idx].err
}

type mockStore struct {
	mu      sync.Mutex
	state   domain.SessionState
	loadErr error
	saveErr error
	saves   int
	clears  int
}

func (m *mockStore) Load(_ context.Context) (domain.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.loadErr
}

func (m *mockStore) Save(_ context.Context, state domain.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.state = state
	return nil
}

func (m *mockStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	m.state = domain.SessionState{}
	return nil
}

func (m *mockStore) snapshot() domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, tr Transport, st StateStore) *Session {
	t.Helper()
	s, err := New(tr, st, testLogger(), 0)
	require.NoError(t, err)
	return s
}

func reply(content string, citations ...domain.Citation) replyResult {
	return replyResult{reply: domain.Reply{Content: content, Citations: citations}}
}

func expectSessionError(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	var sessErr *Error
	require.ErrorAs(t, err, &sessErr)
	require.Equal(t, code, sessErr.Code)
}

func int64Ptr(v int64) *int64 { return &v }

func TestNew_ValidatesDependencies(t *testing.T) {
	_, err := New(nil, &mockStore{}, testLogger(), 0)
	require.Error(t, err)
	_, err = New(&mockTransport{}, nil, testLogger(), 0)
	require.Error(t, err)
}

func TestSend_HappyPath(t *testing.T) {
	tr := &mockTransport{
		convID: 7,
		replies: []replyResult{reply("Photosynthesis is...",
			domain.Citation{DisplayName: "Bio101.pdf"})},
	}
	st := &mockStore{}
	s := newTestSession(t, tr, st)

	require.NoError(t, s.Send(context.Background(), "What is photosynthesis?"))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, domain.RoleUser, msgs[0].Role)
	require.Equal(t, "What is photosynthesis?", msgs[0].Content)
	require.Equal(t, domain.StatusSent, msgs[0].Status)
	require.Equal(t, domain.RoleAssistant, msgs[1].Role)
	require.Equal(t, "Photosynthesis is...", msgs[1].Content)
	require.Equal(t, domain.StatusSent, msgs[1].Status)
	require.Equal(t, []domain.Citation{{DisplayName: "Bio101.pdf"}}, msgs[1].Citations)

	require.Equal(t, int64(7), tr.lastConvID)
	require.Equal(t, "What is photosynthesis?", tr.lastText)

	// storage mirrors the final state including the assigned conversation id
	persisted := st.snapshot()
	require.Len(t, persisted.Messages, 2)
	require.NotNil(t, persisted.ConversationID)
	require.Equal(t, int64(7), *persisted.ConversationID)
}

func TestSend_TransportFailure(t *testing.T) {
	tr := &mockTransport{
		convID:  7,
		replies: []replyResult{{err: errors.New("timeout")}},
	}
	s := newTestSession(t, tr, &mockStore{})

	require.NoError(t, s.Send(context.Background(), "hello"))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, domain.RoleUser, msgs[0].Role)
	require.Equal(t, domain.StatusError, msgs[0].Status)
	require.Equal(t, "timeout", msgs[0].Error)
	require.Equal(t, domain.RoleAssistant, msgs[1].Role)
	require.Equal(t, "", msgs[1].Content)
	require.Equal(t, domain.StatusError, msgs[1].Status)
	require.Equal(t, "timeout", msgs[1].Error)
	require.False(t, s.Loading())
}

func TestSend_CreateConversationFailure(t *testing.T) {
	tr := &mockTransport{convErr: errors.New("backend down")}
	s := newTestSession(t, tr, &mockStore{})

	require.NoError(t, s.Send(context.Background(), "hello"))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, domain.StatusError, msgs[0].Status)
	require.Equal(t, domain.StatusError, msgs[1].Status)
	require.Equal(t, 0, tr.sendCalls)
	require.Nil(t, s.ConversationID())
}

func TestSend_InputValidation(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{name: "empty", text: ""},
		{name: "whitespace", text: "   "},
		{name: "too long", text: strings.Repeat("a", defaultMaxMessageLen+1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := &mockTransport{convID: 1, replies: []replyResult{reply("x")}}
			st := &mockStore{}
			s := newTestSession(t, tr, st)

			err := s.Send(context.Background(), tc.text)
			expectSessionError(t, err, ErrorInvalidInput)
			require.Empty(t, s.Messages())
			require.Equal(t, 0, tr.createCalls)
			require.Equal(t, 0, tr.sendCalls)
			require.Equal(t, 0, st.saves)
		})
	}
}

func TestSend_PreservesCallOrder(t *testing.T) {
	tr := &mockTransport{
		convID:  1,
		replies: []replyResult{reply("a1"), {err: errors.New("boom")}, reply("a3")},
	}
	s := newTestSession(t, tr, &mockStore{})

	require.NoError(t, s.Send(context.Background(), "u1"))
	require.NoError(t, s.Send(context.Background(), "u2"))
	require.NoError(t, s.Send(context.Background(), "u3"))

	msgs := s.Messages()
	require.Len(t, msgs, 6)
	require.Equal(t, "u1", msgs[0].Content)
	require.Equal(t, "a1", msgs[1].Content)
	require.Equal(t, "u2", msgs[2].Content)
	require.Equal(t, domain.StatusError, msgs[3].Status)
	require.Equal(t, "u3", msgs[4].Content)
	require.Equal(t, "a3", msgs[5].Content)
}

func TestSend_ReusesConversationID(t *testing.T) {
	tr := &mockTransport{convID: 42, replies: []replyResult{reply("a")}}
	s := newTestSession(t, tr, &mockStore{})

	require.NoError(t, s.Send(context.Background(), "one"))
	require.NoError(t, s.Send(context.Background(), "two"))

	require.Equal(t, 1, tr.createCalls)
	require.Equal(t, int64(42), tr.lastConvID)
}

func TestSend_SingleInFlight(t *testing.T) {
	tr := &mockTransport{
		convID:  1,
		replies: []replyResult{reply("a1")},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := newTestSession(t, tr, &mockStore{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Send(context.Background(), "first")
	}()
	<-tr.started

	require.True(t, s.Loading())
	expectSessionError(t, s.Send(context.Background(), "second"), ErrorBusy)
	expectSessionError(t, s.Retry(context.Background(), 0), ErrorBusy)
	expectSessionError(t, s.Regenerate(context.Background(), 0), ErrorBusy)
	expectSessionError(t, s.DeleteMessage(context.Background(), 0), ErrorBusy)
	expectSessionError(t, s.Clear(context.Background()), ErrorBusy)

	close(tr.release)
	wg.Wait()

	require.False(t, s.Loading())
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, 1, tr.sendCalls)
}

func seededSession(t *testing.T, tr Transport, state domain.SessionState) (*Session, *mockStore) {
	t.Helper()
	st := &mockStore{state: state}
	s := newTestSession(t, tr, st)
	s.Restore(context.Background())
	return s, st
}

func TestRetry_Succeeds(t *testing.T) {
	tr := &mockTransport{convID: 5, replies: []replyResult{reply("recovered")}}
	s, _ := seededSession(t, tr, domain.SessionState{
		ConversationID: int64Ptr(5),
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "hello", Status: domain.StatusError, Error: "timeout"},
			{Role: domain.RoleAssistant, Status: domain.StatusError, Error: "timeout"},
		},
	})

	require.NoError(t, s.Retry(context.Background(), 0))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, domain.RoleUser, msgs[0].Role)
	require.Equal(t, domain.StatusSent, msgs[0].Status)
	require.Empty(t, msgs[0].Error)
	require.Equal(t, domain.RoleAssistant, msgs[1].Role)
	require.Equal(t, "recovered", msgs[1].Content)
	require.Equal(t, domain.StatusSent, msgs[1].Status)
	// no conversation re-creation, no duplicate user message
	require.Equal(t, 0, tr.createCalls)
	require.Equal(t, "hello", tr.lastText)
}

func TestRetry_RemovesContiguousErrors(t *testing.T) {
	tr := &mockTransport{convID: 5, replies: []replyResult{reply("ok")}}
	s, _ := seededSession(t, tr, domain.SessionState{
		ConversationID: int64Ptr(5),
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "hello", Status: domain.StatusError, Error: "x"},
			{Role: domain.RoleAssistant, Status: domain.StatusError, Error: "x"},
			{Role: domain.RoleAssistant, Status: domain.StatusError, Error: "x"},
		},
	})

	require.NoError(t, s.Retry(context.Background(), 0))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, domain.StatusSent, msgs[0].Status)
	require.Equal(t, "ok", msgs[1].Content)
}

func TestRetry_RejectsInvalidTargets(t *testing.T) {
	tr := &mockTransport{convID: 5, replies: []replyResult{reply("a")}}
	s, _ := seededSession(t, tr, domain.SessionState{
		ConversationID: int64Ptr(5),
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "u1", Status: domain.StatusSent},
			{Role: domain.RoleAssistant, Content: "a1", Status: domain.StatusError, Error: "x"},
		},
	})

	expectSessionError(t, s.Retry(context.Background(), 0), ErrorInvalidInput)  // sent user message
	expectSessionError(t, s.Retry(context.Background(), 1), ErrorInvalidInput)  // assistant message
	expectSessionError(t, s.Retry(context.Background(), -1), ErrorInvalidInput) // out of range
	expectSessionError(t, s.Retry(context.Background(), 2), ErrorInvalidInput)  // out of range
	require.Equal(t, 0, tr.sendCalls)
}

func TestRegenerate_TruncatesAndResends(t *testing.T) {
	tr := &mockTransport{convID: 5, replies: []replyResult{reply("a2'")}}
	s, _ := seededSession(t, tr, domain.SessionState{
		ConversationID: int64Ptr(5),
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "u1", Status: domain.StatusSent},
			{Role: domain.RoleAssistant, Content: "a1", Status: domain.StatusSent},
			{Role: domain.RoleUser, Content: "u2", Status: domain.StatusSent},
			{Role: domain.RoleAssistant, Content: "a2", Status: domain.StatusSent},
		},
	})

	require.NoError(t, s.Regenerate(context.Background(), 3))

	msgs := s.Messages()
	require.Len(t, msgs, 4)
	require.Equal(t, "u1", msgs[0].Content)
	require.Equal(t, "a1", msgs[1].Content)
	require.Equal(t, "u2", msgs[2].Content)
	require.Equal(t, domain.StatusSent, msgs[2].Status)
	require.Equal(t, "a2'", msgs[3].Content)
	require.Equal(t, "u2", tr.lastText)
}

func TestRegenerate_RejectsInvalidTargets(t *testing.T) {
	tr := &mockTransport{convID: 5, replies: []replyResult{reply("a")}}
	s, _ := seededSession(t, tr, domain.SessionState{
		ConversationID: int64Ptr(5),
		Messages: []domain.Message{
			{Role: domain.RoleAssistant, Content: "orphan", Status: domain.StatusSent},
			{Role: domain.RoleUser, Content: "u1", Status: domain.StatusSent},
		},
	})

	expectSessionError(t, s.Regenerate(context.Background(), 1), ErrorInvalidInput)  // user message
	expectSessionError(t, s.Regenerate(context.Background(), 0), ErrorInvalidInput)  // no preceding user message
	expectSessionError(t, s.Regenerate(context.Background(), 5), ErrorInvalidInput)  // out of range
	require.Equal(t, 0, tr.sendCalls)
}

func TestDeleteMessage_RemovesExactlyOne(t *testing.T) {
	tr := &mockTransport{}
	s, st := seededSession(t, tr, domain.SessionState{
		ConversationID: int64Ptr(5),
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "u1", Status: domain.StatusSent},
			{Role: domain.RoleAssistant, Content: "a1", Status: domain.StatusSent},
			{Role: domain.RoleUser, Content: "u2", Status: domain.StatusSent},
		},
	})

	require.NoError(t, s.DeleteMessage(context.Background(), 1))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "u1", msgs[0].Content)
	require.Equal(t, "u2", msgs[1].Content)
	require.Len(t, st.snapshot().Messages, 2)

	expectSessionError(t, s.DeleteMessage(context.Background(), 9), ErrorInvalidInput)
}

func TestClear_ResetsSessionAndPurgesStore(t *testing.T) {
	tr := &mockTransport{}
	s, st := seededSession(t, tr, domain.SessionState{
		ConversationID: int64Ptr(5),
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "u1", Status: domain.StatusSent},
		},
	})

	require.NoError(t, s.Clear(context.Background()))

	require.Empty(t, s.Messages())
	require.Nil(t, s.ConversationID())
	require.Equal(t, 1, st.clears)
}

func TestSend_StoreFailuresAreInvisible(t *testing.T) {
	tr := &mockTransport{convID: 1, replies: []replyResult{reply("a")}}
	st := &mockStore{saveErr: errors.New("quota exceeded")}
	s := newTestSession(t, tr, st)

	require.NoError(t, s.Send(context.Background(), "hello"))

	// the session keeps working in memory
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, domain.StatusSent, msgs[1].Status)
}

func TestRestore_ToleratesStoreFailure(t *testing.T) {
	s := newTestSession(t, &mockTransport{}, &mockStore{loadErr: errors.New("io error")})
	s.Restore(context.Background())
	require.Empty(t, s.Messages())
	require.Nil(t, s.ConversationID())
}

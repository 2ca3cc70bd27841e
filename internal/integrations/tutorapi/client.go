package tutorapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"tutor-agent/internal/domain"
)

// conversationResponse is the shape returned when creating a conversation.
type conversationResponse struct {
	ID int64 `json:"id"`
}

// sendMessageRequest is the request body for posting a message.
type sendMessageRequest struct {
	Message string `json:"message"`
}

// messagePayload is the serialized message shape returned by the backend.
// Content is a pointer so a missing field is distinguishable from an empty one.
type messagePayload struct {
	ID        int64             `json:"id"`
	Role      string            `json:"role"`
	Content   *string           `json:"content"`
	Citations []domain.Citation `json:"citations"`
}

// sendMessageResponse is the shape returned by the send_message action.
// user_message is optional; assistant_message is required.
type sendMessageResponse struct {
	UserMessage      *messagePayload `json:"user_message"`
	AssistantMessage *messagePayload `json:"assistant_message"`
}

// TokenSource resolves the bearer token for the tutor backend. Injected so
// the client can be tested without real credential stores.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource holding a fixed token value.
type StaticToken string

func (t StaticToken) Token(_ context.Context) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", errors.New("tutorapi: static token is empty")
	}
	return string(t), nil
}

// HTTPStatusError captures non-2xx backend responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("tutorapi: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused client for the tutoring backend's conversation API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource

	tokenOnce sync.Once
	token     string
	tokenErr  error
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client for the backend at baseURL. The bearer token is
// resolved from the TokenSource on the first call and reused for the lifetime
// of the process.
func NewClient(tokens TokenSource, baseURL string, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("tutorapi: token source must not be nil")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("tutorapi: base URL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveToken fetches the token on the first call and returns the cached
// result on every subsequent call within the same process lifetime.
func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenOnce.Do(func() {
		c.token, c.tokenErr = c.tokens.Token(ctx)
	})
	return c.token, c.tokenErr
}

// resolvedHTTPClient returns the configured HTTP client, or a default with a
// 30s timeout if none was set (e.g. in tests that nil out the field).
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func conversationsURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/tutoring/conversations/"
}

func sendMessageURL(baseURL string, conversationID int64) string {
	return fmt.Sprintf("%s%d/send_message/", conversationsURL(baseURL), conversationID)
}

// CreateConversation starts a new backend conversation and returns its id.
func (c *Client) CreateConversation(ctx context.Context) (int64, error) {
	raw, err := c.postJSON(ctx, conversationsURL(c.baseURL), struct{}{})
	if err != nil {
		return 0, fmt.Errorf("tutorapi: create conversation: %w", err)
	}

	var payload conversationResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return 0, fmt.Errorf("tutorapi: decode conversation response: %w", decErr)
	}
	if payload.ID == 0 {
		return 0, errors.New("tutorapi: conversation response missing id")
	}
	return payload.ID, nil
}

// SendMessage posts one user message and returns the normalized reply. Any
// HTTP failure, network failure, or malformed response surfaces as an error;
// no partial result is ever returned.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, text string) (domain.Reply, error) {
	if conversationID == 0 {
		return domain.Reply{}, errors.New("tutorapi: conversation id must not be zero")
	}

	raw, err := c.postJSON(ctx, sendMessageURL(c.baseURL, conversationID), sendMessageRequest{Message: text})
	if err != nil {
		return domain.Reply{}, fmt.Errorf("tutorapi: send message: %w", err)
	}

	var payload sendMessageResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return domain.Reply{}, fmt.Errorf("tutorapi: decode send message response: %w", decErr)
	}
	if payload.AssistantMessage == nil || payload.AssistantMessage.Content == nil {
		return domain.Reply{}, errors.New("tutorapi: send message response missing assistant message")
	}

	reply := domain.Reply{
		AssistantMessageID: payload.AssistantMessage.ID,
		Content:            *payload.AssistantMessage.Content,
		Citations:          payload.AssistantMessage.Citations,
	}
	if payload.UserMessage != nil {
		reply.UserMessageID = payload.UserMessage.ID
	}
	return reply, nil
}

func (c *Client) postJSON(ctx context.Context, url string, body any) ([]byte, error) {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if reqErr != nil {
		return nil, fmt.Errorf("create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

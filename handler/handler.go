package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"tutor-agent/internal/domain"
	"tutor-agent/internal/session"
)

// ChatService executes one chat turn. *session.Service satisfies this.
type ChatService interface {
	Send(ctx context.Context, in session.SendInput) (session.SendOutput, error)
}

type sendRequest struct {
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey"`
}

type sendResponse struct {
	SessionKey     string            `json:"sessionKey"`
	ConversationID int64             `json:"conversationId"`
	Answer         string            `json:"answer"`
	Citations      []domain.Citation `json:"citations,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handler adapts API Gateway proxy events to the chat service.
type Handler struct {
	svc ChatService
}

func NewHandler(svc ChatService) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	return &Handler{svc: svc}, nil
}

// Handle runs one chat turn per request. Every outcome is expressed as an
// HTTP response; the returned error is always nil so API Gateway never sees
// a function failure for recoverable conditions.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(event.Headers)

	var req sendRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{
			Error:  string(session.ErrorInvalidInput),
			Reason: "invalid_json_body",
		}), nil
	}

	out, err := h.svc.Send(ctx, session.SendInput{
		SessionKey: req.SessionKey,
		Message:    req.Message,
	})
	if err != nil {
		status, code, reason := mapError(err)
		return jsonResponse(status, corrID, errorResponse{Error: code, Reason: reason}), nil
	}

	return jsonResponse(http.StatusOK, corrID, sendResponse{
		SessionKey:     out.SessionKey,
		ConversationID: out.ConversationID,
		Answer:         out.Answer,
		Citations:      out.Citations,
	}), nil
}

func mapError(err error) (status int, code, reason string) {
	var sessErr *session.Error
	if !errors.As(err, &sessErr) {
		return http.StatusInternalServerError, string(session.ErrorInternal), ""
	}
	switch sessErr.Code {
	case session.ErrorInvalidInput:
		return http.StatusBadRequest, string(sessErr.Code), sessErr.Reason
	case session.ErrorBusy:
		return http.StatusConflict, string(sessErr.Code), sessErr.Reason
	case session.ErrorUpstream:
		return http.StatusBadGateway, string(sessErr.Code), sessErr.Reason
	default:
		return http.StatusInternalServerError, string(session.ErrorInternal), sessErr.Reason
	}
}

// correlationID echoes the caller-provided header, case-insensitively, or
// mints a fresh id.
func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "x-correlation-id") && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func jsonResponse(status int, corrID string, body any) events.APIGatewayProxyResponse {
	raw, _ := json.Marshal(body)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"X-Correlation-Id": corrID,
		},
		Body: string(raw),
	}
}

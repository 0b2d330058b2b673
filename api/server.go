// Package api exposes the relay over HTTP. Stream attachments are served as
// Server-Sent Events; lifecycle operations are plain JSON endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/aibridge/chatrelay/conversation"
	"github.com/aibridge/chatrelay/relay"
)

// maxMessageRunes caps the user message length.
const maxMessageRunes = 40000

type (
	// Relay is the streaming core as the transport consumes it.
	Relay interface {
		StartAndStream(ctx context.Context, req relay.StreamRequest, emit relay.EmitFunc) error
		Cancel(ctx context.Context, conversationID uuid.UUID) error
	}

	// Options configures the HTTP server.
	Options struct {
		// Relay handles stream and cancel operations. Required.
		Relay Relay
		// Pingers feed the health endpoint.
		Pingers []health.Pinger
	}

	// Server is the HTTP front end.
	Server struct {
		relay Relay
		echo  *echo.Echo
	}

	// streamRequest is the POST /conversations body.
	streamRequest struct {
		// ConversationID identifies the conversation; clients mint it.
		ConversationID string `json:"conversation_id"`
		// TraceID correlates the request across services.
		TraceID string `json:"trace_id"`
		// Content is the new user message. Empty means reconnect.
		Content string `json:"content"`
		// ContextualTools and UIContext are forwarded to the worker verbatim.
		ContextualTools map[string]json.RawMessage `json:"contextual_tools,omitempty"`
		UIContext       json.RawMessage            `json:"ui_context,omitempty"`
	}

	// conversationView is the wire form of a conversation record.
	conversationView struct {
		ID        string    `json:"id"`
		Status    string    `json:"status"`
		Title     string    `json:"title,omitempty"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	errorBody struct {
		Error string `json:"error"`
	}
)

// New constructs the HTTP server and mounts its routes. The provided context
// carries the process log configuration; every request is served with it.
func New(ctx context.Context, opts Options) (*Server, error) {
	if opts.Relay == nil {
		return nil, errors.New("relay is required")
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(echo.WrapMiddleware(log.HTTP(ctx)))

	s := &Server{relay: opts.Relay, echo: e}
	e.POST("/conversations", s.handleStream)
	e.PATCH("/conversations/:id/cancel", s.handleCancel)
	e.GET("/healthz", echo.WrapHandler(health.Handler(health.NewChecker(opts.Pingers...))))
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// handleStream serves one stream attachment. Lifecycle rejections map to
// status codes while the response is still unsent; once the SSE stream is
// open the relay converts failures into its fallback message instead.
func (s *Server) handleStream(c echo.Context) error {
	var body streamRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}
	req, err := body.validate()
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}

	w := newStreamWriter(c.Response())
	err = s.relay.StartAndStream(c.Request().Context(), req, w.emit)
	if err == nil {
		return nil
	}
	if w.opened {
		// Headers are gone; nothing more can be sent.
		log.Error(c.Request().Context(), err, log.KV{K: "msg", V: "stream aborted mid-flight"})
		return nil
	}
	switch {
	case errors.Is(err, conversation.ErrBusy):
		return c.JSON(http.StatusConflict, errorBody{Error: "conversation is already processing a message"})
	case errors.Is(err, conversation.ErrNothingToStream), errors.Is(err, conversation.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorBody{Error: "no active stream for this conversation"})
	default:
		log.Error(c.Request().Context(), err, log.KV{K: "msg", V: "stream request failed"})
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// handleCancel requests cancellation of the active execution.
func (s *Server) handleCancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid conversation id"})
	}
	if err := s.relay.Cancel(c.Request().Context(), id); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return c.JSON(http.StatusNotFound, errorBody{Error: "conversation not found"})
		}
		log.Error(c.Request().Context(), err, log.KV{K: "msg", V: "cancel failed"})
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (r streamRequest) validate() (relay.StreamRequest, error) {
	out := relay.StreamRequest{
		Message:         r.Content,
		ContextualTools: r.ContextualTools,
		UIContext:       r.UIContext,
	}
	if len([]rune(r.Content)) > maxMessageRunes {
		return out, fmt.Errorf("content exceeds %d characters", maxMessageRunes)
	}
	id, err := uuid.Parse(r.ConversationID)
	if err != nil || id == uuid.Nil {
		return out, errors.New("conversation_id must be a valid UUID")
	}
	trace, err := uuid.Parse(r.TraceID)
	if err != nil || trace == uuid.Nil {
		return out, errors.New("trace_id must be a valid UUID")
	}
	out.ConversationID = id
	out.TraceID = trace
	return out, nil
}

func viewOf(conv *conversation.Conversation) conversationView {
	return conversationView{
		ID:        conv.ID.String(),
		Status:    string(conv.Status),
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}
}

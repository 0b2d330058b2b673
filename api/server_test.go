package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"github.com/aibridge/chatrelay/conversation"
	"github.com/aibridge/chatrelay/relay"
)

type fakeRelay struct {
	startFn  func(ctx context.Context, req relay.StreamRequest, emit relay.EmitFunc) error
	cancelFn func(ctx context.Context, id uuid.UUID) error
	gotReq   relay.StreamRequest
	gotID    uuid.UUID
}

func (f *fakeRelay) StartAndStream(ctx context.Context, req relay.StreamRequest, emit relay.EmitFunc) error {
	f.gotReq = req
	if f.startFn != nil {
		return f.startFn(ctx, req, emit)
	}
	return nil
}

func (f *fakeRelay) Cancel(ctx context.Context, id uuid.UUID) error {
	f.gotID = id
	if f.cancelFn != nil {
		return f.cancelFn(ctx, id)
	}
	return nil
}

func newTestServer(t *testing.T, r *fakeRelay) *Server {
	t.Helper()
	s, err := New(log.Context(context.Background()), Options{Relay: r})
	require.NoError(t, err)
	return s
}

func streamBody(conversationID, traceID, content string) string {
	b, _ := json.Marshal(map[string]string{
		"conversation_id": conversationID,
		"trace_id":        traceID,
		"content":         content,
	})
	return string(b)
}

func postStream(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/conversations", strings.NewReader(body))
	req.Header.Set(echoHeaderContentType, "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

func TestStreamEmitsSSEFrames(t *testing.T) {
	fr := &fakeRelay{startFn: func(_ context.Context, _ relay.StreamRequest, emit relay.EmitFunc) error {
		if err := emit(relay.OutputEvent{Kind: relay.KindMessage, Message: json.RawMessage(`{"content":"a"}`)}); err != nil {
			return err
		}
		return emit(relay.OutputEvent{Kind: relay.KindMessage, Message: json.RawMessage(`{"content":"b"}`)})
	}}
	s := newTestServer(t, fr)

	convID, traceID := uuid.New(), uuid.New()
	rec := postStream(t, s, streamBody(convID.String(), traceID.String(), "hello"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	body := rec.Body.String()
	require.Equal(t, "event: message\ndata: {\"content\":\"a\"}\n\nevent: message\ndata: {\"content\":\"b\"}\n\n", body)

	require.Equal(t, convID, fr.gotReq.ConversationID)
	require.Equal(t, traceID, fr.gotReq.TraceID)
	require.Equal(t, "hello", fr.gotReq.Message)
}

func TestStreamForwardsTurnContext(t *testing.T) {
	fr := &fakeRelay{}
	s := newTestServer(t, fr)

	body := map[string]any{
		"conversation_id": uuid.NewString(),
		"trace_id":        uuid.NewString(),
		"content":         "hi",
		"contextual_tools": map[string]any{
			"create_dashboard": map[string]any{"enabled": true},
		},
		"ui_context": map[string]any{"page": "/insights"},
	}
	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	rec := postStream(t, s, string(encoded))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"enabled":true}`, string(fr.gotReq.ContextualTools["create_dashboard"]))
	require.JSONEq(t, `{"page":"/insights"}`, string(fr.gotReq.UIContext))
}

func TestStreamConversationEventFrame(t *testing.T) {
	conv := &conversation.Conversation{
		ID:        uuid.New(),
		Status:    conversation.StatusRunning,
		Title:     "Forecast",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	fr := &fakeRelay{startFn: func(_ context.Context, _ relay.StreamRequest, emit relay.EmitFunc) error {
		return emit(relay.OutputEvent{Kind: relay.KindConversation, Conversation: conv})
	}}
	s := newTestServer(t, fr)

	rec := postStream(t, s, streamBody(uuid.NewString(), uuid.NewString(), "hi"))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "event: message\ndata: "))
	payload := strings.TrimSuffix(strings.TrimPrefix(body, "event: message\ndata: "), "\n\n")
	var view map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &view))
	require.Equal(t, conv.ID.String(), view["id"])
	require.Equal(t, "running", view["status"])
	require.Equal(t, "Forecast", view["title"])
}

func TestStreamValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"malformed json", "{"},
		{"missing conversation id", streamBody("", uuid.NewString(), "hi")},
		{"bad conversation id", streamBody("not-a-uuid", uuid.NewString(), "hi")},
		{"missing trace id", streamBody(uuid.NewString(), "", "hi")},
		{"oversized content", streamBody(uuid.NewString(), uuid.NewString(), strings.Repeat("x", maxMessageRunes+1))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, &fakeRelay{})
			rec := postStream(t, s, tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestStreamLifecycleRejections(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"busy", conversation.ErrBusy, http.StatusConflict},
		{"nothing to stream", conversation.ErrNothingToStream, http.StatusNotFound},
		{"not found", conversation.ErrNotFound, http.StatusNotFound},
		{"internal", errors.New("temporal unreachable"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fr := &fakeRelay{startFn: func(context.Context, relay.StreamRequest, relay.EmitFunc) error {
				return tc.err
			}}
			s := newTestServer(t, fr)
			rec := postStream(t, s, streamBody(uuid.NewString(), uuid.NewString(), "hi"))
			require.Equal(t, tc.code, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.NotEmpty(t, body["error"])
		})
	}
}

func TestStreamErrorAfterFirstEventKeepsStreamBody(t *testing.T) {
	fr := &fakeRelay{startFn: func(_ context.Context, _ relay.StreamRequest, emit relay.EmitFunc) error {
		if err := emit(relay.OutputEvent{Kind: relay.KindMessage, Message: json.RawMessage(`"a"`)}); err != nil {
			return err
		}
		return errors.New("client disconnected")
	}}
	s := newTestServer(t, fr)

	rec := postStream(t, s, streamBody(uuid.NewString(), uuid.NewString(), "hi"))
	// The SSE response was already committed; no error JSON may follow.
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "error")
}

func TestCancel(t *testing.T) {
	fr := &fakeRelay{}
	s := newTestServer(t, fr)

	id := uuid.New()
	req := httptest.NewRequest(http.MethodPatch, fmt.Sprintf("/conversations/%s/cancel", id), nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, id, fr.gotID)
}

func TestCancelInvalidID(t *testing.T) {
	s := newTestServer(t, &fakeRelay{})
	req := httptest.NewRequest(http.MethodPatch, "/conversations/nope/cancel", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelUnknownConversation(t *testing.T) {
	fr := &fakeRelay{cancelFn: func(context.Context, uuid.UUID) error {
		return conversation.ErrNotFound
	}}
	s := newTestServer(t, fr)
	req := httptest.NewRequest(http.MethodPatch, fmt.Sprintf("/conversations/%s/cancel", uuid.New()), nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, &fakeRelay{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

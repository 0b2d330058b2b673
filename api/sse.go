package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/aibridge/chatrelay/relay"
)

// streamWriter frames relay output as Server-Sent Events. Headers are sent
// lazily on the first event so lifecycle rejections can still use regular
// status codes.
type streamWriter struct {
	resp   *echo.Response
	opened bool
}

func newStreamWriter(resp *echo.Response) *streamWriter {
	return &streamWriter{resp: resp}
}

// emit implements relay.EmitFunc.
func (w *streamWriter) emit(ev relay.OutputEvent) error {
	if !w.opened {
		h := w.resp.Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.resp.WriteHeader(http.StatusOK)
		w.opened = true
	}

	var data []byte
	switch ev.Kind {
	case relay.KindMessage:
		data = ev.Message
	case relay.KindConversation:
		encoded, err := json.Marshal(viewOf(ev.Conversation))
		if err != nil {
			return fmt.Errorf("encode conversation event: %w", err)
		}
		data = encoded
	default:
		return fmt.Errorf("unsupported output kind %d", ev.Kind)
	}

	if _, err := fmt.Fprintf(w.resp, "event: message\ndata: %s\n\n", data); err != nil {
		return err
	}
	w.resp.Flush()
	return nil
}

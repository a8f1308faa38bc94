package chat

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Frame is one SSE payload. Exactly one of the fields is meaningful per
// frame: the conversation id announcement, a content delta, the final
// done marker, or a typed error.
type Frame struct {
	ConversationID int64  `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
	Done           bool   `json:"done,omitempty"`
	Error          string `json:"error,omitempty"`
	Code           int    `json:"code,omitempty"`
}

// frameWriter serializes frames as `data: <json>` line pairs and flushes
// after every frame so deltas reach the client as they arrive.
type frameWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newFrameWriter(w http.ResponseWriter) *frameWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)
	return &frameWriter{w: w, flusher: flusher}
}

func (fw *frameWriter) send(f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(fw.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if fw.flusher != nil {
		fw.flusher.Flush()
	}
	return nil
}

package propagation

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// EventStream frames stream output as text/event-stream and flushes after
// every frame.
type EventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewEventStream writes the event-stream headers and the status line.
func NewEventStream(w http.ResponseWriter) (*EventStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &EventStream{w: w, flusher: flusher}, nil
}

func (e *EventStream) Data(payload []byte) error {
	var buf bytes.Buffer
	for _, line := range bytes.Split(payload, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return e.write(buf.Bytes())
}

func (e *EventStream) Comment(text string) error {
	text = strings.ReplaceAll(text, "\n", " ")
	return e.write([]byte(fmt.Sprintf(": %s\n\n", text)))
}

func (e *EventStream) write(b []byte) error {
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

// ABOUTME: Minimal Server-Sent Events reader and writer
// ABOUTME: Joins multi-line data fields and dispatches one payload per blank-line terminated event

package a2a

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxEventSize bounds a single SSE line; inline file bytes can be large.
const maxEventSize = 16 << 20

// readSSE calls fn with the data payload of every event in body.
func readSSE(ctx context.Context, body io.Reader, fn func(data string) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var dataLines []string
	dispatch := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		data := strings.Join(dataLines, "\n")
		dataLines = nil
		return fn(data)
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()
		if line == "" {
			if err := dispatch(); err != nil {
				return err
			}
			continue
		}
		// Comments keep the connection alive.
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading event stream: %w", err)
	}
	// A final event without a trailing blank line still counts.
	return dispatch()
}

// StreamWriter emits JSON-RPC results as Server-Sent Events. It is used by
// agents built on this package.
type StreamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	id      json.RawMessage
}

// NewStreamWriter prepares w for an event stream answering request id.
func NewStreamWriter(w http.ResponseWriter, id json.RawMessage) (*StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &StreamWriter{w: w, flusher: flusher, id: id}, nil
}

// Send writes one event.
func (s *StreamWriter) Send(ev StreamEvent) error {
	result, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(rpcResponse{JSONRPC: "2.0", ID: s.id, Result: result})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

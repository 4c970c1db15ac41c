// ABOUTME: Server-side helpers for agents that answer JSON-RPC message calls
// ABOUTME: Used by the echo agent and by tests that stand in for remote agents

package a2a

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Request is an inbound message/send or message/stream call.
type Request struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params MessageSendParams `json:"params"`
}

// DecodeRequest parses a JSON-RPC request body.
func DecodeRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("decoding json-rpc request: %w", err)
	}
	if req.Method != MethodSend && req.Method != MethodStream {
		return nil, fmt.Errorf("unsupported method %q", req.Method)
	}
	return &req, nil
}

// WriteResult answers a message/send call with a single result.
func WriteResult(w http.ResponseWriter, id json.RawMessage, ev StreamEvent) error {
	result, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

// WriteError answers a call with a JSON-RPC error object.
func WriteError(w http.ResponseWriter, id json.RawMessage, code int, message string) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}})
}

// ServeCard returns a handler that publishes card at the well-known paths.
func ServeCard(card AgentCard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(card)
	}
}

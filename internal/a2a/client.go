// ABOUTME: HTTP client for remote agents: card discovery and JSON-RPC message calls
// ABOUTME: message/stream responses are consumed as Server-Sent Events

package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
)

const (
	// WellKnownCardPath is where an agent publishes its card.
	WellKnownCardPath = "/.well-known/agent-card.json"

	// LegacyCardPath is tried when an agent does not serve WellKnownCardPath.
	LegacyCardPath = "/.well-known/agent.json"

	MethodSend   = "message/send"
	MethodStream = "message/stream"
)

// ErrEmptyResult is returned when a JSON-RPC response has neither result nor error.
var ErrEmptyResult = errors.New("json-rpc response has no result")

// RPCError is a JSON-RPC error object returned by a remote agent.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("agent returned json-rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Client talks to remote agents over HTTP.
type Client struct {
	http   *http.Client
	logger *slog.Logger
	nextID atomic.Int64
}

// NewClient creates a Client. A nil httpClient uses a client with no
// timeout, since streams may legitimately stay open for a long time.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:   httpClient,
		logger: logger.With("component", "a2a"),
	}
}

// NormalizeURL adds an http scheme when missing and trims trailing slashes.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "http://" + u
	}
	return strings.TrimRight(u, "/")
}

// FetchCard retrieves the agent card published under baseURL.
func (c *Client) FetchCard(ctx context.Context, baseURL string) (AgentCard, error) {
	base := NormalizeURL(baseURL)
	if base == "" {
		return AgentCard{}, errors.New("agent url is empty")
	}

	card, status, err := c.getCard(ctx, base+WellKnownCardPath)
	if err == nil {
		return card, nil
	}
	if status != http.StatusNotFound {
		return AgentCard{}, err
	}

	c.logger.Debug("well-known card not found, trying legacy path", "url", base)
	card, _, err = c.getCard(ctx, base+LegacyCardPath)
	return card, err
}

func (c *Client) getCard(ctx context.Context, url string) (AgentCard, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return AgentCard{}, 0, fmt.Errorf("building card request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return AgentCard{}, 0, fmt.Errorf("fetching agent card: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return AgentCard{}, resp.StatusCode, fmt.Errorf("agent card request returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return AgentCard{}, resp.StatusCode, fmt.Errorf("decoding agent card: %w", err)
	}
	return card, resp.StatusCode, nil
}

// SendMessage performs a blocking message/send call and returns its single result.
func (c *Client) SendMessage(ctx context.Context, endpoint string, params MessageSendParams) (StreamEvent, error) {
	resp, err := c.post(ctx, endpoint, MethodSend, params, "application/json")
	if err != nil {
		return StreamEvent{}, err
	}
	defer resp.Body.Close()

	var rpc rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return StreamEvent{}, fmt.Errorf("decoding json-rpc response: %w", err)
	}
	return decodeResult(rpc)
}

// StreamMessage performs a message/stream call and invokes fn for every
// event until the stream closes, fn returns an error, or ctx is done.
// Returning ErrStopStream from fn ends the stream without error.
func (c *Client) StreamMessage(ctx context.Context, endpoint string, params MessageSendParams, fn func(StreamEvent) error) error {
	resp, err := c.post(ctx, endpoint, MethodStream, params, "text/event-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Agents that answer a stream request with a plain JSON body are treated
	// as a one-event stream.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var rpc rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
			return fmt.Errorf("decoding json-rpc response: %w", err)
		}
		ev, err := decodeResult(rpc)
		if err != nil {
			return err
		}
		return stopOK(fn(ev))
	}

	err = readSSE(ctx, resp.Body, func(data string) error {
		var rpc rpcResponse
		if err := json.Unmarshal([]byte(data), &rpc); err != nil {
			return fmt.Errorf("decoding stream event: %w", err)
		}
		ev, err := decodeResult(rpc)
		if err != nil {
			return err
		}
		return fn(ev)
	})
	return stopOK(err)
}

// ErrStopStream may be returned by a StreamMessage callback to stop reading.
var ErrStopStream = errors.New("stop stream")

func stopOK(err error) error {
	if errors.Is(err, ErrStopStream) {
		return nil
	}
	return err
}

func (c *Client) post(ctx context.Context, endpoint, method string, params any, accept string) (*http.Response, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s returned status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func decodeResult(rpc rpcResponse) (StreamEvent, error) {
	if rpc.Error != nil {
		return StreamEvent{}, rpc.Error
	}
	if len(rpc.Result) == 0 || string(rpc.Result) == "null" {
		return StreamEvent{}, ErrEmptyResult
	}
	var ev StreamEvent
	if err := json.Unmarshal(rpc.Result, &ev); err != nil {
		return StreamEvent{}, fmt.Errorf("decoding result: %w", err)
	}
	return ev, nil
}

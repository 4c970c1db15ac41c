// ABOUTME: LLM-backed routing over an OpenAI-compatible chat completions API
// ABOUTME: The model picks a host tool and target agent or answers with a clarifying question

package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/2389/conclave/internal/a2a"
)

// ErrNoChoices is returned when the model response is empty.
var ErrNoChoices = errors.New("model returned no choices")

// OpenAIClient is the subset of the go-openai client the policy needs.
type OpenAIClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewOpenAIClient builds a client for apiKey. An empty baseURL keeps the
// library default.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// LLMPolicy asks a chat model to choose among the registered agents.
type LLMPolicy struct {
	client OpenAIClient
	model  string
	logger *slog.Logger
}

// NewLLMPolicy creates an LLM policy for model.
func NewLLMPolicy(client OpenAIClient, model string, logger *slog.Logger) *LLMPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMPolicy{
		client: client,
		model:  model,
		logger: logger.With("component", "llm-policy"),
	}
}

// Name implements Policy.
func (p *LLMPolicy) Name() string { return "llm" }

// Decide implements Policy.
func (p *LLMPolicy) Decide(ctx context.Context, text string, agents []a2a.AgentCard) (Decision, error) {
	if len(agents) == 0 {
		return Decision{Clarification: ClarificationText(agents), Reason: "no agents"}, nil
	}

	req := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(agents)},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Tools: hostTools(),
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Decision{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Decision{}, ErrNoChoices
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) == 0 {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			content = ClarificationText(agents)
		}
		return Decision{Clarification: content, Reason: "model asked for clarification"}, nil
	}

	call := msg.ToolCalls[0]
	var args struct {
		AgentURL string `json:"agent_url"`
		TaskID   string `json:"task_id"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		return Decision{}, fmt.Errorf("decoding %s arguments: %w", call.Function.Name, err)
	}

	switch call.Function.Name {
	case ToolSendMessage, ToolGetTaskStatus, ToolCancelTask:
	default:
		return Decision{}, fmt.Errorf("model called unknown tool %q", call.Function.Name)
	}

	url := a2a.NormalizeURL(args.AgentURL)
	if !knownAgent(agents, url) {
		p.logger.Warn("model chose unregistered agent", "agent_url", args.AgentURL)
		return Decision{
			Clarification: ClarificationText(agents),
			Reason:        "model chose unregistered agent " + args.AgentURL,
		}, nil
	}

	d := Decision{
		Tool:     call.Function.Name,
		AgentURL: url,
		TaskID:   args.TaskID,
		Reason:   "model tool call",
	}
	if d.Tool == ToolSendMessage {
		d.Message = strings.TrimSpace(args.Message)
	}
	return d, nil
}

func knownAgent(agents []a2a.AgentCard, url string) bool {
	for _, a := range agents {
		if a.URL == url {
			return true
		}
	}
	return false
}

func systemPrompt(agents []a2a.AgentCard) string {
	var b strings.Builder
	b.WriteString("You route user requests to remote agents.\n")
	b.WriteString("Call send_message with the agent_url of the agent best suited to the request.\n")
	b.WriteString("Call get_task_status or cancel_task only when the user asks about an existing task.\n")
	b.WriteString("If no agent fits or the request is unclear, reply with a short question instead of calling a tool.\n\n")
	b.WriteString("Agents:\n")
	for _, a := range agents {
		fmt.Fprintf(&b, "- url: %s\n  name: %s\n  description: %s\n", a.URL, a.Name, a.Description)
		for _, s := range a.Skills {
			fmt.Fprintf(&b, "  skill: %s (%s)", s.Name, strings.Join(s.Tags, ", "))
			if s.Description != "" {
				fmt.Fprintf(&b, ": %s", s.Description)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func hostTools() []openai.Tool {
	agentURL := jsonschema.Definition{Type: jsonschema.String, Description: "URL of the registered agent"}
	taskID := jsonschema.Definition{Type: jsonschema.String, Description: "ID of an existing task"}
	return []openai.Tool{
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ToolSendMessage,
				Description: "Forward the user's message to a remote agent",
				Parameters: jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						"agent_url": agentURL,
						"message":   {Type: jsonschema.String, Description: "What the agent should do, rewritten for it. Omit to forward the user's words"},
					},
					Required: []string{"agent_url"},
				},
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ToolGetTaskStatus,
				Description: "Look up the status of a task on a remote agent",
				Parameters: jsonschema.Definition{
					Type:       jsonschema.Object,
					Properties: map[string]jsonschema.Definition{"agent_url": agentURL, "task_id": taskID},
					Required:   []string{"agent_url", "task_id"},
				},
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ToolCancelTask,
				Description: "Cancel a task on a remote agent",
				Parameters: jsonschema.Definition{
					Type:       jsonschema.Object,
					Properties: map[string]jsonschema.Definition{"agent_url": agentURL, "task_id": taskID},
					Required:   []string{"agent_url", "task_id"},
				},
			},
		},
	}
}

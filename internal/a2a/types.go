// ABOUTME: Wire types for the agent-to-agent protocol spoken by remote agents
// ABOUTME: Defines agent cards, messages, parts, tasks, and streamed task events

package a2a

import (
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// ParseRole normalizes a caller-supplied role. Returns false for anything
// other than user or agent.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, true
	case RoleAgent:
		return RoleAgent, true
	}
	return "", false
}

// TaskState is the lifecycle state of a remote task.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateFailed        TaskState = "failed"
	TaskStateUnknown       TaskState = "unknown"
	TaskStateRejected      TaskState = "rejected"
	TaskStateAuthRequired  TaskState = "auth-required"
)

// Terminal reports whether no further update may be applied to a task in
// this state. input-required counts as terminal for a single send: the agent
// is waiting on the user and the stream is done.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateCanceled, TaskStateFailed,
		TaskStateInputRequired, TaskStateUnknown,
		TaskStateRejected, TaskStateAuthRequired:
		return true
	}
	return false
}

// AgentCard describes a remote agent and what it can do.
type AgentCard struct {
	URL                string            `json:"url"`
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	Version            string            `json:"version"`
	Capabilities       AgentCapabilities `json:"capabilities"`
	DefaultInputModes  []string          `json:"defaultInputModes"`
	DefaultOutputModes []string          `json:"defaultOutputModes"`
	Skills             []AgentSkill      `json:"skills"`
}

// AgentCapabilities are the optional protocol features an agent supports.
type AgentCapabilities struct {
	Streaming              bool `json:"streaming,omitempty"`
	PushNotifications      bool `json:"pushNotifications,omitempty"`
	StateTransitionHistory bool `json:"stateTransitionHistory,omitempty"`
}

// AgentSkill is one advertised capability of an agent.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Examples    []string `json:"examples,omitempty"`
	InputModes  []string `json:"inputModes,omitempty"`
	OutputModes []string `json:"outputModes,omitempty"`
}

// PlaceholderCard is registered for an agent whose card could not be fetched.
func PlaceholderCard(url string) AgentCard {
	return AgentCard{
		URL:                url,
		Name:               "Unknown Agent",
		Description:        "Could not fetch agent card",
		Version:            "0.0.0",
		DefaultInputModes:  []string{},
		DefaultOutputModes: []string{},
		Skills:             []AgentSkill{},
	}
}

// Clone returns a deep copy of the card.
func (c AgentCard) Clone() AgentCard {
	out := c
	out.DefaultInputModes = append([]string{}, c.DefaultInputModes...)
	out.DefaultOutputModes = append([]string{}, c.DefaultOutputModes...)
	out.Skills = make([]AgentSkill, len(c.Skills))
	for i, s := range c.Skills {
		s.Tags = append([]string(nil), s.Tags...)
		s.Examples = append([]string(nil), s.Examples...)
		s.InputModes = append([]string(nil), s.InputModes...)
		s.OutputModes = append([]string(nil), s.OutputModes...)
		out.Skills[i] = s
	}
	return out
}

// Message is a single turn exchanged between a user and an agent.
type Message struct {
	MessageID string         `json:"messageId"`
	ContextID string         `json:"contextId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Role      Role           `json:"role"`
	Parts     []Part         `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy of the message whose parts can be rewritten without
// touching the original.
func (m Message) Clone() Message {
	out := m
	out.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		out.Parts[i] = p.Clone()
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var texts []string
	for _, p := range m.Parts {
		if p.Kind == PartKindText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// TaskStatus is the current state of a task plus an optional agent message.
type TaskStatus struct {
	State     TaskState  `json:"state"`
	Message   *Message   `json:"message,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Artifact is an output produced by a task.
type Artifact struct {
	ArtifactID  string `json:"artifactId"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Parts       []Part `json:"parts"`
}

// Task is a unit of work tracked by a remote agent.
type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"contextId"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	History   []Message  `json:"history,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.Status.Message != nil {
		msg := t.Status.Message.Clone()
		out.Status.Message = &msg
	}
	out.Artifacts = make([]Artifact, len(t.Artifacts))
	for i, a := range t.Artifacts {
		parts := make([]Part, len(a.Parts))
		for j, p := range a.Parts {
			parts[j] = p.Clone()
		}
		a.Parts = parts
		out.Artifacts[i] = a
	}
	out.History = make([]Message, len(t.History))
	for i, h := range t.History {
		out.History[i] = h.Clone()
	}
	return &out
}

// TaskStatusUpdateEvent reports a status change for a task.
type TaskStatusUpdateEvent struct {
	TaskID    string     `json:"taskId"`
	ContextID string     `json:"contextId"`
	Status    TaskStatus `json:"status"`
	Final     bool       `json:"final,omitempty"`
}

// TaskArtifactUpdateEvent delivers a new or extended artifact for a task.
type TaskArtifactUpdateEvent struct {
	TaskID    string   `json:"taskId"`
	ContextID string   `json:"contextId"`
	Artifact  Artifact `json:"artifact"`
	Append    bool     `json:"append,omitempty"`
	LastChunk bool     `json:"lastChunk,omitempty"`
}

// MessageSendParams is the params object of message/send and message/stream.
type MessageSendParams struct {
	Message  Message        `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ABOUTME: Store interface and record types for conversations, messages, tasks, and events
// ABOUTME: Implementations must let writers to different conversations proceed independently

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/conclave/internal/a2a"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when a message ID has already been stored
var ErrDuplicateMessage = errors.New("message already exists")

// Conversation is a named sequence of messages.
type Conversation struct {
	ID         string    `json:"conversation_id"`
	Name       string    `json:"name"`
	IsActive   bool      `json:"is_active"`
	MessageIDs []string  `json:"message_ids"`
	CreatedAt  time.Time `json:"created_at"`
}

// Task is a remote task snapshot tracked against a conversation.
type Task struct {
	a2a.Task
	ConversationID string    `json:"conversation_id"`
	AgentURL       string    `json:"agent_url,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Event is an immutable audit record.
type Event struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Actor          string      `json:"actor"`
	Role           a2a.Role    `json:"role"`
	Content        a2a.Message `json:"content"`
	Timestamp      time.Time   `json:"timestamp"`

	seq uint64
}

// PendingMessage reports progress on a message still being processed.
type PendingMessage struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`

	seq uint64
}

// Store holds conversation and task state for the lifetime of the process.
type Store interface {
	CreateConversation(ctx context.Context, name string) (*Conversation, error)
	DeleteConversation(ctx context.Context, id string) (bool, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]*Conversation, error)

	// AddMessage appends msg to the conversation named by msg.ContextID.
	AddMessage(ctx context.Context, msg a2a.Message) error
	// ListMessages returns messages in insertion order.
	ListMessages(ctx context.Context, conversationID string) ([]a2a.Message, error)

	// UpsertTask replaces the stored snapshot unless the stored task is
	// already terminal. It reports whether the snapshot was applied.
	UpsertTask(ctx context.Context, task *Task) (bool, error)
	GetTask(ctx context.Context, conversationID, taskID string) (*Task, error)
	ListTasks(ctx context.Context) ([]*Task, error)

	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context) ([]*Event, error)

	SetPending(ctx context.Context, messageID, conversationID, status string) error
	ClearPending(ctx context.Context, messageID string) error
	ListPending(ctx context.Context) ([]PendingMessage, error)
}

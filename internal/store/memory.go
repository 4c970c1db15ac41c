// ABOUTME: In-memory Store with one lock per conversation
// ABOUTME: The global lock only guards the conversation index, never per-conversation writes

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/conclave/internal/a2a"
)

type conversationEntry struct {
	mu        sync.Mutex
	deleted   bool
	conv      Conversation
	messages  []a2a.Message
	tasks     map[string]*Task
	taskOrder []string
	events    []*Event
}

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversationEntry
	order         []string

	messageIDs sync.Map // message ID -> conversation ID
	pending    sync.Map // message ID -> PendingMessage

	seq atomic.Uint64
	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*conversationEntry),
		now:           time.Now,
	}
}

// entry looks up a live conversation. The caller must lock the entry before
// reading or writing it and re-check deleted.
func (m *MemoryStore) entry(id string) (*conversationEntry, error) {
	m.mu.RLock()
	e, ok := m.conversations[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return e, nil
}

// CreateConversation starts a new, active conversation.
func (m *MemoryStore) CreateConversation(ctx context.Context, name string) (*Conversation, error) {
	e := &conversationEntry{
		conv: Conversation{
			ID:         uuid.New().String(),
			Name:       name,
			IsActive:   true,
			MessageIDs: []string{},
			CreatedAt:  m.now(),
		},
		tasks: make(map[string]*Task),
	}

	m.mu.Lock()
	m.conversations[e.conv.ID] = e
	m.order = append(m.order, e.conv.ID)
	m.mu.Unlock()

	c := e.conv
	return &c, nil
}

// DeleteConversation removes a conversation with its messages and tasks.
// Returns false if the conversation did not exist.
func (m *MemoryStore) DeleteConversation(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	e, ok := m.conversations[id]
	if ok {
		delete(m.conversations, id)
		for i, cid := range m.order {
			if cid == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	e.mu.Lock()
	e.deleted = true
	ids := e.conv.MessageIDs
	e.mu.Unlock()

	for _, mid := range ids {
		m.messageIDs.Delete(mid)
		m.pending.Delete(mid)
	}
	return true, nil
}

// GetConversation returns a copy of the conversation.
func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return e.snapshot(), nil
}

func (e *conversationEntry) snapshot() *Conversation {
	c := e.conv
	c.MessageIDs = append([]string{}, e.conv.MessageIDs...)
	return &c
}

// ListConversations returns all conversations in creation order.
func (m *MemoryStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	entries := m.entries()
	out := make([]*Conversation, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			out = append(out, e.snapshot())
		}
		e.mu.Unlock()
	}
	return out, nil
}

func (m *MemoryStore) entries() []*conversationEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*conversationEntry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.conversations[id])
	}
	return out
}

// AddMessage appends msg to its conversation. Message IDs are unique across
// all conversations.
func (m *MemoryStore) AddMessage(ctx context.Context, msg a2a.Message) error {
	if msg.MessageID == "" {
		return fmt.Errorf("message id is required")
	}
	e, err := m.entry(msg.ContextID)
	if err != nil {
		return err
	}
	if _, loaded := m.messageIDs.LoadOrStore(msg.MessageID, msg.ContextID); loaded {
		return fmt.Errorf("message %s: %w", msg.MessageID, ErrDuplicateMessage)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		m.messageIDs.Delete(msg.MessageID)
		return fmt.Errorf("conversation %s: %w", msg.ContextID, ErrNotFound)
	}
	e.messages = append(e.messages, msg.Clone())
	e.conv.MessageIDs = append(e.conv.MessageIDs, msg.MessageID)
	return nil
}

// ListMessages returns copies of the conversation's messages in insertion order.
func (m *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]a2a.Message, error) {
	e, err := m.entry(conversationID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	out := make([]a2a.Message, len(e.messages))
	for i, msg := range e.messages {
		out[i] = msg.Clone()
	}
	return out, nil
}

// UpsertTask stores a task snapshot. Once a task is terminal, later
// snapshots are ignored and false is returned.
func (m *MemoryStore) UpsertTask(ctx context.Context, task *Task) (bool, error) {
	if task == nil || task.ID == "" {
		return false, fmt.Errorf("task id is required")
	}
	e, err := m.entry(task.ConversationID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return false, fmt.Errorf("conversation %s: %w", task.ConversationID, ErrNotFound)
	}

	existing, ok := e.tasks[task.ID]
	if ok && existing.Status.State.Terminal() {
		return false, nil
	}

	t := &Task{
		Task:           *task.Task.Clone(),
		ConversationID: task.ConversationID,
		AgentURL:       task.AgentURL,
		UpdatedAt:      m.now(),
	}
	if t.AgentURL == "" && ok {
		t.AgentURL = existing.AgentURL
	}
	if !ok {
		e.taskOrder = append(e.taskOrder, task.ID)
	}
	e.tasks[task.ID] = t
	return true, nil
}

// GetTask returns a copy of a task.
func (m *MemoryStore) GetTask(ctx context.Context, conversationID, taskID string) (*Task, error) {
	e, err := m.entry(conversationID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok || e.deleted {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return copyTask(t), nil
}

func copyTask(t *Task) *Task {
	out := *t
	out.Task = *t.Task.Clone()
	return &out
}

// ListTasks returns every task, grouped by conversation in creation order.
func (m *MemoryStore) ListTasks(ctx context.Context) ([]*Task, error) {
	var out []*Task
	for _, e := range m.entries() {
		e.mu.Lock()
		if !e.deleted {
			for _, id := range e.taskOrder {
				out = append(out, copyTask(e.tasks[id]))
			}
		}
		e.mu.Unlock()
	}
	if out == nil {
		out = []*Task{}
	}
	return out, nil
}

// AppendEvent records an event against its conversation.
func (m *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	e, err := m.entry(event.ConversationID)
	if err != nil {
		return err
	}

	ev := *event
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	ev.Content = event.Content.Clone()
	ev.seq = m.seq.Add(1)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return fmt.Errorf("conversation %s: %w", event.ConversationID, ErrNotFound)
	}
	e.events = append(e.events, &ev)
	return nil
}

// ListEvents returns all events in the order they were appended.
func (m *MemoryStore) ListEvents(ctx context.Context) ([]*Event, error) {
	out := []*Event{}
	for _, e := range m.entries() {
		e.mu.Lock()
		if !e.deleted {
			for _, ev := range e.events {
				c := *ev
				c.Content = ev.Content.Clone()
				out = append(out, &c)
			}
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out, nil
}

// SetPending records or updates the progress text for a message.
func (m *MemoryStore) SetPending(ctx context.Context, messageID, conversationID, status string) error {
	p := PendingMessage{MessageID: messageID, ConversationID: conversationID, Status: status}
	if prev, ok := m.pending.Load(messageID); ok {
		p.seq = prev.(PendingMessage).seq
	} else {
		p.seq = m.seq.Add(1)
	}
	m.pending.Store(messageID, p)
	return nil
}

// ClearPending drops the progress entry for a message.
func (m *MemoryStore) ClearPending(ctx context.Context, messageID string) error {
	m.pending.Delete(messageID)
	return nil
}

// ListPending returns pending messages in the order they were first marked.
func (m *MemoryStore) ListPending(ctx context.Context) ([]PendingMessage, error) {
	out := []PendingMessage{}
	m.pending.Range(func(_, v any) bool {
		out = append(out, v.(PendingMessage))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out, nil
}

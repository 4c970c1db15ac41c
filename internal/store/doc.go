// Package store holds conversation state and remembered agent cards.
//
// # Conversations
//
// Store is the interface the orchestration layer writes through. MemoryStore
// is the only implementation: conversations, their messages, tasks, events
// and the pending-message table all live in process memory. The store lock
// guards the conversation index and each conversation carries its own lock.
//
//   - Conversation: an ordered message list plus the tasks opened inside it
//   - Task: the latest snapshot of a remote agent task, keyed by conversation
//   - Event: one recorded message with its author (user or agent name)
//   - PendingMessage: a message id whose routing has not yet finished
//
// Messages are appended in arrival order and message ids are unique across
// the store. UpsertTask replaces an existing task by id and reports whether
// it was new. Deleting a conversation drops its messages, tasks and events
// and frees its message ids. ListEvents merges every conversation's events
// in append order.
//
// Every getter returns copies, so callers can hold results while writers
// keep going.
//
// # Agent cards
//
// SQLiteCardStore persists registered agent cards keyed by URL so a restarted
// host can re-register them. It uses the pure-Go modernc.org/sqlite driver in
// WAL mode:
//
//	PRAGMA journal_mode=WAL;
//
// Use ":memory:" in tests.
//
// # Errors
//
//   - ErrNotFound: conversation or task does not exist
//   - ErrDuplicateMessage: message id already stored
//
// All methods accept context.Context for cancellation support.
package store

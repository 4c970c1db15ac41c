// ABOUTME: StreamEvent decodes one result from message/send or message/stream
// ABOUTME: Results are discriminated by kind: task, message, status-update, artifact-update

package a2a

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates the result union returned by a remote agent.
type EventKind string

const (
	EventKindTask           EventKind = "task"
	EventKindMessage        EventKind = "message"
	EventKindStatusUpdate   EventKind = "status-update"
	EventKindArtifactUpdate EventKind = "artifact-update"
)

// StreamEvent holds exactly one of its pointer fields, selected by Kind.
type StreamEvent struct {
	Kind           EventKind
	Task           *Task
	Message        *Message
	StatusUpdate   *TaskStatusUpdateEvent
	ArtifactUpdate *TaskArtifactUpdateEvent
}

// UnmarshalJSON dispatches on the kind field. Results without a kind are
// classified by shape so older agents still decode.
func (e *StreamEvent) UnmarshalJSON(b []byte) error {
	var head struct {
		Kind      EventKind       `json:"kind"`
		ID        string          `json:"id"`
		MessageID string          `json:"messageId"`
		Artifact  json.RawMessage `json:"artifact"`
		Status    json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}

	kind := head.Kind
	if kind == "" {
		switch {
		case head.MessageID != "":
			kind = EventKindMessage
		case len(head.Artifact) > 0:
			kind = EventKindArtifactUpdate
		case head.ID != "":
			kind = EventKindTask
		case len(head.Status) > 0:
			kind = EventKindStatusUpdate
		}
	}

	*e = StreamEvent{Kind: kind}
	switch kind {
	case EventKindTask:
		e.Task = &Task{}
		return json.Unmarshal(b, e.Task)
	case EventKindMessage:
		e.Message = &Message{}
		return json.Unmarshal(b, e.Message)
	case EventKindStatusUpdate:
		e.StatusUpdate = &TaskStatusUpdateEvent{}
		return json.Unmarshal(b, e.StatusUpdate)
	case EventKindArtifactUpdate:
		e.ArtifactUpdate = &TaskArtifactUpdateEvent{}
		return json.Unmarshal(b, e.ArtifactUpdate)
	}
	return fmt.Errorf("unknown stream event kind %q", kind)
}

// MarshalJSON writes the populated member with its kind discriminator.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	var body any
	switch e.Kind {
	case EventKindTask:
		body = struct {
			Kind EventKind `json:"kind"`
			*Task
		}{e.Kind, e.Task}
	case EventKindMessage:
		body = struct {
			Kind EventKind `json:"kind"`
			*Message
		}{e.Kind, e.Message}
	case EventKindStatusUpdate:
		body = struct {
			Kind EventKind `json:"kind"`
			*TaskStatusUpdateEvent
		}{e.Kind, e.StatusUpdate}
	case EventKindArtifactUpdate:
		body = struct {
			Kind EventKind `json:"kind"`
			*TaskArtifactUpdateEvent
		}{e.Kind, e.ArtifactUpdate}
	default:
		return nil, fmt.Errorf("unknown stream event kind %q", e.Kind)
	}
	return json.Marshal(body)
}

// TaskEvent wraps a task snapshot.
func TaskEvent(t *Task) StreamEvent { return StreamEvent{Kind: EventKindTask, Task: t} }

// MessageEvent wraps a reply message.
func MessageEvent(m *Message) StreamEvent { return StreamEvent{Kind: EventKindMessage, Message: m} }

// StatusEvent wraps a status update.
func StatusEvent(u *TaskStatusUpdateEvent) StreamEvent {
	return StreamEvent{Kind: EventKindStatusUpdate, StatusUpdate: u}
}

// ArtifactEvent wraps an artifact update.
func ArtifactEvent(u *TaskArtifactUpdateEvent) StreamEvent {
	return StreamEvent{Kind: EventKindArtifactUpdate, ArtifactUpdate: u}
}

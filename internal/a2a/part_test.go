// ABOUTME: Tests for Part and StreamEvent JSON handling
// ABOUTME: Covers kind, legacy type, and root-wrapped part shapes plus event classification

package a2a

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPart_UnmarshalShapes(t *testing.T) {
	tests := []struct {
		name string
		json string
		want Part
	}{
		{
			name: "kind text",
			json: `{"kind":"text","text":"hello"}`,
			want: TextPart("hello"),
		},
		{
			name: "legacy type text",
			json: `{"type":"text","text":"hello"}`,
			want: TextPart("hello"),
		},
		{
			name: "root wrapped",
			json: `{"root":{"kind":"text","text":"write a function"}}`,
			want: TextPart("write a function"),
		},
		{
			name: "inferred data",
			json: `{"data":{"k":"v"}}`,
			want: DataPart(map[string]any{"k": "v"}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Part
			require.NoError(t, json.Unmarshal([]byte(tt.json), &p))
			assert.Equal(t, tt.want, p)
		})
	}
}

func TestPart_FileBytesAreBase64(t *testing.T) {
	p := FilePart("a.png", "image/png", []byte{0x89, 'P', 'N', 'G'})

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"file","file":{"name":"a.png","mimeType":"image/png","bytes":"iVBORw=="}}`, string(b))

	var back Part
	require.NoError(t, json.Unmarshal(b, &back))
	require.NotNil(t, back.File)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, back.File.Bytes)
	assert.True(t, back.File.Inline())
}

func TestPart_UnknownKind(t *testing.T) {
	var p Part
	err := json.Unmarshal([]byte(`{"kind":"video"}`), &p)
	require.ErrorIs(t, err, ErrUnknownPartKind)
}

func TestPart_FileWithoutContent(t *testing.T) {
	var p Part
	require.Error(t, json.Unmarshal([]byte(`{"kind":"file"}`), &p))
}

func TestStreamEvent_Classification(t *testing.T) {
	tests := []struct {
		name string
		json string
		kind EventKind
	}{
		{"explicit task", `{"kind":"task","id":"t1","contextId":"c1","status":{"state":"working"}}`, EventKindTask},
		{"explicit message", `{"kind":"message","messageId":"m1","role":"agent","parts":[]}`, EventKindMessage},
		{"status update", `{"kind":"status-update","taskId":"t1","status":{"state":"completed"},"final":true}`, EventKindStatusUpdate},
		{"artifact update", `{"kind":"artifact-update","taskId":"t1","artifact":{"artifactId":"a","parts":[]}}`, EventKindArtifactUpdate},
		{"task by shape", `{"id":"t1","status":{"state":"submitted"}}`, EventKindTask},
		{"message by shape", `{"messageId":"m1","role":"agent","parts":[{"kind":"text","text":"hi"}]}`, EventKindMessage},
		{"status by shape", `{"taskId":"t1","status":{"state":"working"}}`, EventKindStatusUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ev StreamEvent
			require.NoError(t, json.Unmarshal([]byte(tt.json), &ev))
			assert.Equal(t, tt.kind, ev.Kind)
		})
	}
}

func TestStreamEvent_MarshalCarriesKind(t *testing.T) {
	ev := StatusEvent(&TaskStatusUpdateEvent{TaskID: "t1", Status: TaskStatus{State: TaskStateWorking}})
	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var back StreamEvent
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, EventKindStatusUpdate, back.Kind)
	assert.Equal(t, TaskStateWorking, back.StatusUpdate.Status.State)
}

func TestTaskState_Terminal(t *testing.T) {
	terminal := []TaskState{TaskStateCompleted, TaskStateCanceled, TaskStateFailed, TaskStateInputRequired, TaskStateUnknown}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	for _, s := range []TaskState{TaskStateSubmitted, TaskStateWorking} {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestParseRole(t *testing.T) {
	r, ok := ParseRole(" User ")
	require.True(t, ok)
	assert.Equal(t, RoleUser, r)

	_, ok = ParseRole("system")
	assert.False(t, ok)
}

func TestMessage_CloneIsIndependent(t *testing.T) {
	m := Message{MessageID: "m1", Parts: []Part{FilePart("f", "text/plain", []byte("x"))}}
	c := m.Clone()
	c.Parts[0].File.URI = "/message/file/abc"
	c.Parts[0].File.Bytes = nil

	assert.Empty(t, m.Parts[0].File.URI)
	assert.Equal(t, []byte("x"), m.Parts[0].File.Bytes)
}

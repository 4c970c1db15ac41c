// ABOUTME: Tests for the Fake manager's echo routing and in-memory agent list
// ABOUTME: Exercises the full send-and-poll cycle without any network

package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/conclave/internal/a2a"
	"github.com/2389/conclave/internal/agent"
	"github.com/2389/conclave/internal/store"
)

func startFake(t *testing.T) *Fake {
	t.Helper()
	f := NewFake(store.NewMemoryStore(), Options{MaxInFlight: 8, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = f.Stop(time.Second)
	})
	return f
}

func TestFake_Echoes(t *testing.T) {
	f := startFake(t)
	ctx := context.Background()
	assert.True(t, f.Ready())

	conv, err := f.CreateConversation(ctx)
	require.NoError(t, err)
	_, err = f.SendMessage(ctx, userMessage(conv.ID, "ping"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs, _ := f.Messages(ctx, conv.ID)
		return len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	msgs, _ := f.Messages(ctx, conv.ID)
	assert.Equal(t, "echo: ping", msgs[1].Text())

	tasks, _ := f.Tasks(ctx)
	require.Len(t, tasks, 1)
	assert.Equal(t, a2a.TaskStateCompleted, tasks[0].Status.State)
	assert.Equal(t, EchoAgentURL, tasks[0].AgentURL)
	assert.Equal(t, tasks[0].ID, msgs[1].TaskID)

	events, _ := f.Events(ctx)
	require.Len(t, events, 2)
	assert.Equal(t, "Echo", events[1].Actor)
}

func TestFake_FileOnlyMessage(t *testing.T) {
	f := startFake(t)
	ctx := context.Background()
	conv, _ := f.CreateConversation(ctx)

	msg := a2a.Message{ContextID: conv.ID, Role: a2a.RoleUser, Parts: []a2a.Part{a2a.FilePart("a.txt", "text/plain", []byte("hi"))}}
	_, err := f.SendMessage(ctx, msg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs, _ := f.Messages(ctx, conv.ID)
		return len(msgs) == 2 && msgs[1].Text() == "echo: received 1 part(s)"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFake_Agents(t *testing.T) {
	f := startFake(t)
	ctx := context.Background()

	card, err := f.RegisterAgent(ctx, "localhost:9999/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9999", card.URL)

	_, err = f.RegisterAgent(ctx, "http://localhost:9999")
	require.NoError(t, err)
	assert.Len(t, f.Agents(), 1)

	ok, err := f.UnregisterAgent(ctx, "http://never:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, f.Agents(), 1)

	ok, err = f.UnregisterAgent(ctx, "http://localhost:9999")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, f.Agents())

	_, err = f.RegisterAgent(ctx, "")
	assert.ErrorIs(t, err, agent.ErrInvalidURL)
}

func TestFake_DeleteConversation(t *testing.T) {
	f := startFake(t)
	ctx := context.Background()
	conv, _ := f.CreateConversation(ctx)

	ok, err := f.DeleteConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.DeleteConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	convs, _ := f.Conversations(ctx)
	assert.Empty(t, convs)
}

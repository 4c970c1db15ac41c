// ABOUTME: Tests for message recording, dispatch limits, shutdown, and failure bookkeeping
// ABOUTME: Uses scripted routers so each outcome can be produced deterministically

package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/conclave/internal/a2a"
	"github.com/2389/conclave/internal/agent"
	"github.com/2389/conclave/internal/routing"
	"github.com/2389/conclave/internal/store"
	"github.com/2389/conclave/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// routerFunc adapts a function to Router.
type routerFunc func(ctx context.Context, msg a2a.Message, onUpdate func(string, *a2a.Task)) (routing.RouteResult, error)

func (f routerFunc) Route(ctx context.Context, msg a2a.Message, onUpdate func(string, *a2a.Task)) (routing.RouteResult, error) {
	return f(ctx, msg, onUpdate)
}

// gate blocks routing until released and reports when a message arrives.
type gate struct {
	entered chan string
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan string, 16), release: make(chan struct{})}
}

func (g *gate) router(reply string) routerFunc {
	return func(ctx context.Context, msg a2a.Message, _ func(string, *a2a.Task)) (routing.RouteResult, error) {
		g.entered <- msg.MessageID
		select {
		case <-g.release:
		case <-ctx.Done():
			return routing.RouteResult{}, ctx.Err()
		}
		return routing.RouteResult{
			Decision: routing.Decision{Tool: routing.ToolSendMessage, AgentURL: "http://agent"},
			AgentURL: "http://agent",
			Reply:    reply,
		}, nil
	}
}

func startCore(t *testing.T, router Router, limit int) (*core, store.Store) {
	t.Helper()
	c, st, _ := startCancelableCore(t, router, limit)
	return c, st
}

func startCancelableCore(t *testing.T, router Router, limit int) (*core, store.Store, context.CancelFunc) {
	t.Helper()
	st := store.NewMemoryStore()
	c := newCore(st, router, Options{MaxInFlight: limit, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = c.Stop(time.Second)
	})
	return c, st, cancel
}

func userMessage(conversationID, text string) a2a.Message {
	return a2a.Message{ContextID: conversationID, Role: "USER", Parts: []a2a.Part{a2a.TextPart(text)}}
}

func TestSendMessage_VisibleBeforeReply(t *testing.T) {
	g := newGate()
	c, _ := startCore(t, g.router("hi there"), 4)
	ctx := context.Background()

	conv, err := c.CreateConversation(ctx)
	require.NoError(t, err)

	sent, err := c.SendMessage(ctx, userMessage(conv.ID, "hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, sent.MessageID)
	assert.Equal(t, a2a.RoleUser, sent.Role)

	<-g.entered
	msgs, err := c.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text())
	assert.Equal(t, a2a.RoleUser, msgs[0].Role)

	pending, err := c.PendingMessages(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, sent.MessageID, pending[0].MessageID)
	assert.Equal(t, PendingStatus, pending[0].Status)

	close(g.release)
	require.Eventually(t, func() bool {
		msgs, _ := c.Messages(ctx, conv.ID)
		return len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	msgs, _ = c.Messages(ctx, conv.ID)
	assert.Equal(t, a2a.RoleAgent, msgs[1].Role)
	assert.Equal(t, "hi there", msgs[1].Text())
	assert.Equal(t, sent.MessageID, msgs[1].Metadata["in_reply_to"])

	pending, _ = c.PendingMessages(ctx)
	assert.Empty(t, pending)

	events, err := c.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "user", events[0].Actor)
	assert.Equal(t, "host", events[1].Actor)
}

func TestSanitizeMessage(t *testing.T) {
	c, _ := startCore(t, newGate().router(""), 1)
	ctx := context.Background()
	conv, err := c.CreateConversation(ctx)
	require.NoError(t, err)

	tests := []struct {
		name    string
		msg     a2a.Message
		wantErr error
	}{
		{"missing role", a2a.Message{ContextID: conv.ID, Parts: []a2a.Part{a2a.TextPart("x")}}, ErrInvalidMessage},
		{"unknown role", a2a.Message{ContextID: conv.ID, Role: "robot", Parts: []a2a.Part{a2a.TextPart("x")}}, ErrInvalidMessage},
		{"no parts", a2a.Message{ContextID: conv.ID, Role: a2a.RoleUser}, ErrInvalidMessage},
		{"blank text", a2a.Message{ContextID: conv.ID, Role: a2a.RoleUser, Parts: []a2a.Part{a2a.TextPart("  ")}}, ErrInvalidMessage},
		{"no conversation", a2a.Message{Role: a2a.RoleUser, Parts: []a2a.Part{a2a.TextPart("x")}}, ErrInvalidMessage},
		{"unknown conversation", a2a.Message{ContextID: "nope", Role: a2a.RoleUser, Parts: []a2a.Part{a2a.TextPart("x")}}, store.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.SanitizeMessage(ctx, tt.msg)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	in := a2a.Message{
		ContextID: conv.ID,
		Role:      " Agent ",
		Parts:     []a2a.Part{a2a.TextPart(""), a2a.TextPart("keep"), a2a.FilePart("f.png", "image/png", []byte{1})},
	}
	out, err := c.SanitizeMessage(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, a2a.RoleAgent, out.Role)
	assert.NotEmpty(t, out.MessageID)
	require.Len(t, out.Parts, 2)
	assert.Len(t, in.Parts, 3, "input must not be modified")
}

func TestSendMessage_DuplicateID(t *testing.T) {
	g := newGate()
	c, _ := startCore(t, g.router(""), 4)
	ctx := context.Background()
	conv, _ := c.CreateConversation(ctx)

	msg := userMessage(conv.ID, "once")
	msg.MessageID = "fixed"
	_, err := c.SendMessage(ctx, msg)
	require.NoError(t, err)
	_, err = c.SendMessage(ctx, msg)
	assert.ErrorIs(t, err, store.ErrDuplicateMessage)
	close(g.release)
}

func TestSendMessage_AtLimitRecordsFailedTask(t *testing.T) {
	g := newGate()
	c, _ := startCore(t, g.router("late"), 2)
	ctx := context.Background()
	conv, _ := c.CreateConversation(ctx)

	_, err := c.SendMessage(ctx, userMessage(conv.ID, "first"))
	require.NoError(t, err)
	_, err = c.SendMessage(ctx, userMessage(conv.ID, "second"))
	require.NoError(t, err)
	<-g.entered
	<-g.entered // both routing

	third, err := c.SendMessage(ctx, userMessage(conv.ID, "third"))
	require.ErrorIs(t, err, ErrBusy)

	msgs, _ := c.Messages(ctx, conv.ID)
	assert.Len(t, msgs, 3, "rejected message is still recorded")

	tasks, _ := c.Tasks(ctx)
	require.Len(t, tasks, 1)
	assert.Equal(t, a2a.TaskStateFailed, tasks[0].Status.State)
	assert.Equal(t, conv.ID, tasks[0].ConversationID)

	pending, _ := c.PendingMessages(ctx)
	for _, p := range pending {
		assert.NotEqual(t, third.MessageID, p.MessageID)
	}
	close(g.release)
}

func TestProcessMessage_TransportFailure(t *testing.T) {
	boom := errors.New("connection refused")
	router := routerFunc(func(_ context.Context, msg a2a.Message, onUpdate func(string, *a2a.Task)) (routing.RouteResult, error) {
		return routing.RouteResult{AgentURL: "http://down"}, fmt.Errorf("sending to http://down: %w", boom)
	})
	c, _ := startCore(t, router, 4)
	ctx := context.Background()
	conv, _ := c.CreateConversation(ctx)

	sent, err := c.SendMessage(ctx, userMessage(conv.ID, "hello"))
	require.NoError(t, err)

	var tasks []*store.Task
	require.Eventually(t, func() bool {
		tasks, _ = c.Tasks(ctx)
		return len(tasks) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, a2a.TaskStateFailed, tasks[0].Status.State)
	assert.Equal(t, "http://down", tasks[0].AgentURL)
	assert.Contains(t, tasks[0].Status.Message.Text(), "connection refused")

	require.Eventually(t, func() bool {
		pending, _ := c.PendingMessages(ctx)
		return len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)

	msgs, _ := c.Messages(ctx, conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.MessageID, msgs[0].MessageID)
}

func TestProcessMessage_StreamIncompleteIsUnknown(t *testing.T) {
	router := routerFunc(func(_ context.Context, msg a2a.Message, onUpdate func(string, *a2a.Task)) (routing.RouteResult, error) {
		task := &a2a.Task{ID: "t1", ContextID: msg.ContextID, Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}
		onUpdate("http://flaky", task)
		return routing.RouteResult{AgentURL: "http://flaky", Task: task}, fmt.Errorf("sending: %w", agent.ErrStreamIncomplete)
	})
	c, st := startCore(t, router, 4)
	ctx := context.Background()
	conv, _ := c.CreateConversation(ctx)

	msg, err := c.SanitizeMessage(ctx, userMessage(conv.ID, "hello"))
	require.NoError(t, err)
	require.NoError(t, st.AddMessage(ctx, msg))

	err = c.ProcessMessage(ctx, msg)
	require.ErrorIs(t, err, agent.ErrStreamIncomplete)

	task, err := st.GetTask(ctx, conv.ID, "t1")
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateUnknown, task.Status.State)

	events, _ := c.Events(ctx)
	require.NotEmpty(t, events)
	assert.Contains(t, events[len(events)-1].Content.Text(), "closed its stream")
}

func TestProcessMessage_ClarificationBecomesAgentMessage(t *testing.T) {
	router := routerFunc(func(context.Context, a2a.Message, func(string, *a2a.Task)) (routing.RouteResult, error) {
		return routing.RouteResult{Decision: routing.Decision{Clarification: "Which agent?"}, Reply: "Which agent?"}, nil
	})
	c, st := startCore(t, router, 4)
	ctx := context.Background()
	conv, _ := c.CreateConversation(ctx)

	msg, _ := c.SanitizeMessage(ctx, userMessage(conv.ID, "hmm"))
	require.NoError(t, st.AddMessage(ctx, msg))
	require.NoError(t, c.ProcessMessage(ctx, msg))

	msgs, _ := c.Messages(ctx, conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, a2a.RoleAgent, msgs[1].Role)
	assert.Equal(t, "Which agent?", msgs[1].Text())

	tasks, _ := c.Tasks(ctx)
	assert.Empty(t, tasks)
}

func TestProcessMessage_ReplyKeepsAgentFiles(t *testing.T) {
	router := routerFunc(func(_ context.Context, msg a2a.Message, onUpdate func(string, *a2a.Task)) (routing.RouteResult, error) {
		task := &a2a.Task{
			ID:        "t1",
			ContextID: msg.ContextID,
			Status:    a2a.TaskStatus{State: a2a.TaskStateCompleted},
			Artifacts: []a2a.Artifact{{ArtifactID: "a", Parts: []a2a.Part{
				a2a.TextPart("a cat"),
				a2a.FilePart("cat.png", "image/png", []byte("png")),
			}}},
		}
		onUpdate("http://artist", task)
		return routing.RouteResult{AgentURL: "http://artist", AgentName: "Artist", Task: task, Reply: "a cat"}, nil
	})
	c, st := startCore(t, router, 4)
	ctx := context.Background()
	conv, _ := c.CreateConversation(ctx)

	msg, _ := c.SanitizeMessage(ctx, userMessage(conv.ID, "draw"))
	require.NoError(t, st.AddMessage(ctx, msg))
	require.NoError(t, c.ProcessMessage(ctx, msg))

	msgs, _ := c.Messages(ctx, conv.ID)
	require.Len(t, msgs, 2)
	require.Len(t, msgs[1].Parts, 2)
	assert.Equal(t, a2a.PartKindFile, msgs[1].Parts[1].Kind)
	assert.Equal(t, "t1", msgs[1].TaskID)

	events, _ := c.Events(ctx)
	assert.Equal(t, "Artist", events[len(events)-1].Actor)
}

func TestProcessMessage_DeletedConversation(t *testing.T) {
	var st store.Store
	var convID string
	router := routerFunc(func(ctx context.Context, msg a2a.Message, onUpdate func(string, *a2a.Task)) (routing.RouteResult, error) {
		_, _ = st.DeleteConversation(ctx, convID)
		onUpdate("http://agent", &a2a.Task{ID: "t1", Status: a2a.TaskStatus{State: a2a.TaskStateCompleted}})
		return routing.RouteResult{AgentURL: "http://agent", Reply: "too late"}, nil
	})
	c, s := startCore(t, router, 4)
	st = s
	ctx := context.Background()
	conv, _ := c.CreateConversation(ctx)
	convID = conv.ID

	msg, _ := c.SanitizeMessage(ctx, userMessage(conv.ID, "hello"))
	require.NoError(t, st.AddMessage(ctx, msg))
	assert.NoError(t, c.ProcessMessage(ctx, msg))

	tasks, _ := c.Tasks(ctx)
	assert.Empty(t, tasks)
}

func TestConcurrentConversationsDoNotMix(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}
	router := routerFunc(func(_ context.Context, msg a2a.Message, _ func(string, *a2a.Task)) (routing.RouteResult, error) {
		mu.Lock()
		seen[msg.ContextID] = msg.Text()
		mu.Unlock()
		return routing.RouteResult{AgentURL: "http://agent", Reply: "re: " + msg.Text()}, nil
	})
	c, _ := startCore(t, router, 64)
	ctx := context.Background()

	const n = 20
	ids := make([]string, n)
	for i := range n {
		conv, err := c.CreateConversation(ctx)
		require.NoError(t, err)
		ids[i] = conv.ID
	}

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.SendMessage(ctx, userMessage(ids[i], fmt.Sprintf("msg-%d", i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			msgs, _ := c.Messages(ctx, id)
			if len(msgs) != 2 {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	for i, id := range ids {
		msgs, _ := c.Messages(ctx, id)
		want := fmt.Sprintf("msg-%d", i)
		assert.Equal(t, want, msgs[0].Text())
		assert.Equal(t, "re: "+want, msgs[1].Text())
		for _, m := range msgs {
			assert.Equal(t, id, m.ContextID)
		}
	}
}

func TestProcessMessage_PendingTaskIsUnknown(t *testing.T) {
	router := routerFunc(func(_ context.Context, msg a2a.Message, onUpdate func(string, *a2a.Task)) (routing.RouteResult, error) {
		task := &a2a.Task{ID: "t2", ContextID: msg.ContextID, Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}
		onUpdate("http://async", task)
		return routing.RouteResult{AgentURL: "http://async", Task: task}, fmt.Errorf("sending: %w", agent.ErrTaskPending)
	})
	c, st := startCore(t, router, 4)
	ctx := context.Background()
	conv, _ := c.CreateConversation(ctx)

	msg, _ := c.SanitizeMessage(ctx, userMessage(conv.ID, "hello"))
	require.NoError(t, st.AddMessage(ctx, msg))
	require.ErrorIs(t, c.ProcessMessage(ctx, msg), agent.ErrTaskPending)

	task, err := st.GetTask(ctx, conv.ID, "t2")
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateUnknown, task.Status.State)
	assert.Contains(t, task.Status.Message.Text(), "had not finished")
	assert.NotContains(t, task.Status.Message.Text(), "stream")
}

func TestSendMessage_StalledAgentsDoNotBlockOtherConversations(t *testing.T) {
	stall := make(chan struct{})
	defer close(stall)
	stalled := map[string]bool{}

	router := routerFunc(func(ctx context.Context, msg a2a.Message, _ func(string, *a2a.Task)) (routing.RouteResult, error) {
		if stalled[msg.ContextID] {
			select {
			case <-stall:
			case <-ctx.Done():
				return routing.RouteResult{}, ctx.Err()
			}
		}
		return routing.RouteResult{AgentURL: "http://agent", Reply: "re: " + msg.Text()}, nil
	})
	c, _ := startCore(t, router, 4)
	ctx := context.Background()

	// The map is filled before any routing starts and only read afterwards.
	var stuck []string
	for range 2 {
		conv, err := c.CreateConversation(ctx)
		require.NoError(t, err)
		stalled[conv.ID] = true
		stuck = append(stuck, conv.ID)
	}
	healthy, err := c.CreateConversation(ctx)
	require.NoError(t, err)

	for _, id := range stuck {
		_, err := c.SendMessage(ctx, userMessage(id, "anyone there?"))
		require.NoError(t, err)
	}
	_, err = c.SendMessage(ctx, userMessage(healthy.ID, "hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs, _ := c.Messages(ctx, healthy.ID)
		return len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond, "healthy conversation waited behind stalled agents")

	pending, _ := c.PendingMessages(ctx)
	assert.Len(t, pending, 2)
}

func TestShutdown_InFlightMessagesGetTerminalTasks(t *testing.T) {
	g := newGate()
	c, _, cancel := startCancelableCore(t, g.router("never"), 4)
	ctx := context.Background()
	conv, _ := c.CreateConversation(ctx)

	for _, text := range []string{"one", "two"} {
		_, err := c.SendMessage(ctx, userMessage(conv.ID, text))
		require.NoError(t, err)
	}
	<-g.entered
	<-g.entered

	cancel()
	require.NoError(t, c.Stop(time.Second))

	pending, _ := c.PendingMessages(ctx)
	assert.Empty(t, pending)

	tasks, _ := c.Tasks(ctx)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, a2a.TaskStateFailed, task.Status.State)
		assert.Contains(t, task.Status.Message.Text(), "shut down")
	}

	late, err := c.SendMessage(ctx, userMessage(conv.ID, "three"))
	require.ErrorIs(t, err, worker.ErrPoolStopped)
	pending, _ = c.PendingMessages(ctx)
	for _, p := range pending {
		assert.NotEqual(t, late.MessageID, p.MessageID)
	}
}

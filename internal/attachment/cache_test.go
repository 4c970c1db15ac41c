// ABOUTME: Tests for the attachment cache against memory and Redis backends
// ABOUTME: Redis runs on miniredis so no server is required

package attachment

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/conclave/internal/a2a"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rb := NewRedisBackendFromClient(client, "test:")
	t.Cleanup(func() { _ = rb.Close() })

	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"redis":  rb,
	}
}

func twoFileMessage() a2a.Message {
	return a2a.Message{
		MessageID: "m1",
		Role:      a2a.RoleAgent,
		Parts: []a2a.Part{
			a2a.TextPart("here you go"),
			a2a.FilePart("a.png", "image/png", []byte("png-bytes")),
			a2a.FilePart("b.txt", "text/plain", []byte("text-bytes")),
			{Kind: a2a.PartKindFile, File: &a2a.FileContent{MimeType: "video/mp4", URI: "https://cdn.example/v.mp4"}},
		},
	}
}

func TestCache_ExternalizeIsIdempotent(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(b, "", nil)
			msg := twoFileMessage()

			first, err := c.Externalize(ctx, msg)
			require.NoError(t, err)
			second, err := c.Externalize(ctx, msg)
			require.NoError(t, err)

			for _, i := range []int{1, 2} {
				require.NotNil(t, first.Parts[i].File)
				assert.Nil(t, first.Parts[i].File.Bytes)
				assert.Contains(t, first.Parts[i].File.URI, DefaultURIPrefix)
				assert.Equal(t, first.Parts[i].File.URI, second.Parts[i].File.URI)
			}
			assert.NotEqual(t, first.Parts[1].File.URI, first.Parts[2].File.URI)

			// Text and URI-only parts pass through.
			assert.Equal(t, "here you go", first.Parts[0].Text)
			assert.Equal(t, "https://cdn.example/v.mp4", first.Parts[3].File.URI)

			// The input is never rewritten.
			assert.Equal(t, []byte("png-bytes"), msg.Parts[1].File.Bytes)
			assert.Empty(t, msg.Parts[1].File.URI)
		})
	}
}

func TestCache_FetchReturnsOriginalBytes(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(b, "", nil)

			ext, err := c.Externalize(ctx, twoFileMessage())
			require.NoError(t, err)

			blob, err := c.Fetch(ctx, ext.Parts[1].File.URI)
			require.NoError(t, err)
			assert.Equal(t, []byte("png-bytes"), blob.Data)
			assert.Equal(t, "image/png", blob.MimeType)

			_, err = c.Fetch(ctx, "does-not-exist")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCache_ConcurrentExternalizeMintsOneID(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(b, "", nil)
			msg := twoFileMessage()

			const n = 20
			uris := make([]string, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ext, err := c.Externalize(ctx, msg)
					if assert.NoError(t, err) {
						uris[i] = ext.Parts[1].File.URI
					}
				}(i)
			}
			wg.Wait()

			for _, u := range uris {
				assert.Equal(t, uris[0], u)
			}
		})
	}
}

func TestCache_ExternalizeTask(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(b, "", nil)
			status := twoFileMessage()
			task := a2a.Task{
				ID:     "t1",
				Status: a2a.TaskStatus{State: a2a.TaskStateCompleted, Message: &status},
				Artifacts: []a2a.Artifact{
					{ArtifactID: "a1", Parts: []a2a.Part{a2a.FilePart("p.png", "image/png", []byte("art-1"))}},
					{ArtifactID: "a2", Parts: []a2a.Part{a2a.TextPart("caption"), a2a.FilePart("q.png", "image/png", []byte("art-2"))}},
				},
			}

			ext, err := c.ExternalizeTask(ctx, task)
			require.NoError(t, err)

			assert.Nil(t, ext.Status.Message.Parts[1].File.Bytes)
			assert.Contains(t, ext.Status.Message.Parts[1].File.URI, DefaultURIPrefix)

			first := ext.Artifacts[0].Parts[0].File
			second := ext.Artifacts[1].Parts[1].File
			assert.Nil(t, first.Bytes)
			assert.Nil(t, second.Bytes)
			assert.NotEqual(t, first.URI, second.URI)
			assert.Equal(t, "caption", ext.Artifacts[1].Parts[0].Text)

			blob, err := c.Fetch(ctx, second.URI)
			require.NoError(t, err)
			assert.Equal(t, []byte("art-2"), blob.Data)

			again, err := c.ExternalizeTask(ctx, task)
			require.NoError(t, err)
			assert.Equal(t, first.URI, again.Artifacts[0].Parts[0].File.URI)

			// The stored task keeps its bytes.
			assert.Equal(t, []byte("art-1"), task.Artifacts[0].Parts[0].File.Bytes)
		})
	}
}

func TestKey_NoCollisions(t *testing.T) {
	rb := NewRedisBackendFromClient(redis.NewClient(&redis.Options{}), "p:")
	a := rb.keyFor(Key{MessageID: "a:1", Part: 2})
	b := rb.keyFor(Key{MessageID: "a", Part: 12})
	assert.NotEqual(t, a, b)
}

// ABOUTME: Attachment cache that swaps inline file bytes for stable cache references
// ABOUTME: Keyed by owner id and part index so repeated externalization reuses one id

package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/conclave/internal/a2a"
)

// ErrNotFound is returned when a cache id is unknown.
var ErrNotFound = errors.New("attachment not found")

// DefaultURIPrefix is the path under which cached attachments are served.
const DefaultURIPrefix = "/message/file/"

// Key identifies one part of one message or task artifact.
type Key struct {
	MessageID string
	Part      int
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.MessageID, k.Part)
}

// Blob is cached binary content and its declared content type.
type Blob struct {
	Data     []byte
	MimeType string
}

// Backend stores blobs and the key to id mapping.
type Backend interface {
	// Intern returns the id already assigned to key, or stores blob under a
	// new id when key is seen for the first time.
	Intern(ctx context.Context, key Key, blob Blob) (string, error)
	// Get returns the blob stored under id or ErrNotFound.
	Get(ctx context.Context, id string) (Blob, error)
	Close() error
}

// Cache rewrites messages so file payloads are served by reference.
type Cache struct {
	backend   Backend
	uriPrefix string
	logger    *slog.Logger
}

// New creates a Cache over backend. An empty uriPrefix uses DefaultURIPrefix.
func New(backend Backend, uriPrefix string, logger *slog.Logger) *Cache {
	if uriPrefix == "" {
		uriPrefix = DefaultURIPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		backend:   backend,
		uriPrefix: uriPrefix,
		logger:    logger.With("component", "attachments"),
	}
}

// Externalize returns a copy of msg in which every inline file part is
// replaced by a URI reference. msg itself is not modified. Parts that
// already carry a URI are left as they are.
func (c *Cache) Externalize(ctx context.Context, msg a2a.Message) (a2a.Message, error) {
	out := msg.Clone()
	if err := c.externalizeParts(ctx, msg.MessageID, out.Parts); err != nil {
		return a2a.Message{}, err
	}
	return out, nil
}

// ExternalizeTask does for a task what Externalize does for a message,
// covering its status message, artifacts and history. Artifact parts are
// keyed by task and artifact id, since artifacts carry no message id.
func (c *Cache) ExternalizeTask(ctx context.Context, task a2a.Task) (a2a.Task, error) {
	out := *task.Clone()
	if m := out.Status.Message; m != nil {
		owner := m.MessageID
		if owner == "" {
			owner = task.ID + "/status"
		}
		if err := c.externalizeParts(ctx, owner, m.Parts); err != nil {
			return a2a.Task{}, err
		}
	}
	for _, a := range out.Artifacts {
		if err := c.externalizeParts(ctx, task.ID+"/artifact/"+a.ArtifactID, a.Parts); err != nil {
			return a2a.Task{}, err
		}
	}
	for i := range out.History {
		h := &out.History[i]
		owner := h.MessageID
		if owner == "" {
			owner = fmt.Sprintf("%s/history/%d", task.ID, i)
		}
		if err := c.externalizeParts(ctx, owner, h.Parts); err != nil {
			return a2a.Task{}, err
		}
	}
	return out, nil
}

// externalizeParts rewrites inline file parts in place. parts must already
// be a private copy.
func (c *Cache) externalizeParts(ctx context.Context, owner string, parts []a2a.Part) error {
	for i, p := range parts {
		if p.Kind != a2a.PartKindFile || !p.File.Inline() {
			continue
		}
		key := Key{MessageID: owner, Part: i}
		id, err := c.backend.Intern(ctx, key, Blob{Data: p.File.Bytes, MimeType: p.File.MimeType})
		if err != nil {
			return fmt.Errorf("caching %s: %w", key, err)
		}
		parts[i].File = &a2a.FileContent{
			Name:     p.File.Name,
			MimeType: p.File.MimeType,
			URI:      c.uriPrefix + id,
		}
	}
	return nil
}

// ExternalizeAll applies Externalize to every message.
func (c *Cache) ExternalizeAll(ctx context.Context, msgs []a2a.Message) ([]a2a.Message, error) {
	out := make([]a2a.Message, len(msgs))
	for i, m := range msgs {
		ext, err := c.Externalize(ctx, m)
		if err != nil {
			return nil, err
		}
		out[i] = ext
	}
	return out, nil
}

// Fetch returns the blob for a cache id.
func (c *Cache) Fetch(ctx context.Context, id string) (Blob, error) {
	id = strings.TrimPrefix(id, c.uriPrefix)
	if id == "" {
		return Blob{}, ErrNotFound
	}
	return c.backend.Get(ctx, id)
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

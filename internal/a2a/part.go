// ABOUTME: Part is the tagged union carried inside messages and artifacts
// ABOUTME: Custom JSON handling accepts the kind, legacy type, and root-wrapped shapes

package a2a

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PartKind discriminates the Part union.
type PartKind string

const (
	PartKindText PartKind = "text"
	PartKindData PartKind = "data"
	PartKindFile PartKind = "file"
)

// ErrUnknownPartKind is returned when a part cannot be classified.
var ErrUnknownPartKind = errors.New("unknown part kind")

// FileContent is a file carried inline as bytes or referenced by URI.
type FileContent struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    []byte `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Inline reports whether the file payload travels inside the message.
func (f *FileContent) Inline() bool {
	return f != nil && f.URI == "" && f.Bytes != nil
}

// Part is one piece of message content. Exactly one of Text, Data, or File
// is meaningful, selected by Kind.
type Part struct {
	Kind     PartKind
	Text     string
	Data     map[string]any
	File     *FileContent
	Metadata map[string]any
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// DataPart builds a structured-data part.
func DataPart(data map[string]any) Part {
	return Part{Kind: PartKindData, Data: data}
}

// FilePart builds a file part with inline bytes.
func FilePart(name, mimeType string, data []byte) Part {
	return Part{Kind: PartKindFile, File: &FileContent{Name: name, MimeType: mimeType, Bytes: data}}
}

// Clone copies the part; inline bytes are shared since they are never
// mutated in place.
func (p Part) Clone() Part {
	out := p
	if p.File != nil {
		f := *p.File
		out.File = &f
	}
	return out
}

type partWire struct {
	Kind     PartKind        `json:"kind,omitempty"`
	Type     PartKind        `json:"type,omitempty"`
	Text     *string         `json:"text,omitempty"`
	Data     map[string]any  `json:"data,omitempty"`
	File     *FileContent    `json:"file,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Root     json.RawMessage `json:"root,omitempty"`
}

// MarshalJSON always emits the kind-discriminated shape.
func (p Part) MarshalJSON() ([]byte, error) {
	w := partWire{Kind: p.Kind, Metadata: p.Metadata}
	switch p.Kind {
	case PartKindText:
		text := p.Text
		w.Text = &text
	case PartKindData:
		w.Data = p.Data
		if w.Data == nil {
			w.Data = map[string]any{}
		}
	case PartKindFile:
		w.File = p.File
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPartKind, p.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts {"kind": ...}, {"type": ...}, and {"root": {...}}.
func (p *Part) UnmarshalJSON(b []byte) error {
	var w partWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if len(w.Root) > 0 && w.Kind == "" && w.Type == "" {
		return p.UnmarshalJSON(w.Root)
	}

	kind := w.Kind
	if kind == "" {
		kind = w.Type
	}
	if kind == "" {
		switch {
		case w.Text != nil:
			kind = PartKindText
		case w.File != nil:
			kind = PartKindFile
		case w.Data != nil:
			kind = PartKindData
		}
	}

	*p = Part{Kind: kind, Metadata: w.Metadata}
	switch kind {
	case PartKindText:
		if w.Text != nil {
			p.Text = *w.Text
		}
	case PartKindData:
		p.Data = w.Data
	case PartKindFile:
		if w.File == nil {
			return errors.New("file part without file content")
		}
		p.File = w.File
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPartKind, kind)
	}
	return nil
}

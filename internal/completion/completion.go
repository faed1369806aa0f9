// ABOUTME: Completion provider contract: history in, pull-based fragment stream out
// ABOUTME: Shared by the OpenAI, Anthropic and scripted provider adapters

package completion

import (
	"context"
	"errors"
	"strings"
)

// ErrNoFragments is returned by consumers when a stream ends before yielding anything.
var ErrNoFragments = errors.New("completion stream produced no fragments")

// Role identifies the speaker of a history turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Part is one piece of turn content: text or an image reference.
type Part struct {
	Text     string
	ImageURL string
}

// IsImage reports whether the part references an image.
func (p Part) IsImage() bool { return p.ImageURL != "" }

// TextPart returns a text content part.
func TextPart(text string) Part { return Part{Text: text} }

// ImagePart returns an image content part for a fetchable URL.
func ImagePart(url string) Part { return Part{ImageURL: url} }

// Turn is one entry of the conversation history.
type Turn struct {
	Role  Role
	Parts []Part
}

// Text joins the turn's text parts.
func (t Turn) Text() string {
	var b strings.Builder
	for _, p := range t.Parts {
		if p.IsImage() {
			continue
		}
		if b.Len() > 0 && p.Text != "" {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// History is the ordered conversation sent to a provider.
type History struct {
	Turns []Turn
}

// AddSystem appends a system instruction.
func (h *History) AddSystem(text string) {
	h.Turns = append(h.Turns, Turn{Role: RoleSystem, Parts: []Part{TextPart(text)}})
}

// AddUser appends a user turn.
func (h *History) AddUser(parts ...Part) {
	h.Turns = append(h.Turns, Turn{Role: RoleUser, Parts: parts})
}

// AddAssistant appends an assistant turn.
func (h *History) AddAssistant(text string) {
	h.Turns = append(h.Turns, Turn{Role: RoleAssistant, Parts: []Part{TextPart(text)}})
}

// SystemPrompt joins all system turns, in order.
func (h History) SystemPrompt() string {
	var parts []string
	for _, t := range h.Turns {
		if t.Role == RoleSystem {
			parts = append(parts, t.Text())
		}
	}
	return strings.Join(parts, "\n\n")
}

// Usage is the token accounting reported by a provider.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Metadata accompanies a fragment. Providers often deliver it only on the
// final items of a stream.
type Metadata struct {
	FinishReason string
	Usage        *Usage
}

// Fragment is one incremental piece of streamed output.
type Fragment struct {
	Text     string
	ModelID  string
	Metadata Metadata
}

// Stream is a single-pass, pull-based sequence of fragments.
//
//	for s.Next() {
//		f := s.Fragment()
//	}
//	if err := s.Err(); err != nil { ... }
type Stream interface {
	// Next advances to the next fragment, returning false at the end or on error.
	Next() bool
	// Fragment returns the fragment Next advanced to.
	Fragment() Fragment
	// Err returns the error that ended the stream, if any.
	Err() error
	// Close releases the underlying connection. Safe to call more than once.
	Close() error
}

// Provider produces completion streams.
type Provider interface {
	// Name is the provider label persisted on messages.
	Name() string
	Stream(ctx context.Context, history History, temperature float64) (Stream, error)
}

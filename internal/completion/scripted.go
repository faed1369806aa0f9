// ABOUTME: In-process providers that replay fixed fragments or echo the prompt
// ABOUTME: Used for tests and for running the gateway without an API key

package completion

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"
)

// SliceStream replays a fixed list of fragments, honouring cancellation.
type SliceStream struct {
	ctx       context.Context
	fragments []Fragment
	tailErr   error
	pos       int
	cur       Fragment
	err       error
	closed    bool
}

// NewSliceStream returns a stream over fragments that ends with tailErr (nil for success).
func NewSliceStream(ctx context.Context, fragments []Fragment, tailErr error) *SliceStream {
	return &SliceStream{ctx: ctx, fragments: fragments, tailErr: tailErr}
}

func (s *SliceStream) Next() bool {
	if s.err != nil || s.closed {
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	if s.pos >= len(s.fragments) {
		s.err = s.tailErr
		return false
	}
	s.cur = s.fragments[s.pos]
	s.pos++
	return true
}

func (s *SliceStream) Fragment() Fragment { return s.cur }
func (s *SliceStream) Err() error         { return s.err }

func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}

// Scripted is a Provider that replays the same fragments on every call and
// records the histories it was given.
type Scripted struct {
	Label     string
	Fragments []Fragment
	// StreamErr is returned from Stream itself; TailErr ends the stream after the fragments.
	StreamErr error
	TailErr   error

	mu    sync.Mutex
	calls []ScriptedCall
}

// ScriptedCall is one recorded Stream invocation.
type ScriptedCall struct {
	History     History
	Temperature float64
}

// NewScripted returns a provider replaying fragments.
func NewScripted(fragments ...Fragment) *Scripted {
	return &Scripted{Label: "Scripted", Fragments: fragments}
}

func (p *Scripted) Name() string { return p.Label }

func (p *Scripted) Stream(ctx context.Context, history History, temperature float64) (Stream, error) {
	p.mu.Lock()
	p.calls = append(p.calls, ScriptedCall{History: history, Temperature: temperature})
	p.mu.Unlock()

	if p.StreamErr != nil {
		return nil, p.StreamErr
	}
	return NewSliceStream(ctx, p.Fragments, p.TailErr), nil
}

// Calls returns the recorded invocations.
func (p *Scripted) Calls() []ScriptedCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ScriptedCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// Echo is a Provider that streams the last user message back word by word.
// Token usage is approximated as one token per four bytes.
type Echo struct {
	Model string
}

func (Echo) Name() string { return "Echo" }

func (e Echo) Stream(ctx context.Context, history History, _ float64) (Stream, error) {
	var prompt string
	for i := len(history.Turns) - 1; i >= 0; i-- {
		if history.Turns[i].Role == RoleUser {
			prompt = history.Turns[i].Text()
			break
		}
	}

	model := e.Model
	if model == "" {
		model = "echo"
	}

	var input int
	for _, t := range history.Turns {
		input += len(t.Text())
	}

	words := strings.Fields(prompt)
	fragments := make([]Fragment, 0, len(words)+1)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		fragments = append(fragments, Fragment{Text: w, ModelID: model})
	}
	fragments = append(fragments, Fragment{
		ModelID: model,
		Metadata: Metadata{
			FinishReason: "stop",
			Usage: &Usage{
				InputTokens:  approxTokens(input),
				OutputTokens: approxTokens(utf8.RuneCountInString(prompt)),
			},
		},
	})
	return NewSliceStream(ctx, fragments, nil), nil
}

func approxTokens(n int) int64 {
	if n == 0 {
		return 0
	}
	return int64((n + 3) / 4)
}

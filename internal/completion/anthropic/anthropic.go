// ABOUTME: Completion provider backed by the Anthropic Messages streaming API
// ABOUTME: Accumulates stream events to surface stop reason and usage as fragment metadata

package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/2389/coven-chat/internal/completion"
)

const (
	DefaultModel     = "claude-sonnet-4-5"
	DefaultMaxTokens = 4096
)

// emptyTurn stands in for replayed turns with no text, which the API rejects.
const emptyTurn = "(no content)"

// Options configures the provider.
type Options struct {
	APIKey    string
	BaseURL   string
	Model     string
	Label     string
	MaxTokens int64
	// RequestOptions are appended to the client options, mostly for tests.
	RequestOptions []option.RequestOption
}

// Provider streams messages from Anthropic.
type Provider struct {
	client anthropic.Client
	opts   Options
}

var _ completion.Provider = (*Provider)(nil)

// New creates a provider. An empty APIKey falls back to ANTHROPIC_API_KEY.
func New(opts Options) *Provider {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Label == "" {
		opts.Label = "Anthropic"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}

	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	reqOpts = append(reqOpts, opts.RequestOptions...)

	return &Provider{client: anthropic.NewClient(reqOpts...), opts: opts}
}

func (p *Provider) Name() string { return p.opts.Label }

func (p *Provider) Stream(ctx context.Context, history completion.History, temperature float64) (completion.Stream, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.opts.Model),
		MaxTokens:   p.opts.MaxTokens,
		Messages:    convertHistory(history),
		Temperature: anthropic.Float(clampTemperature(temperature)),
	}
	if sys := history.SystemPrompt(); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}

	s := p.client.Messages.NewStreaming(ctx, params)
	if err := s.Err(); err != nil {
		s.Close()
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}
	return &eventStream{s: s}, nil
}

// clampTemperature maps the 0..2 range used elsewhere onto Anthropic's 0..1.
func clampTemperature(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

func convertHistory(h completion.History) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(h.Turns))
	for _, t := range h.Turns {
		switch t.Role {
		case completion.RoleAssistant:
			text := t.Text()
			if text == "" {
				text = emptyTurn
			}
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		case completion.RoleUser:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(t.Parts))
			for _, part := range t.Parts {
				switch {
				case part.IsImage():
					blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: part.ImageURL}))
				case part.Text != "":
					blocks = append(blocks, anthropic.NewTextBlock(part.Text))
				}
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(emptyTurn))
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

// eventStream yields a fragment per text delta and one metadata fragment
// when the message delta reports the stop reason and final usage.
type eventStream struct {
	s       *ssestream.Stream[anthropic.MessageStreamEventUnion]
	message anthropic.Message
	cur     completion.Fragment
	err     error
}

func (e *eventStream) Next() bool {
	if e.err != nil {
		return false
	}
	for e.s.Next() {
		event := e.s.Current()
		if err := e.message.Accumulate(event); err != nil {
			e.err = fmt.Errorf("accumulating stream event: %w", err)
			return false
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			e.cur = completion.Fragment{Text: delta.Text, ModelID: string(e.message.Model)}
			return true
		case anthropic.MessageDeltaEvent:
			e.cur = completion.Fragment{
				ModelID: string(e.message.Model),
				Metadata: completion.Metadata{
					FinishReason: string(e.message.StopReason),
					Usage: &completion.Usage{
						InputTokens:  e.message.Usage.InputTokens,
						OutputTokens: e.message.Usage.OutputTokens,
					},
				},
			}
			return true
		}
	}
	return false
}

func (e *eventStream) Fragment() completion.Fragment { return e.cur }

func (e *eventStream) Err() error {
	if e.err != nil {
		return e.err
	}
	return e.s.Err()
}

func (e *eventStream) Close() error { return e.s.Close() }

// ABOUTME: Completion provider backed by the OpenAI chat completions streaming API
// ABOUTME: Converts histories to chat messages and chunks to fragments

package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/2389/coven-chat/internal/completion"
)

// DefaultModel is used when no model is configured.
const DefaultModel = openai.ChatModelGPT4o

// Options configures the provider.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	// Label is persisted as the message provider name. Defaults to "OpenAI".
	Label     string
	MaxTokens int64
	// RequestOptions are appended to the client options, mostly for tests.
	RequestOptions []option.RequestOption
}

// Provider streams chat completions from OpenAI or a compatible endpoint.
type Provider struct {
	client *openai.Client
	opts   Options
}

var _ completion.Provider = (*Provider)(nil)

// New creates a provider. An empty APIKey falls back to OPENAI_API_KEY.
func New(opts Options) *Provider {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Label == "" {
		opts.Label = "OpenAI"
	}

	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	reqOpts = append(reqOpts, opts.RequestOptions...)

	client := openai.NewClient(reqOpts...)
	return &Provider{client: &client, opts: opts}
}

func (p *Provider) Name() string { return p.opts.Label }

// Stream opens a streaming chat completion with usage reporting enabled.
func (p *Provider) Stream(ctx context.Context, history completion.History, temperature float64) (completion.Stream, error) {
	msgs, err := convertHistory(history)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Messages:    msgs,
		Model:       p.opts.Model,
		Temperature: openai.Float(temperature),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if p.opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(p.opts.MaxTokens)
	}

	s := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := s.Err(); err != nil {
		s.Close()
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	return &chunkStream{s: s}, nil
}

func convertHistory(h completion.History) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(h.Turns))
	for _, t := range h.Turns {
		switch t.Role {
		case completion.RoleSystem:
			out = append(out, openai.SystemMessage(t.Text()))
		case completion.RoleAssistant:
			out = append(out, openai.AssistantMessage(t.Text()))
		case completion.RoleUser:
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(t.Parts))
			for _, part := range t.Parts {
				if part.IsImage() {
					parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: part.ImageURL}))
					continue
				}
				parts = append(parts, openai.TextContentPart(part.Text))
			}
			out = append(out, openai.UserMessage(parts))
		default:
			return nil, fmt.Errorf("unsupported role %q", t.Role)
		}
	}
	return out, nil
}

// chunkStream adapts the SSE chunk stream. Chunks carrying neither text nor
// metadata (the leading role-only chunk) are skipped.
type chunkStream struct {
	s   *ssestream.Stream[openai.ChatCompletionChunk]
	cur completion.Fragment
}

func (c *chunkStream) Next() bool {
	for c.s.Next() {
		chunk := c.s.Current()
		f := completion.Fragment{ModelID: chunk.Model}
		for _, ch := range chunk.Choices {
			f.Text += ch.Delta.Content
			if ch.FinishReason != "" {
				f.Metadata.FinishReason = ch.FinishReason
			}
		}
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			f.Metadata.Usage = &completion.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		if f.Text == "" && f.Metadata.FinishReason == "" && f.Metadata.Usage == nil {
			continue
		}
		c.cur = f
		return true
	}
	return false
}

func (c *chunkStream) Fragment() completion.Fragment { return c.cur }
func (c *chunkStream) Err() error                    { return c.s.Err() }
func (c *chunkStream) Close() error                  { return c.s.Close() }

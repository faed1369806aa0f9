// ABOUTME: Tests for the Anthropic provider against a fake SSE endpoint
// ABOUTME: Checks system prompt placement, image blocks and usage metadata

package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/completion"
)

var events = []struct{ name, data string }{
	{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":26,"output_tokens":1}}}`},
	{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
	{"ping", `{"type":"ping"}`},
	{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`},
	{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`},
	{"content_block_stop", `{"type":"content_block_stop","index":0}`},
	{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":14}}`},
	{"message_stop", `{"type":"message_stop"}`},
}

func TestProvider_Stream(t *testing.T) {
	var req map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
		}
	}))
	defer srv.Close()

	p := New(Options{
		APIKey:         "test-key",
		BaseURL:        srv.URL,
		RequestOptions: []option.RequestOption{option.WithMaxRetries(0)},
	})

	var h completion.History
	h.AddSystem("be brief")
	h.AddUser(completion.TextPart("hi"))
	h.AddAssistant("")
	h.AddUser(completion.ImagePart("http://img.test/a.png"), completion.TextPart("describe"))

	s, err := p.Stream(context.Background(), h, 1.5)
	require.NoError(t, err)
	defer s.Close()

	var got []completion.Fragment
	for s.Next() {
		got = append(got, s.Fragment())
	}
	require.NoError(t, s.Err())

	require.Len(t, got, 3)
	assert.Equal(t, "Hello", got[0].Text)
	assert.Equal(t, " world", got[1].Text)
	assert.Equal(t, "claude-sonnet-4-5", got[1].ModelID)
	assert.Equal(t, "end_turn", got[2].Metadata.FinishReason)
	require.NotNil(t, got[2].Metadata.Usage)
	assert.Equal(t, int64(26), got[2].Metadata.Usage.InputTokens)
	assert.Equal(t, int64(14), got[2].Metadata.Usage.OutputTokens)

	assert.Equal(t, DefaultModel, req["model"])
	assert.EqualValues(t, DefaultMaxTokens, req["max_tokens"])
	assert.InDelta(t, 1.0, req["temperature"], 1e-9, "temperature is clamped")

	system := req["system"].([]any)
	require.Len(t, system, 1)
	assert.Equal(t, "be brief", system[0].(map[string]any)["text"])

	msgs := req["messages"].([]any)
	require.Len(t, msgs, 3, "system turns are not sent as messages")
	assistant := msgs[1].(map[string]any)["content"].([]any)
	assert.Equal(t, emptyTurn, assistant[0].(map[string]any)["text"])
	last := msgs[2].(map[string]any)["content"].([]any)
	require.Len(t, last, 2)
	assert.Equal(t, "image", last[0].(map[string]any)["type"])
}

func TestClampTemperature(t *testing.T) {
	assert.Equal(t, 0.0, clampTemperature(-1))
	assert.Equal(t, 0.4, clampTemperature(0.4))
	assert.Equal(t, 1.0, clampTemperature(2))
}

// ABOUTME: Tests for the in-process scripted and echo providers
// ABOUTME: Also covers history helpers used to build provider requests

package completion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s Stream) ([]Fragment, error) {
	t.Helper()
	var out []Fragment
	for s.Next() {
		out = append(out, s.Fragment())
	}
	return out, s.Err()
}

func TestScripted_ReplaysAndRecords(t *testing.T) {
	p := NewScripted(
		Fragment{Text: "Hel", ModelID: "gpt-4o"},
		Fragment{Text: "lo", ModelID: "gpt-4o", Metadata: Metadata{FinishReason: "Stop"}},
	)

	var h History
	h.AddUser(TextPart("hi"))

	s, err := p.Stream(context.Background(), h, 0.3)
	require.NoError(t, err)
	got, err := drain(t, s)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.False(t, s.Next(), "exhausted stream stays exhausted")

	calls := p.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 0.3, calls[0].Temperature)
	assert.Equal(t, "hi", calls[0].History.Turns[0].Text())
}

func TestScripted_Errors(t *testing.T) {
	boom := errors.New("boom")

	p := NewScripted()
	p.StreamErr = boom
	_, err := p.Stream(context.Background(), History{}, 1)
	assert.ErrorIs(t, err, boom)

	p = NewScripted(Fragment{Text: "partial"})
	p.TailErr = boom
	s, err := p.Stream(context.Background(), History{}, 1)
	require.NoError(t, err)
	got, err := drain(t, s)
	assert.Len(t, got, 1)
	assert.ErrorIs(t, err, boom)
}

func TestSliceStream_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSliceStream(ctx, []Fragment{{Text: "a"}, {Text: "b"}}, nil)

	require.True(t, s.Next())
	cancel()
	assert.False(t, s.Next())
	assert.ErrorIs(t, s.Err(), context.Canceled)
}

func TestEcho(t *testing.T) {
	var h History
	h.AddSystem("sys")
	h.AddUser(TextPart("first"))
	h.AddAssistant("reply")
	h.AddUser(ImagePart("http://x/img.png"), TextPart("say these words"))

	s, err := Echo{}.Stream(context.Background(), h, 1)
	require.NoError(t, err)
	got, err := drain(t, s)
	require.NoError(t, err)

	require.Len(t, got, 4)
	var text string
	for _, f := range got {
		text += f.Text
	}
	assert.Equal(t, "say these words", text)
	last := got[len(got)-1]
	assert.Equal(t, "stop", last.Metadata.FinishReason)
	require.NotNil(t, last.Metadata.Usage)
	assert.Equal(t, int64(4), last.Metadata.Usage.OutputTokens)
	assert.Equal(t, "echo", last.ModelID)
}

func TestHistory_SystemPrompt(t *testing.T) {
	var h History
	h.AddSystem("one")
	h.AddUser(TextPart("u"))
	h.AddSystem("two")
	assert.Equal(t, "one\n\ntwo", h.SystemPrompt())
}

func TestTurn_TextSkipsImages(t *testing.T) {
	turn := Turn{Role: RoleUser, Parts: []Part{ImagePart("u"), TextPart("a"), TextPart("b")}}
	assert.Equal(t, "a\nb", turn.Text())
}

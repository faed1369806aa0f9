// ABOUTME: Tests for attaching media to persisted messages
// ABOUTME: Checks stored attachments, the session media flag and validation

package conversation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/media"
)

func TestAttachMedia(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.orch.StartSession(ctx, StartRequest{BotID: f.bot.ID, UserText: "hi"})
	require.NoError(t, err)
	require.False(t, msg.Session.HasMedia)

	attached, err := f.orch.AttachMedia(ctx, msg.ID, []media.File{pngFile("a.png"), pngFile("b.png")})
	require.NoError(t, err)
	require.Len(t, attached, 2)
	assert.Equal(t, "a.png", attached[0].FileName)
	assert.Equal(t, "b.png", attached[1].FileName)
	assert.Equal(t, testUser, attached[0].CreatedBy)

	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Media, 2)

	session, err := f.store.GetSession(ctx, msg.SessionID, false)
	require.NoError(t, err)
	assert.True(t, session.HasMedia)
}

func TestAttachMedia_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.AttachMedia(ctx, 0, []media.File{pngFile("a.png")})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.orch.AttachMedia(ctx, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.orch.AttachMedia(ctx, 1, []media.File{{Name: "empty.png"}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.orch.AttachMedia(ctx, 999, []media.File{pngFile("a.png")})
	assert.ErrorIs(t, err, ErrNotFound)
}

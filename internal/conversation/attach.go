// ABOUTME: Attaches uploaded files to an already persisted message
// ABOUTME: Shares the orchestrator's upload path and error taxonomy

package conversation

import (
	"context"
	"fmt"

	"github.com/2389/coven-chat/internal/media"
	"github.com/2389/coven-chat/internal/store"
)

// AttachMedia uploads files and records them on messageID. The owning session
// is marked as having media. Uploads that succeed before a later failure stay
// in the media store unreferenced.
func (o *Orchestrator) AttachMedia(ctx context.Context, messageID int64, files []media.File) ([]*store.MediaAttachment, error) {
	log := o.logger.With("op", "attach_media", "message_id", messageID)

	if messageID <= 0 {
		return nil, o.logFailure(log, invalid("message id is required"))
	}
	if len(files) == 0 {
		return nil, o.logFailure(log, invalid("at least one file is required"))
	}
	if err := validateTurn(TurnRequest{UserText: "-", Files: files}); err != nil {
		return nil, o.logFailure(log, err)
	}

	uploads, err := o.uploadFiles(ctx, files)
	if err != nil {
		return nil, o.logFailure(log, err)
	}

	attached := make([]*store.MediaAttachment, 0, len(uploads))
	for _, u := range uploads {
		a, err := o.store.AddMediaAttachment(ctx, messageID, u.attachment())
		if err != nil {
			return nil, o.logFailure(log, fmt.Errorf("recording %s: %w", u.FileName, err))
		}
		attached = append(attached, a)
	}

	log.Info("media attached", "count", len(attached))
	return attached, nil
}

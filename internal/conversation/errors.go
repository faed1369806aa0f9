// ABOUTME: Error taxonomy for conversation turns
// ABOUTME: Callers classify failures with errors.Is against these sentinels

package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-chat/internal/store"
)

var (
	// ErrInvalidArgument reports malformed caller input, detected before any I/O.
	ErrInvalidArgument = store.ErrInvalidArgument
	// ErrNotFound reports a missing bot, session or message.
	ErrNotFound = store.ErrNotFound
	// ErrConcurrencyViolation reports a stale version on update.
	ErrConcurrencyViolation = store.ErrConcurrencyViolation

	// ErrProvider reports a failed completion stream or one that yielded nothing.
	ErrProvider = errors.New("completion provider failed")
	// ErrUpload reports a failed media upload or public URL resolution.
	ErrUpload = errors.New("media upload failed")
	// ErrStorage reports a persistence failure after the stream was fully consumed.
	// Observers have already been notified when this is returned.
	ErrStorage = errors.New("persisting turn failed")
	// ErrCancelled reports that the caller's context ended the turn.
	ErrCancelled = errors.New("turn cancelled")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// classify wraps err with kind, unless the context ended the turn.
func classify(ctx context.Context, kind, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return fmt.Errorf("%w: %w", kind, err)
}

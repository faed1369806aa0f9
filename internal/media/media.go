// ABOUTME: Media uploader contract used by the conversation orchestrator
// ABOUTME: Defines File, UploadResult and the sentinel errors for uploads

package media

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when a provider file name is unknown.
	ErrNotFound = errors.New("media not found")
	// ErrTooLarge is returned when an upload exceeds the configured limit.
	ErrTooLarge = errors.New("media exceeds size limit")
	// ErrInvalidName is returned for provider file names that do not match the storage format.
	ErrInvalidName = errors.New("invalid media name")
)

// File is one caller-supplied attachment for a turn.
type File struct {
	Name   string
	Reader io.Reader
}

// UploadResult describes a stored file.
type UploadResult struct {
	FileName         string // name supplied by the caller
	ProviderFileName string // name assigned by the storage backend
	ProviderName     string // backend label, persisted on the attachment
	URI              string // durable reference
	ContentHash      string
	ContentType      string
	Size             int64
}

// Uploader stores raw bytes and hands out time-limited public URLs.
type Uploader interface {
	Upload(ctx context.Context, fileName string, r io.Reader) (*UploadResult, error)
	PublicURL(ctx context.Context, providerFileName string) (string, error)
}

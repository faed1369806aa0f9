// ABOUTME: Filesystem-backed media uploader
// ABOUTME: Stores uploads under random names with a blake2b content hash

package media

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// LocalProviderName is persisted on attachments stored by LocalUploader.
const LocalProviderName = "local"

// sniffLen matches what http.DetectContentType inspects.
const sniffLen = 512

var (
	providerNamePattern = regexp.MustCompile(`^[A-F0-9]{32}(\.[a-z0-9]{1,10})?$`)
	extensionPattern    = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)
)

// storedExtension returns the lower-cased extension kept on the provider
// file name, or "" when it would not pass providerNamePattern.
func storedExtension(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if !extensionPattern.MatchString(ext) {
		return ""
	}
	return ext
}

// LocalUploader stores files in a directory and serves them through signed URLs.
type LocalUploader struct {
	dir      string
	baseURL  string
	maxBytes int64
	signer   *URLSigner
	logger   *slog.Logger
}

var _ Uploader = (*LocalUploader)(nil)

// NewLocalUploader creates the storage directory if needed.
// baseURL is the externally reachable gateway address used in public URLs.
func NewLocalUploader(dir, baseURL string, maxBytes int64, signer *URLSigner, logger *slog.Logger) (*LocalUploader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating media directory: %w", err)
	}
	return &LocalUploader{
		dir:      dir,
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: maxBytes,
		signer:   signer,
		logger:   logger.With("component", "media"),
	}, nil
}

// Upload copies r into the media directory under a random provider file name.
func (u *LocalUploader) Upload(ctx context.Context, fileName string, r io.Reader) (*UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ext := storedExtension(fileName)
	providerFileName := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")) + ext
	path := filepath.Join(u.dir, providerFileName)

	f, err := os.CreateTemp(u.dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating upload file: %w", err)
	}
	tmpPath := f.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	hasher, err := blake2b.New(16, nil)
	if err != nil {
		f.Close()
		cleanup()
		return nil, fmt.Errorf("creating hasher: %w", err)
	}

	head := &prefixBuffer{limit: sniffLen}
	src := io.Reader(&ctxReader{ctx: ctx, r: r})
	if u.maxBytes > 0 {
		src = io.LimitReader(src, u.maxBytes+1)
	}

	size, err := io.Copy(io.MultiWriter(f, hasher, head), src)
	closeErr := f.Close()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("writing upload: %w", err)
	}
	if closeErr != nil {
		cleanup()
		return nil, fmt.Errorf("closing upload: %w", closeErr)
	}
	if u.maxBytes > 0 && size > u.maxBytes {
		cleanup()
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrTooLarge, fileName, u.maxBytes)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return nil, fmt.Errorf("storing upload: %w", err)
	}

	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = http.DetectContentType(head.buf)
	}
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}

	result := &UploadResult{
		FileName:         fileName,
		ProviderFileName: providerFileName,
		ProviderName:     LocalProviderName,
		URI:              (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(),
		ContentHash:      hex.EncodeToString(hasher.Sum(nil)),
		ContentType:      contentType,
		Size:             size,
	}

	u.logger.Debug("stored upload",
		"file_name", fileName,
		"provider_file_name", providerFileName,
		"size", size,
		"content_type", contentType,
	)
	return result, nil
}

// PublicURL returns a signed URL for a stored file, valid for the signer's TTL.
func (u *LocalUploader) PublicURL(ctx context.Context, providerFileName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := u.path(providerFileName)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, providerFileName)
		}
		return "", fmt.Errorf("checking media file: %w", err)
	}

	token, _, err := u.signer.Sign(providerFileName)
	if err != nil {
		return "", err
	}
	return u.baseURL + "/media/" + token, nil
}

// Open returns the stored file for a provider file name.
func (u *LocalUploader) Open(providerFileName string) (*os.File, error) {
	path, err := u.path(providerFileName)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, providerFileName)
	}
	return f, err
}

// path validates the name before joining so callers cannot escape dir.
func (u *LocalUploader) path(providerFileName string) (string, error) {
	if !providerNamePattern.MatchString(providerFileName) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, providerFileName)
	}
	return filepath.Join(u.dir, providerFileName), nil
}

// prefixBuffer keeps the first limit bytes written to it.
type prefixBuffer struct {
	buf   []byte
	limit int
}

func (p *prefixBuffer) Write(b []byte) (int, error) {
	if room := p.limit - len(p.buf); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		p.buf = append(p.buf, b[:room]...)
	}
	return len(b), nil
}

// ctxReader stops a copy when the context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

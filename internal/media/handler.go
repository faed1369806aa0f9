// ABOUTME: HTTP handler serving media behind signed URLs
// ABOUTME: Verifies the token in the path and streams the stored file

package media

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
)

// Handler serves GET /media/{token} for files stored by a LocalUploader.
type Handler struct {
	uploader *LocalUploader
	logger   *slog.Logger
}

// NewHandler creates a media handler. Pass nil logger for default.
func NewHandler(uploader *LocalUploader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{uploader: uploader, logger: logger.With("component", "media_handler")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	token := r.PathValue("token")
	name, err := h.uploader.signer.Verify(token)
	if errors.Is(err, ErrExpiredURL) {
		http.Error(w, "link expired", http.StatusGone)
		return
	}
	if err != nil {
		http.Error(w, "invalid link", http.StatusForbidden)
		return
	}

	f, err := h.uploader.Open(name)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidName) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.logger.Error("opening media", "provider_file_name", name, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.logger.Error("stat media", "provider_file_name", name, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", "private, max-age=300")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

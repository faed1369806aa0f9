// ABOUTME: Turn endpoints that start or continue a session and stream the reply as SSE
// ABOUTME: Accepts JSON or multipart bodies and rejects replayed Idempotency-Key headers

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/media"
	"github.com/2389/coven-chat/internal/store"
)

const (
	// DefaultTemperature is used when a turn request does not set one.
	DefaultTemperature = 0.7

	// maxMultipartMemory is how much of a multipart body is held in memory
	// before file parts spill to disk.
	maxMultipartMemory = 32 << 20

	// maxFilesPerTurn bounds the request body together with media.max_upload_bytes.
	maxFilesPerTurn = 10

	// SubscriptionHeader names the caller's own event stream, which then
	// does not receive the events of the turn it is streaming directly.
	SubscriptionHeader = "X-Subscription-ID"
)

// TurnRequest is the JSON body for POST /api/sessions/start and
// POST /api/sessions/{id}/turns. Multipart requests carry the same fields as
// form values plus "files" parts.
type TurnRequest struct {
	BotID       int64    `json:"bot_id,omitempty"`
	Title       string   `json:"title,omitempty"`
	Text        string   `json:"text"`
	Temperature *float64 `json:"temperature,omitempty"`
}

func (t TurnRequest) temperature() float64 {
	if t.Temperature == nil {
		return DefaultTemperature
	}
	return *t.Temperature
}

// turnForm is a parsed turn request and the open file parts it references.
type turnForm struct {
	TurnRequest
	files   []media.File
	closers []io.Closer
	form    *multipart.Form
}

func (f *turnForm) close() {
	for _, c := range f.closers {
		_ = c.Close()
	}
	if f.form != nil {
		_ = f.form.RemoveAll()
	}
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.HasPrefix(mediaType, "multipart/")
}

// parseTurn reads a JSON or multipart turn request.
func (g *Gateway) parseTurn(w http.ResponseWriter, r *http.Request) (*turnForm, error) {
	if isMultipart(r) {
		return g.parseMultipart(w, r)
	}
	var f turnForm
	if err := decodeJSON(r, &f.TurnRequest); err != nil {
		return nil, err
	}
	return &f, nil
}

// parseMultipart reads form values and opens every "files" part.
func (g *Gateway) parseMultipart(w http.ResponseWriter, r *http.Request) (*turnForm, error) {
	if limit := g.config.Media.MaxUploadBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit*maxFilesPerTurn+maxMultipartMemory)
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body: %w", media.ErrTooLarge)
		}
		return nil, fmt.Errorf("%w: invalid multipart body: %v", store.ErrInvalidArgument, err)
	}

	f := &turnForm{form: r.MultipartForm}
	f.Text = r.FormValue("text")
	f.Title = r.FormValue("title")
	if raw := r.FormValue("bot_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			f.close()
			return nil, fmt.Errorf("%w: invalid bot_id %q", store.ErrInvalidArgument, raw)
		}
		f.BotID = id
	}
	if raw := r.FormValue("temperature"); raw != "" {
		t, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			f.close()
			return nil, fmt.Errorf("%w: invalid temperature %q", store.ErrInvalidArgument, raw)
		}
		f.Temperature = &t
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) > maxFilesPerTurn {
		f.close()
		return nil, fmt.Errorf("%w: at most %d files per request", store.ErrInvalidArgument, maxFilesPerTurn)
	}
	for _, fh := range headers {
		file, err := fh.Open()
		if err != nil {
			f.close()
			return nil, fmt.Errorf("opening %s: %w", fh.Filename, err)
		}
		f.closers = append(f.closers, file)
		f.files = append(f.files, media.File{Name: fh.Filename, Reader: file})
	}
	return f, nil
}

// sseStream writes turn events. Headers are sent with the first event, so
// failures before any output can still be reported with a plain status code.
type sseStream struct {
	g       *Gateway
	w       http.ResponseWriter
	flusher http.Flusher
	started map[string]any
	open    bool
}

func (s *sseStream) send(event string, data any) {
	if !s.open {
		s.open = true
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.Header().Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.g.writeSSEEvent(s.w, "started", s.started)
	}
	s.g.writeSSEEvent(s.w, event, data)
	s.flusher.Flush()
}

func (s *sseStream) observers() conversation.Observers {
	return conversation.Observers{
		OnFragment: func(text string) {
			// metadata-only fragments have nothing to render
			if text != "" {
				s.send("fragment", map[string]string{"text": text})
			}
		},
		OnComplete: func(c conversation.Completion) {
			s.send("complete", c)
		},
	}
}

// finish reports the outcome as a final event, or as a JSON error if
// nothing was streamed yet.
func (s *sseStream) finish(r *http.Request, msg *store.Message, err error) {
	if err == nil {
		s.send("message", messageResponse(msg))
		return
	}
	if !s.open {
		s.g.sendError(s.w, r, err)
		return
	}
	status := statusFor(err)
	text := err.Error()
	if status == http.StatusInternalServerError {
		text = "internal server error"
	}
	s.send("error", map[string]any{"error": text, "status": status})
}

// claimIdempotencyKey reserves the request's Idempotency-Key, if any. It
// returns the scoped key to release later, or false after writing a 409.
func (g *Gateway) claimIdempotencyKey(w http.ResponseWriter, r *http.Request, scope string) (string, bool) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		return "", true
	}
	var subject string
	if a := auth.FromContext(r.Context()); a != nil {
		subject = a.Subject
	}
	scoped := scope + "|" + subject + "|" + key

	status, messageID := g.dedupe.Begin(scoped)
	switch status {
	case dedupe.StatusInFlight:
		g.logger.Debug("idempotency key in flight", "scope", scope)
		g.sendJSONError(w, http.StatusConflict, "a request with this Idempotency-Key is already in progress")
		return "", false
	case dedupe.StatusDone:
		g.logger.Debug("idempotency key replayed", "scope", scope, "message_id", messageID)
		g.sendJSON(w, http.StatusConflict, map[string]any{
			"error":      "duplicate request",
			"message_id": messageID,
		})
		return "", false
	}
	return scoped, true
}

// releaseIdempotencyKey records the outcome for a claimed key. Failed turns
// free the key so the client can retry.
func (g *Gateway) releaseIdempotencyKey(key string, msg *store.Message, err error) {
	if key == "" {
		return
	}
	if err != nil {
		g.dedupe.Forget(key)
		return
	}
	g.dedupe.Complete(key, msg.ID)
}

func (g *Gateway) newStream(w http.ResponseWriter, started map[string]any) (*sseStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}
	return &sseStream{g: g, w: w, flusher: flusher, started: started}, true
}

// handleStartSession creates a session on bot_id and streams its first turn.
func (g *Gateway) handleStartSession(w http.ResponseWriter, r *http.Request) {
	form, err := g.parseTurn(w, r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	defer form.close()

	stream, ok := g.newStream(w, map[string]any{"bot_id": form.BotID})
	if !ok {
		return
	}
	key, ok := g.claimIdempotencyKey(w, r, "start")
	if !ok {
		return
	}

	msg, err := g.orchestrator.StartSession(r.Context(), conversation.StartRequest{
		BotID:       form.BotID,
		UserText:    form.Text,
		Title:       form.Title,
		Files:       form.files,
		Temperature: form.temperature(),
		Observers:   stream.observers(),
	})
	g.releaseIdempotencyKey(key, msg, err)
	stream.finish(r, msg, err)
}

// handleContinue runs a turn on an existing session and streams the reply.
func (g *Gateway) handleContinue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	form, err := g.parseTurn(w, r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	defer form.close()

	stream, ok := g.newStream(w, map[string]any{"session_id": id})
	if !ok {
		return
	}
	key, ok := g.claimIdempotencyKey(w, r, "session:"+strconv.FormatInt(id, 10))
	if !ok {
		return
	}

	if g.config.Conversation.SerializeSessions {
		unlock, err := g.locks.Lock(r.Context(), id)
		if err != nil {
			err = fmt.Errorf("%w: waiting for session %d: %w", conversation.ErrCancelled, id, err)
			g.releaseIdempotencyKey(key, nil, err)
			g.sendError(w, r, err)
			return
		}
		defer unlock()
	}

	msg, err := g.orchestrator.Continue(r.Context(), id, conversation.TurnRequest{
		UserText:    form.Text,
		Files:       form.files,
		Temperature: form.temperature(),
		Observers:   stream.observers(),
		Origin:      strings.TrimSpace(r.Header.Get(SubscriptionHeader)),
	})
	g.releaseIdempotencyKey(key, msg, err)
	stream.finish(r, msg, err)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

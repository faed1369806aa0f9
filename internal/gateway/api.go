// ABOUTME: HTTP API handlers for bots, sessions, messages, transcripts and usage stats
// ABOUTME: JSON in and out, with store and orchestrator errors mapped to status codes

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/media"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/transcript"
)

// StatusClientClosedRequest is reported when the caller went away mid-turn.
const StatusClientClosedRequest = 499

// AuditResponse is the audit block included in every entity response.
type AuditResponse struct {
	CreatedBy string    `json:"created_by"`
	UpdatedBy string    `json:"updated_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// BotRequest is the body for POST /api/bots and PUT /api/bots/{id}.
type BotRequest struct {
	AccountID    int64  `json:"account_id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	ImageURL     string `json:"image_url"`
	SystemPrompt string `json:"system_prompt"`
	SafetyPrompt string `json:"safety_prompt"`
	SystemColor  string `json:"system_color"`
	// Version is required on update and must match the stored version.
	Version int64 `json:"version,omitempty"`
}

// BotResponse is a bot as returned by the API.
type BotResponse struct {
	ID           int64              `json:"id"`
	AccountID    int64              `json:"account_id"`
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	ImageURL     string             `json:"image_url,omitempty"`
	SystemPrompt string             `json:"system_prompt,omitempty"`
	SafetyPrompt string             `json:"safety_prompt,omitempty"`
	SystemColor  string             `json:"system_color,omitempty"`
	Audit        AuditResponse      `json:"audit"`
	Sessions     []*SessionResponse `json:"sessions,omitempty"`
}

// SessionRequest is the body for POST /api/sessions and PUT /api/sessions/{id}.
type SessionRequest struct {
	BotID         int64  `json:"bot_id"`
	Title         string `json:"title"`
	ChatReference string `json:"chat_reference"`
	CanShare      bool   `json:"can_share"`
	IsArchived    bool   `json:"is_archived"`
	Version       int64  `json:"version,omitempty"`
}

// SessionResponse is a session as returned by the API.
type SessionResponse struct {
	ID            int64              `json:"id"`
	BotID         int64              `json:"bot_id"`
	Title         string             `json:"title"`
	ChatReference string             `json:"chat_reference,omitempty"`
	CanShare      bool               `json:"can_share"`
	HasMedia      bool               `json:"has_media"`
	IsArchived    bool               `json:"is_archived"`
	Audit         AuditResponse      `json:"audit"`
	Messages      []*MessageResponse `json:"messages,omitempty"`
}

// MessageResponse is one persisted turn.
type MessageResponse struct {
	ID                    int64            `json:"id"`
	SessionID             int64            `json:"session_id"`
	UserMessage           string           `json:"user_message"`
	AgentResponse         string           `json:"agent_response"`
	AgentResponseMediaURL string           `json:"agent_response_media_url,omitempty"`
	Model                 string           `json:"model"`
	ProviderName          string           `json:"provider_name"`
	InputTokens           int64            `json:"input_tokens"`
	OutputTokens          int64            `json:"output_tokens"`
	Audit                 AuditResponse    `json:"audit"`
	Media                 []*MediaResponse `json:"media,omitempty"`
}

// MediaResponse is one attachment.
type MediaResponse struct {
	ID               int64         `json:"id"`
	MessageID        int64         `json:"message_id"`
	MediaURL         string        `json:"media_url"`
	Name             string        `json:"name"`
	ContentType      string        `json:"content_type,omitempty"`
	ContentHash      string        `json:"content_hash,omitempty"`
	ProviderName     string        `json:"provider_name,omitempty"`
	ProviderFileName string        `json:"provider_file_name,omitempty"`
	FileName         string        `json:"file_name"`
	Audit            AuditResponse `json:"audit"`
}

// ModelUsageResponse is per-model usage in a UsageStatsResponse.
type ModelUsageResponse struct {
	Model        string `json:"model"`
	ProviderName string `json:"provider_name"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	MessageCount int64  `json:"message_count"`
}

// UsageStatsResponse is the response for GET /api/stats/usage.
type UsageStatsResponse struct {
	TotalInput   int64                `json:"total_input"`
	TotalOutput  int64                `json:"total_output"`
	TotalTokens  int64                `json:"total_tokens"`
	MessageCount int64                `json:"message_count"`
	ByModel      []ModelUsageResponse `json:"by_model"`
}

func auditResponse(a store.Audit) AuditResponse {
	return AuditResponse{
		CreatedBy: a.CreatedBy,
		UpdatedBy: a.UpdatedBy,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
		Version:   a.Version,
	}
}

func botResponse(b *store.Bot) *BotResponse {
	resp := &BotResponse{
		ID:           b.ID,
		AccountID:    b.AccountID,
		Name:         b.Name,
		Description:  b.Description,
		ImageURL:     b.ImageURL,
		SystemPrompt: b.SystemPrompt,
		SafetyPrompt: b.SafetyPrompt,
		SystemColor:  b.SystemColor,
		Audit:        auditResponse(b.Audit),
	}
	for _, s := range b.Sessions {
		resp.Sessions = append(resp.Sessions, sessionResponse(s))
	}
	return resp
}

func sessionResponse(s *store.Session) *SessionResponse {
	resp := &SessionResponse{
		ID:            s.ID,
		BotID:         s.BotID,
		Title:         s.Title,
		ChatReference: s.ChatReference,
		CanShare:      s.CanShare,
		HasMedia:      s.HasMedia,
		IsArchived:    s.IsArchived,
		Audit:         auditResponse(s.Audit),
	}
	for _, m := range s.Messages {
		resp.Messages = append(resp.Messages, messageResponse(m))
	}
	return resp
}

func messageResponse(m *store.Message) *MessageResponse {
	resp := &MessageResponse{
		ID:                    m.ID,
		SessionID:             m.SessionID,
		UserMessage:           m.UserMessage,
		AgentResponse:         m.AgentResponse,
		AgentResponseMediaURL: m.AgentResponseMediaURL,
		Model:                 m.Model,
		ProviderName:          m.ProviderName,
		InputTokens:           m.InputTokens,
		OutputTokens:          m.OutputTokens,
		Audit:                 auditResponse(m.Audit),
	}
	for _, a := range m.Media {
		resp.Media = append(resp.Media, mediaResponse(a))
	}
	return resp
}

func mediaResponse(a *store.MediaAttachment) *MediaResponse {
	return &MediaResponse{
		ID:               a.ID,
		MessageID:        a.MessageID,
		MediaURL:         a.MediaURL,
		Name:             a.Name,
		ContentType:      a.ContentType,
		ContentHash:      a.ContentHash,
		ProviderName:     a.ProviderName,
		ProviderFileName: a.ProviderFileName,
		FileName:         a.FileName,
		Audit:            auditResponse(a.Audit),
	}
}

// statusFor maps store and orchestrator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrConcurrencyViolation):
		return http.StatusConflict
	case errors.Is(err, media.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, conversation.ErrCancelled), errors.Is(err, context.Canceled):
		return StatusClientClosedRequest
	case errors.Is(err, conversation.ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes err as a JSON error. Internal failures are logged and
// reported without detail.
func (g *Gateway) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	g.sendJSONError(w, status, msg)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// sendJSON writes v with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// pathID parses the {id} path value.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", store.ErrInvalidArgument, r.PathValue("id"))
	}
	return id, nil
}

// queryID parses an optional positive integer query parameter.
func queryID(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", store.ErrInvalidArgument, name, raw)
	}
	return id, nil
}

func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body", store.ErrInvalidArgument)
	}
	return nil
}

func (g *Gateway) handleListBots(w http.ResponseWriter, r *http.Request) {
	bots, err := g.store.ListBots(r.Context())
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	resp := make([]*BotResponse, 0, len(bots))
	for _, b := range bots {
		resp = append(resp, botResponse(b))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req BotRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}

	bot := &store.Bot{}
	req.apply(bot)
	if err := g.store.CreateBot(r.Context(), bot); err != nil {
		g.sendError(w, r, err)
		return
	}
	g.logger.Info("bot created", "bot_id", bot.ID, "name", bot.Name)
	g.sendJSON(w, http.StatusCreated, botResponse(bot))
}

func (req BotRequest) apply(bot *store.Bot) {
	bot.AccountID = req.AccountID
	bot.Name = req.Name
	bot.Description = req.Description
	bot.ImageURL = req.ImageURL
	bot.SystemPrompt = req.SystemPrompt
	bot.SafetyPrompt = req.SafetyPrompt
	bot.SystemColor = req.SystemColor
}

func (g *Gateway) handleGetBot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	bot, err := g.store.GetBot(r.Context(), id, queryBool(r, "include_sessions"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, botResponse(bot))
}

// handleUpdateBot replaces a bot's fields. The body's version must match.
func (g *Gateway) handleUpdateBot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	var req BotRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	if req.Version <= 0 {
		g.sendJSONError(w, http.StatusBadRequest, "version is required")
		return
	}

	bot, err := g.store.GetBot(r.Context(), id, false)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	req.apply(bot)
	bot.Version = req.Version
	if err := g.store.UpdateBot(r.Context(), bot); err != nil {
		g.sendError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, botResponse(bot))
}

func (g *Gateway) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if err := g.store.DeleteBot(r.Context(), id); err != nil {
		g.sendError(w, r, err)
		return
	}
	g.logger.Info("bot deleted", "bot_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	botID, err := queryID(r, "bot_id")
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	filter := store.SessionFilter{BotID: botID, IncludeArchived: queryBool(r, "include_archived")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	sessions, err := g.store.ListSessions(r.Context(), filter)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	resp := make([]*SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, sessionResponse(s))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleCreateSession creates an empty session without running a turn.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	session := &store.Session{BotID: req.BotID}
	req.apply(session)
	if err := g.store.CreateSession(r.Context(), session); err != nil {
		g.sendError(w, r, err)
		return
	}
	g.logger.Info("session created", "session_id", session.ID, "bot_id", session.BotID)
	g.sendJSON(w, http.StatusCreated, sessionResponse(session))
}

func (req SessionRequest) apply(s *store.Session) {
	s.Title = strings.TrimSpace(req.Title)
	s.ChatReference = req.ChatReference
	s.CanShare = req.CanShare
	s.IsArchived = req.IsArchived
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	session, err := g.store.GetSession(r.Context(), id, queryBool(r, "include_messages"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, sessionResponse(session))
}

// handleUpdateSession replaces a session's mutable fields. The body's version must match.
func (g *Gateway) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	var req SessionRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	if req.Version <= 0 {
		g.sendJSONError(w, http.StatusBadRequest, "version is required")
		return
	}

	session, err := g.store.GetSession(r.Context(), id, false)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	req.apply(session)
	if session.Title == "" {
		session.Title = store.DefaultSessionTitle
	}
	session.Version = req.Version
	if err := g.store.UpdateSession(r.Context(), session); err != nil {
		g.sendError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, sessionResponse(session))
}

func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if err := g.store.DeleteSession(r.Context(), id); err != nil {
		g.sendError(w, r, err)
		return
	}
	g.logger.Info("session deleted", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleTranscript renders a session as markdown (?format=md) or HTML (default).
func (g *Gateway) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	session, err := g.store.GetSession(r.Context(), id, true)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "md", "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(transcript.Markdown(session)))
	case "", "html":
		page, err := transcript.HTML(session)
		if err != nil {
			g.sendError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(page)
	default:
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
	}
}

func (g *Gateway) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	msg, err := g.store.GetMessage(r.Context(), id)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, messageResponse(msg))
}

func (g *Gateway) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if err := g.store.DeleteMessage(r.Context(), id); err != nil {
		g.sendError(w, r, err)
		return
	}
	g.logger.Info("message deleted", "message_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleAddMedia attaches multipart "files" to an existing message.
func (g *Gateway) handleAddMedia(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	form, err := g.parseMultipart(w, r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	defer form.close()

	attached, err := g.orchestrator.AttachMedia(r.Context(), id, form.files)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	resp := make([]*MediaResponse, 0, len(attached))
	for _, a := range attached {
		resp = append(resp, mediaResponse(a))
	}
	g.sendJSON(w, http.StatusCreated, resp)
}

// handleUsageStats returns aggregated token usage. Optional filters:
// bot_id, session_id, since and until (RFC 3339).
func (g *Gateway) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	var filter store.UsageFilter
	var err error
	if filter.BotID, err = queryID(r, "bot_id"); err != nil {
		g.sendError(w, r, err)
		return
	}
	if filter.SessionID, err = queryID(r, "session_id"); err != nil {
		g.sendError(w, r, err)
		return
	}
	for name, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: expected RFC 3339 time", name))
			return
		}
		*dst = &t
	}

	stats, err := g.store.GetUsageStats(r.Context(), filter)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	resp := UsageStatsResponse{
		TotalInput:   stats.TotalInput,
		TotalOutput:  stats.TotalOutput,
		TotalTokens:  stats.TotalTokens,
		MessageCount: stats.MessageCount,
		ByModel:      make([]ModelUsageResponse, 0, len(stats.ByModel)),
	}
	for _, mu := range stats.ByModel {
		resp.ByModel = append(resp.ByModel, ModelUsageResponse{
			Model:        mu.Model,
			ProviderName: mu.ProviderName,
			InputTokens:  mu.InputTokens,
			OutputTokens: mu.OutputTokens,
			MessageCount: mu.MessageCount,
		})
	}
	g.sendJSON(w, http.StatusOK, resp)
}

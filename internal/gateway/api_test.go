// ABOUTME: Tests for the HTTP API handlers and SSE turn streams
// ABOUTME: Drives the real mux with httptest against SQLite and scripted providers

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/completion"
	"github.com/2389/coven-chat/internal/conversation"
)

type sseEvent struct {
	Event string
	Data  string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.Event != "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Event
	}
	return names
}

func doJSON(t *testing.T, gw *Gateway, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func createBot(t *testing.T, gw *Gateway, req BotRequest) *BotResponse {
	t.Helper()
	rec := doJSON(t, gw, http.MethodPost, "/api/bots", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[*BotResponse](t, rec)
}

// startSession runs a first turn and returns the persisted message event.
func startSession(t *testing.T, gw *Gateway, botID int64, text string) *MessageResponse {
	t.Helper()
	rec := doJSON(t, gw, http.MethodPost, "/api/sessions/start", TurnRequest{BotID: botID, Text: text})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	events := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, "message", last.Event, last.Data)

	var msg MessageResponse
	require.NoError(t, json.Unmarshal([]byte(last.Data), &msg))
	return &msg
}

func TestBotsCRUD(t *testing.T) {
	gw := newTestGateway(t)

	bot := createBot(t, gw, BotRequest{Name: "Helper", AccountID: 3, SystemPrompt: "Be brief."})
	assert.NotZero(t, bot.ID)
	assert.Equal(t, int64(1), bot.Audit.Version)
	assert.Equal(t, "tester@example.com", bot.Audit.CreatedBy)

	rec := doJSON(t, gw, http.MethodGet, fmt.Sprintf("/api/bots/%d", bot.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Be brief.", decode[*BotResponse](t, rec).SystemPrompt)

	rec = doJSON(t, gw, http.MethodGet, "/api/bots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*BotResponse](t, rec), 1)

	t.Run("update requires version", func(t *testing.T) {
		rec := doJSON(t, gw, http.MethodPut, fmt.Sprintf("/api/bots/%d", bot.ID), BotRequest{Name: "Renamed", AccountID: 3})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("update with current version", func(t *testing.T) {
		rec := doJSON(t, gw, http.MethodPut, fmt.Sprintf("/api/bots/%d", bot.ID), BotRequest{Name: "Renamed", AccountID: 3, Version: 1})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		updated := decode[*BotResponse](t, rec)
		assert.Equal(t, "Renamed", updated.Name)
		assert.Equal(t, int64(2), updated.Audit.Version)
	})

	t.Run("update with stale version", func(t *testing.T) {
		rec := doJSON(t, gw, http.MethodPut, fmt.Sprintf("/api/bots/%d", bot.ID), BotRequest{Name: "Again", AccountID: 3, Version: 1})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("invalid bot", func(t *testing.T) {
		rec := doJSON(t, gw, http.MethodPost, "/api/bots", BotRequest{Name: ""})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad id", func(t *testing.T) {
		rec := doJSON(t, gw, http.MethodGet, "/api/bots/abc", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	rec = doJSON(t, gw, http.MethodDelete, fmt.Sprintf("/api/bots/%d", bot.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, gw, http.MethodGet, fmt.Sprintf("/api/bots/%d", bot.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "not found")
}

func TestSessionsCRUD(t *testing.T) {
	gw := newTestGateway(t)
	bot := createBot(t, gw, BotRequest{Name: "Helper"})
	other := createBot(t, gw, BotRequest{Name: "Other"})

	rec := doJSON(t, gw, http.MethodPost, "/api/sessions", SessionRequest{BotID: bot.ID, Title: "Planning"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	session := decode[*SessionResponse](t, rec)
	assert.Equal(t, "Planning", session.Title)
	assert.Equal(t, int64(1), session.Audit.Version)

	rec = doJSON(t, gw, http.MethodPost, "/api/sessions", SessionRequest{BotID: other.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "New Session", decode[*SessionResponse](t, rec).Title)

	rec = doJSON(t, gw, http.MethodPost, "/api/sessions", SessionRequest{BotID: 999})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, gw, http.MethodGet, fmt.Sprintf("/api/sessions?bot_id=%d", bot.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[[]*SessionResponse](t, rec)
	require.Len(t, listed, 1)
	assert.Equal(t, session.ID, listed[0].ID)

	rec = doJSON(t, gw, http.MethodGet, "/api/sessions?bot_id=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, gw, http.MethodPut, fmt.Sprintf("/api/sessions/%d", session.ID),
		SessionRequest{Title: "Archived plan", IsArchived: true, Version: 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[*SessionResponse](t, rec)
	assert.True(t, updated.IsArchived)
	assert.Equal(t, int64(2), updated.Audit.Version)

	rec = doJSON(t, gw, http.MethodGet, fmt.Sprintf("/api/sessions?bot_id=%d", bot.ID), nil)
	assert.Empty(t, decode[[]*SessionResponse](t, rec), "archived sessions are hidden by default")

	rec = doJSON(t, gw, http.MethodGet, fmt.Sprintf("/api/sessions?bot_id=%d&include_archived=true", bot.ID), nil)
	assert.Len(t, decode[[]*SessionResponse](t, rec), 1)

	rec = doJSON(t, gw, http.MethodPut, fmt.Sprintf("/api/sessions/%d", session.ID),
		SessionRequest{Title: "Stale", Version: 1})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, gw, http.MethodDelete, fmt.Sprintf("/api/sessions/%d", session.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, gw, http.MethodDelete, fmt.Sprintf("/api/sessions/%d", session.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartSession_StreamsTurn(t *testing.T) {
	gw := newTestGateway(t)
	bot := createBot(t, gw, BotRequest{Name: "Echo Bot"})

	rec := doJSON(t, gw, http.MethodPost, "/api/sessions/start", TurnRequest{BotID: bot.ID, Text: "Hello world", Title: "Greeting"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{"started", "fragment", "fragment", "complete", "message"}, eventNames(events))
	assert.JSONEq(t, `{"text":"Hello"}`, events[1].Data)
	assert.JSONEq(t, `{"text":" world"}`, events[2].Data)

	var done struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
		Model        string `json:"model"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[3].Data), &done))
	assert.Equal(t, "Hello world", done.Text)
	assert.Equal(t, "stop", done.FinishReason)
	assert.Equal(t, "echo", done.Model)

	var msg MessageResponse
	require.NoError(t, json.Unmarshal([]byte(events[4].Data), &msg))
	assert.Equal(t, "Hello world", msg.UserMessage)
	assert.Equal(t, "Hello world", msg.AgentResponse)
	assert.Equal(t, "Echo", msg.ProviderName)
	assert.Equal(t, "tester@example.com", msg.Audit.CreatedBy)

	rec = doJSON(t, gw, http.MethodGet, fmt.Sprintf("/api/sessions/%d?include_messages=true", msg.SessionID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	session := decode[*SessionResponse](t, rec)
	assert.Equal(t, "Greeting", session.Title)
	require.Len(t, session.Messages, 1)
	assert.Equal(t, msg.ID, session.Messages[0].ID)
}

func TestStartSession_ErrorsBeforeStreaming(t *testing.T) {
	gw := newTestGateway(t)
	bot := createBot(t, gw, BotRequest{Name: "Echo Bot"})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{"bot_id":`, http.StatusBadRequest},
		{"missing bot", `{"text":"hi"}`, http.StatusBadRequest},
		{"blank text", fmt.Sprintf(`{"bot_id":%d,"text":"  "}`, bot.ID), http.StatusBadRequest},
		{"unknown bot", `{"bot_id":999,"text":"hi"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/sessions/start", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			gw.Handler().ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestContinue_StreamsTurn(t *testing.T) {
	gw := newTestGateway(t)
	bot := createBot(t, gw, BotRequest{Name: "Echo Bot"})
	first := startSession(t, gw, bot.ID, "one")

	temp := 0.2
	rec := doJSON(t, gw, http.MethodPost, fmt.Sprintf("/api/sessions/%d/turns", first.SessionID),
		TurnRequest{Text: "two three", Temperature: &temp})
	require.Equal(t, http.StatusOK, rec.Code)

	events := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, events)
	assert.JSONEq(t, fmt.Sprintf(`{"session_id":%d}`, first.SessionID), events[0].Data)

	var msg MessageResponse
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-1].Data), &msg))
	assert.Equal(t, "two three", msg.AgentResponse)
	assert.Equal(t, first.SessionID, msg.SessionID)
	assert.Greater(t, msg.ID, first.ID)

	rec = doJSON(t, gw, http.MethodPost, "/api/sessions/999/turns", TurnRequest{Text: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContinue_ScriptedHistory(t *testing.T) {
	scripted := completion.NewScripted(completion.Fragment{Text: "ok", ModelID: "m1"})
	gw := newTestGateway(t, WithProvider(scripted))
	bot := createBot(t, gw, BotRequest{Name: "Bot", SystemPrompt: "Be brief.", SafetyPrompt: "Be kind."})

	first := startSession(t, gw, bot.ID, "first")
	rec := doJSON(t, gw, http.MethodPost, fmt.Sprintf("/api/sessions/%d/turns", first.SessionID), TurnRequest{Text: "second"})
	require.Equal(t, http.StatusOK, rec.Code)

	calls := scripted.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, DefaultTemperature, calls[1].Temperature)

	turns := calls[1].History.Turns
	require.Len(t, turns, 5)
	assert.Equal(t, "Be brief.", turns[0].Text())
	assert.Equal(t, "Be kind.", turns[1].Text())
	assert.Equal(t, "first", turns[2].Text())
	assert.Equal(t, "ok", turns[3].Text())
	assert.Equal(t, "second", turns[4].Text())
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

var pngBytes = []byte("\x89PNG\r\n\x1a\n fake image data")

func TestStartSession_MultipartFiles(t *testing.T) {
	scripted := completion.NewScripted(completion.Fragment{Text: "nice picture", ModelID: "m1"})
	gw := newTestGateway(t, WithProvider(scripted))
	bot := createBot(t, gw, BotRequest{Name: "Vision"})

	body, contentType := multipartBody(t,
		map[string]string{"bot_id": fmt.Sprint(bot.ID), "text": "what is this?", "temperature": "0.3"},
		map[string][]byte{"photo.png": pngBytes})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/start", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	events := parseSSE(t, rec.Body.String())
	var msg MessageResponse
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-1].Data), &msg))
	require.Len(t, msg.Media, 1)
	assert.Equal(t, "photo.png", msg.Media[0].FileName)
	assert.Equal(t, "image/png", msg.Media[0].ContentType)
	assert.True(t, strings.HasPrefix(msg.Media[0].MediaURL, "http://chat.test/media/"))

	calls := scripted.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 0.3, calls[0].Temperature)
	user := calls[0].History.Turns[len(calls[0].History.Turns)-1]
	require.Len(t, user.Parts, 2)
	assert.True(t, user.Parts[0].IsImage())
	assert.Equal(t, msg.Media[0].MediaURL, user.Parts[0].ImageURL)

	rec = doJSON(t, gw, http.MethodGet, fmt.Sprintf("/api/sessions/%d", msg.SessionID), nil)
	assert.True(t, decode[*SessionResponse](t, rec).HasMedia)

	t.Run("signed media url serves the file", func(t *testing.T) {
		path := strings.TrimPrefix(msg.Media[0].MediaURL, "http://chat.test")
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, pngBytes, rec.Body.Bytes())
	})

	t.Run("tampered token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/not-a-token", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestStartSession_MultipartTooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Media.MaxUploadBytes = 16
	gw := newTestGatewayWithConfig(t, cfg)
	bot := createBot(t, gw, BotRequest{Name: "Vision"})

	body, contentType := multipartBody(t,
		map[string]string{"bot_id": fmt.Sprint(bot.ID), "text": "look"},
		map[string][]byte{"big.png": bytes.Repeat([]byte("x"), 64)})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/start", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
}

func TestTurn_ProviderFailureMidStream(t *testing.T) {
	scripted := completion.NewScripted(completion.Fragment{Text: "partial", ModelID: "m1"})
	scripted.TailErr = errors.New("connection reset")
	gw := newTestGateway(t, WithProvider(scripted))
	bot := createBot(t, gw, BotRequest{Name: "Flaky"})

	rec := doJSON(t, gw, http.MethodPost, "/api/sessions/start", TurnRequest{BotID: bot.ID, Text: "hi"})
	require.Equal(t, http.StatusOK, rec.Code, "headers were sent with the first fragment")

	events := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{"started", "fragment", "error"}, eventNames(events))

	var failure struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[2].Data), &failure))
	assert.Equal(t, http.StatusBadGateway, failure.Status)
	assert.Contains(t, failure.Error, "connection reset")

	rec = doJSON(t, gw, http.MethodGet, "/api/stats/usage", nil)
	assert.Zero(t, decode[UsageStatsResponse](t, rec).MessageCount, "failed turns are not persisted")
}

func TestTurn_NoFragments(t *testing.T) {
	gw := newTestGateway(t, WithProvider(completion.NewScripted()))
	bot := createBot(t, gw, BotRequest{Name: "Silent"})

	rec := doJSON(t, gw, http.MethodPost, "/api/sessions/start", TurnRequest{BotID: bot.ID, Text: "hi"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "no fragments")
}

func TestTurn_IdempotencyKey(t *testing.T) {
	gw := newTestGateway(t)
	bot := createBot(t, gw, BotRequest{Name: "Echo Bot"})
	first := startSession(t, gw, bot.ID, "one")
	path := fmt.Sprintf("/api/sessions/%d/turns", first.SessionID)

	rec := doJSON(t, gw, http.MethodPost, path, TurnRequest{Text: "two"}, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusOK, rec.Code)
	events := parseSSE(t, rec.Body.String())
	var msg MessageResponse
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-1].Data), &msg))

	rec = doJSON(t, gw, http.MethodPost, path, TurnRequest{Text: "two"}, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusConflict, rec.Code)
	dup := decode[map[string]any](t, rec)
	assert.Equal(t, float64(msg.ID), dup["message_id"])

	rec = doJSON(t, gw, http.MethodPost, path, TurnRequest{Text: "two"}, "Idempotency-Key", "def")
	assert.Equal(t, http.StatusOK, rec.Code, "a different key is a new request")

	rec = doJSON(t, gw, http.MethodGet, fmt.Sprintf("/api/sessions/%d?include_messages=true", first.SessionID), nil)
	assert.Len(t, decode[*SessionResponse](t, rec).Messages, 3)
}

func TestTurn_IdempotencyKeyFreedOnFailure(t *testing.T) {
	gw := newTestGateway(t)

	rec := doJSON(t, gw, http.MethodPost, "/api/sessions/start", TurnRequest{BotID: 999, Text: "hi"}, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusNotFound, rec.Code)

	bot := createBot(t, gw, BotRequest{Name: "Late"})
	rec = doJSON(t, gw, http.MethodPost, "/api/sessions/start", TurnRequest{BotID: bot.ID, Text: "hi"}, "Idempotency-Key", "k1")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTurn_SerializedSessions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Conversation.SerializeSessions = true
	gw := newTestGatewayWithConfig(t, cfg)
	bot := createBot(t, gw, BotRequest{Name: "Echo Bot"})
	first := startSession(t, gw, bot.ID, "one")

	unlock, err := gw.locks.Lock(context.Background(), first.SessionID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/sessions/%d/turns", first.SessionID),
		strings.NewReader(`{"text":"two"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, StatusClientClosedRequest, rec.Code, "turn waits for the session lock until the caller gives up")

	unlock()
	rec = doJSON(t, gw, http.MethodPost, fmt.Sprintf("/api/sessions/%d/turns", first.SessionID), TurnRequest{Text: "two"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMessages_GetDeleteAndAttach(t *testing.T) {
	gw := newTestGateway(t)
	bot := createBot(t, gw, BotRequest{Name: "Echo Bot"})
	msg := startSession(t, gw, bot.ID, "hello")

	body, contentType := multipartBody(t, nil, map[string][]byte{"later.png": pngBytes})
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/messages/%d/media", msg.ID), body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	attached := decode[[]*MediaResponse](t, rec)
	require.Len(t, attached, 1)
	assert.Equal(t, msg.ID, attached[0].MessageID)

	rec = doJSON(t, gw, http.MethodGet, fmt.Sprintf("/api/messages/%d", msg.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[*MessageResponse](t, rec).Media, 1)

	rec = doJSON(t, gw, http.MethodGet, fmt.Sprintf("/api/sessions/%d", msg.SessionID), nil)
	assert.True(t, decode[*SessionResponse](t, rec).HasMedia)

	rec = doJSON(t, gw, http.MethodDelete, fmt.Sprintf("/api/messages/%d", msg.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, gw, http.MethodGet, fmt.Sprintf("/api/messages/%d", msg.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	body, contentType = multipartBody(t, nil, nil)
	req = httptest.NewRequest(http.MethodPost, "/api/messages/1/media", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTranscript(t *testing.T) {
	gw := newTestGateway(t)
	bot := createBot(t, gw, BotRequest{Name: "Echo Bot", SystemColor: "#123456"})
	msg := startSession(t, gw, bot.ID, "**bold** move")
	path := fmt.Sprintf("/api/sessions/%d/transcript", msg.SessionID)

	rec := doJSON(t, gw, http.MethodGet, path+"?format=md", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/markdown; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "# New Session")
	assert.Contains(t, rec.Body.String(), "Bot: **Echo Bot**")

	rec = doJSON(t, gw, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<strong>bold</strong>")

	rec = doJSON(t, gw, http.MethodGet, path+"?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, gw, http.MethodGet, "/api/sessions/999/transcript", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUsageStats(t *testing.T) {
	gw := newTestGateway(t)
	bot := createBot(t, gw, BotRequest{Name: "Echo Bot"})
	other := createBot(t, gw, BotRequest{Name: "Other"})

	rec := doJSON(t, gw, http.MethodGet, "/api/stats/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	empty := decode[UsageStatsResponse](t, rec)
	assert.Zero(t, empty.TotalInput)
	assert.Zero(t, empty.MessageCount)
	assert.NotNil(t, empty.ByModel)

	startSession(t, gw, bot.ID, "one two three four")
	startSession(t, gw, bot.ID, "five")
	startSession(t, gw, other.ID, "six")

	rec = doJSON(t, gw, http.MethodGet, "/api/stats/usage", nil)
	all := decode[UsageStatsResponse](t, rec)
	assert.Equal(t, int64(3), all.MessageCount)
	require.Len(t, all.ByModel, 1)
	assert.Equal(t, "echo", all.ByModel[0].Model)
	assert.Equal(t, all.TotalInput+all.TotalOutput, all.TotalTokens)

	rec = doJSON(t, gw, http.MethodGet, fmt.Sprintf("/api/stats/usage?bot_id=%d", bot.ID), nil)
	assert.Equal(t, int64(2), decode[UsageStatsResponse](t, rec).MessageCount)

	since := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec = doJSON(t, gw, http.MethodGet, "/api/stats/usage?since="+since, nil)
	assert.Zero(t, decode[UsageStatsResponse](t, rec).MessageCount)

	rec = doJSON(t, gw, http.MethodGet, "/api/stats/usage?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuth_BearerTokenRequired(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	gw := newTestGatewayWithConfig(t, cfg)

	rec := doJSON(t, gw, http.MethodGet, "/api/bots", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, gw, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("ana@example.com", time.Hour)
	require.NoError(t, err)

	rec = doJSON(t, gw, http.MethodPost, "/api/bots", BotRequest{Name: "Mine"}, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	bot := decode[*BotResponse](t, rec)
	assert.Equal(t, "ana@example.com", bot.Audit.CreatedBy, "audit fields carry the token subject")

	rec = doJSON(t, gw, http.MethodGet, "/api/bots", nil, "Authorization", "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionEvents_StreamsTurnEvents(t *testing.T) {
	gw := newTestGateway(t)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	bot := createBot(t, gw, BotRequest{Name: "Echo Bot"})
	first := startSession(t, gw, bot.ID, "one")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/sessions/%d/events", srv.URL, first.SessionID), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	nextEvent := func() string {
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "event stream ended early")
				if strings.HasPrefix(line, "event: ") {
					return strings.TrimPrefix(line, "event: ")
				}
			case <-ctx.Done():
				t.Fatal("timed out waiting for event")
			}
		}
	}

	require.Equal(t, "subscribed", nextEvent())

	rec := doJSON(t, gw, http.MethodPost, fmt.Sprintf("/api/sessions/%d/turns", first.SessionID), TurnRequest{Text: "two"})
	require.Equal(t, http.StatusOK, rec.Code)

	var seen []string
	for len(seen) == 0 || seen[len(seen)-1] != "persisted" {
		seen = append(seen, nextEvent())
	}
	// the echo provider ends with a metadata-only fragment
	assert.Equal(t, []string{"started", "fragment", "fragment", "completed", "persisted"}, seen)
}

func TestContinue_SkipsOwnSubscription(t *testing.T) {
	gw := newTestGateway(t)
	bot := createBot(t, gw, BotRequest{Name: "Echo Bot"})
	first := startSession(t, gw, bot.ID, "one")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	own, ownID := gw.broadcaster.Subscribe(ctx, first.SessionID)
	other, _ := gw.broadcaster.Subscribe(ctx, first.SessionID)

	rec := doJSON(t, gw, http.MethodPost, fmt.Sprintf("/api/sessions/%d/turns", first.SessionID),
		TurnRequest{Text: "two"}, SubscriptionHeader, ownID)
	require.Equal(t, http.StatusOK, rec.Code)
	names := eventNames(parseSSE(t, rec.Body.String()))
	assert.Equal(t, "message", names[len(names)-1])

	assert.Empty(t, own)
	require.NotEmpty(t, other)
	assert.Equal(t, conversation.TurnStarted, (<-other).Type)
}

func TestSessionEvents_UnknownSession(t *testing.T) {
	gw := newTestGateway(t)
	rec := doJSON(t, gw, http.MethodGet, "/api/sessions/42/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

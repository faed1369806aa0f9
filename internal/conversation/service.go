// ABOUTME: Orchestrator runs a chat turn: history, uploads, streaming, persistence
// ABOUTME: Observers see every fragment and one completion before the turn is stored

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-chat/internal/completion"
	"github.com/2389/coven-chat/internal/media"
	"github.com/2389/coven-chat/internal/store"
)

// DefaultSystemPrompt is used for bots without a system prompt.
const DefaultSystemPrompt = "You are a helpful assistant trained to provide information and answer questions about our products and services. " +
	"Always be polite and professional. Keep your answers concise and relevant. " +
	"Do not provide personal opinions or guess answers to questions outside your training. " +
	"If you cannot provide an answer, guide the user on how they can get further assistance. " +
	"Remember to respect user privacy and do not ask for personal information unless necessary for the service."

const defaultUploadConcurrency = 4

// SessionStore is what the orchestrator needs from storage.
type SessionStore interface {
	GetBot(ctx context.Context, id int64, includeSessions bool) (*store.Bot, error)
	CreateSession(ctx context.Context, session *store.Session) error
	GetSession(ctx context.Context, id int64, includeMessages bool) (*store.Session, error)
	AddMessage(ctx context.Context, sessionID int64, msg *store.Message, media []*store.MediaAttachment) (*store.Message, error)
	AddMediaAttachment(ctx context.Context, messageID int64, media *store.MediaAttachment) (*store.MediaAttachment, error)
}

// Completion summarizes a fully consumed stream.
type Completion struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Model        string `json:"model,omitempty"`
}

// Observers receive turn progress on the goroutine consuming the stream.
// A slow observer slows the stream. Either func may be nil.
type Observers struct {
	OnFragment func(text string)
	OnComplete func(Completion)
}

func (o Observers) fragment(text string) {
	if o.OnFragment != nil {
		o.OnFragment(text)
	}
}

func (o Observers) complete(c Completion) {
	if o.OnComplete != nil {
		o.OnComplete(c)
	}
}

// TurnRequest is one user message submitted to an existing session.
type TurnRequest struct {
	UserText    string
	Files       []media.File
	Temperature float64
	Observers   Observers
	// Origin is the caller's own Broadcaster subscription, if any. It does
	// not receive this turn's events since Observers already see them.
	Origin string
}

// StartRequest opens a session on a bot and runs its first turn.
type StartRequest struct {
	BotID       int64
	UserText    string
	Title       string
	Files       []media.File
	Temperature float64
	Observers   Observers
}

func (r StartRequest) turn() TurnRequest {
	return TurnRequest{
		UserText:    r.UserText,
		Files:       r.Files,
		Temperature: r.Temperature,
		Observers:   r.Observers,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBroadcaster publishes TurnEvents for every turn.
func WithBroadcaster(b *Broadcaster) Option {
	return func(o *Orchestrator) { o.broadcaster = b }
}

// WithDefaultSystemPrompt replaces DefaultSystemPrompt.
func WithDefaultSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) { o.defaultPrompt = prompt }
}

// WithUploadConcurrency bounds parallel uploads per turn. n < 1 means one at a time.
func WithUploadConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n < 1 {
			n = 1
		}
		o.uploadConcurrency = n
	}
}

// Orchestrator drives chat turns. It does not serialize turns on the same
// session; use SessionLocks for that.
type Orchestrator struct {
	store             SessionStore
	uploader          media.Uploader
	provider          completion.Provider
	broadcaster       *Broadcaster
	defaultPrompt     string
	uploadConcurrency int
	logger            *slog.Logger
}

// New creates an orchestrator. uploader may be nil if turns never carry files.
func New(st SessionStore, uploader media.Uploader, provider completion.Provider, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:             st,
		uploader:          uploader,
		provider:          provider,
		defaultPrompt:     DefaultSystemPrompt,
		uploadConcurrency: defaultUploadConcurrency,
		logger:            logger.With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartSession creates a session on req.BotID and runs the first turn.
func (o *Orchestrator) StartSession(ctx context.Context, req StartRequest) (*store.Message, error) {
	log := o.logger.With("op", "start_session", "bot_id", req.BotID)

	if req.BotID <= 0 {
		return nil, o.logFailure(log, invalid("bot id is required"))
	}
	if err := validateTurn(req.turn()); err != nil {
		return nil, o.logFailure(log, err)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = store.DefaultSessionTitle
	}
	session := &store.Session{BotID: req.BotID, Title: title}
	if err := session.Validate(); err != nil {
		return nil, o.logFailure(log, err)
	}

	if _, err := o.store.GetBot(ctx, req.BotID, false); err != nil {
		return nil, o.logFailure(log, fmt.Errorf("loading bot: %w", err))
	}
	if err := o.store.CreateSession(ctx, session); err != nil {
		return nil, o.logFailure(log, fmt.Errorf("creating session: %w", err))
	}
	log.Info("session created", "session_id", session.ID)

	loaded, err := o.store.GetSession(ctx, session.ID, true)
	if err != nil {
		return nil, o.logFailure(log, fmt.Errorf("reloading session %d: %w", session.ID, err))
	}
	return o.runTurn(ctx, "start_session", loaded, req.turn())
}

// Continue loads sessionID with its history and runs a turn on it.
func (o *Orchestrator) Continue(ctx context.Context, sessionID int64, req TurnRequest) (*store.Message, error) {
	log := o.logger.With("op", "continue", "session_id", sessionID)

	if sessionID <= 0 {
		return nil, o.logFailure(log, invalid("session id is required"))
	}
	if err := validateTurn(req); err != nil {
		return nil, o.logFailure(log, err)
	}
	session, err := o.store.GetSession(ctx, sessionID, true)
	if err != nil {
		return nil, o.logFailure(log, fmt.Errorf("loading session: %w", err))
	}
	return o.runTurn(ctx, "continue", session, req)
}

// ContinueSession runs a turn on an already loaded session. The session must
// carry its Bot and prior Messages, as returned by GetSession with messages.
// On success the new message is appended to session.Messages.
func (o *Orchestrator) ContinueSession(ctx context.Context, session *store.Session, req TurnRequest) (*store.Message, error) {
	log := o.logger.With("op", "continue_session")

	if session == nil {
		return nil, o.logFailure(log, invalid("session is required"))
	}
	if err := validateTurn(req); err != nil {
		return nil, o.logFailure(log.With("session_id", session.ID), err)
	}
	return o.runTurn(ctx, "continue_session", session, req)
}

func validateTurn(req TurnRequest) error {
	if strings.TrimSpace(req.UserText) == "" {
		return invalid("user text is required")
	}
	for i, f := range req.Files {
		if strings.TrimSpace(f.Name) == "" {
			return invalid("file %d has no name", i)
		}
		if utf8.RuneCountInString(f.Name) > store.MaxMediaNameLength {
			return invalid("file %d name exceeds %d characters", i, store.MaxMediaNameLength)
		}
		if f.Reader == nil {
			return invalid("file %q has no content", f.Name)
		}
	}
	return nil
}

// uploadedFile is a stored upload plus its resolved public URL.
type uploadedFile struct {
	*media.UploadResult
	PublicURL string
}

func (u *uploadedFile) attachment() *store.MediaAttachment {
	return &store.MediaAttachment{
		MediaURL:         u.PublicURL,
		Name:             u.FileName,
		ContentType:      u.ContentType,
		ContentHash:      u.ContentHash,
		ProviderName:     u.ProviderName,
		ProviderFileName: u.ProviderFileName,
		FileName:         u.FileName,
	}
}

func (o *Orchestrator) runTurn(ctx context.Context, op string, session *store.Session, req TurnRequest) (*store.Message, error) {
	turnID := uuid.NewString()
	log := o.logger.With("op", op, "session_id", session.ID, "bot_id", session.BotID, "turn_id", turnID)
	started := time.Now()

	o.publish(session.ID, req.Origin, &TurnEvent{Type: TurnStarted, TurnID: turnID, Text: req.UserText})

	history, uploads, err := o.prepareHistory(ctx, session, req)
	if err != nil {
		return nil, o.fail(log, session.ID, req.Origin, turnID, err)
	}

	result, err := o.consume(ctx, history, req, session.ID, turnID)
	if err != nil {
		return nil, o.fail(log, session.ID, req.Origin, turnID, err)
	}
	req.Observers.complete(*result)
	o.publish(session.ID, req.Origin, &TurnEvent{Type: TurnCompleted, TurnID: turnID, Completion: result})

	msg, err := o.persist(ctx, session, req.UserText, result, uploads)
	if err != nil {
		// Observers were already notified; the caller learns about the gap here.
		return nil, o.fail(log, session.ID, req.Origin, turnID, fmt.Errorf("%w: %w", ErrStorage, err))
	}
	o.publish(session.ID, req.Origin, &TurnEvent{Type: TurnPersisted, TurnID: turnID, MessageID: msg.ID, Completion: result})

	log.Info("turn persisted",
		"message_id", msg.ID,
		"model", msg.Model,
		"finish_reason", result.FinishReason,
		"input_tokens", msg.InputTokens,
		"output_tokens", msg.OutputTokens,
		"media", len(msg.Media),
		"duration", time.Since(started),
	)
	return msg, nil
}

// prepareHistory builds the provider history: system prompts, replayed
// turns, then the current user turn with uploaded images before the text.
func (o *Orchestrator) prepareHistory(ctx context.Context, session *store.Session, req TurnRequest) (completion.History, []*uploadedFile, error) {
	var history completion.History
	if session.Bot == nil {
		return history, nil, invalid("session %d has no bot loaded", session.ID)
	}

	prompt := session.Bot.SystemPrompt
	if strings.TrimSpace(prompt) == "" {
		prompt = o.defaultPrompt
	}
	history.AddSystem(prompt)
	if safety := strings.TrimSpace(session.Bot.SafetyPrompt); safety != "" {
		history.AddSystem(safety)
	}

	for _, m := range session.Messages {
		history.AddUser(completion.TextPart(m.UserMessage))
		history.AddAssistant(m.AgentResponse)
	}

	uploads, err := o.uploadFiles(ctx, req.Files)
	if err != nil {
		return history, nil, err
	}

	parts := make([]completion.Part, 0, len(uploads)+1)
	for _, u := range uploads {
		parts = append(parts, completion.ImagePart(u.PublicURL))
	}
	parts = append(parts, completion.TextPart(req.UserText))
	history.AddUser(parts...)

	return history, uploads, nil
}

// uploadFiles uploads concurrently and returns results in input order.
// The first failure cancels the remaining uploads.
func (o *Orchestrator) uploadFiles(ctx context.Context, files []media.File) ([]*uploadedFile, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if o.uploader == nil {
		return nil, fmt.Errorf("%w: no uploader configured", ErrUpload)
	}

	results := make([]*uploadedFile, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.uploadConcurrency)
	for i, f := range files {
		g.Go(func() error {
			res, err := o.uploader.Upload(gctx, f.Name, f.Reader)
			if err != nil {
				return fmt.Errorf("uploading %s: %w", f.Name, err)
			}
			url, err := o.uploader.PublicURL(gctx, res.ProviderFileName)
			if err != nil {
				return fmt.Errorf("resolving public url for %s: %w", f.Name, err)
			}
			up := &uploadedFile{UploadResult: res, PublicURL: url}
			// checked here so a bad uploader result fails before streaming
			if err := up.attachment().Validate(); err != nil {
				return fmt.Errorf("attachment for %s: %w", f.Name, err)
			}
			results[i] = up
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, classify(ctx, ErrUpload, err)
	}

	o.logger.Debug("uploaded files", "count", len(results))
	return results, nil
}

// consume drains the provider stream, notifying observers per fragment.
func (o *Orchestrator) consume(ctx context.Context, history completion.History, req TurnRequest, sessionID int64, turnID string) (*Completion, error) {
	stream, err := o.provider.Stream(ctx, history, req.Temperature)
	if err != nil {
		return nil, classify(ctx, ErrProvider, err)
	}
	defer stream.Close()

	var (
		text   strings.Builder
		finish string
		last   completion.Fragment
		count  int
	)
	for stream.Next() {
		f := stream.Fragment()
		text.WriteString(f.Text)
		if f.Metadata.FinishReason != "" {
			finish = f.Metadata.FinishReason
		}
		last = f
		count++

		req.Observers.fragment(f.Text)
		o.publish(sessionID, req.Origin, &TurnEvent{Type: TurnFragment, TurnID: turnID, Text: f.Text})
	}
	if err := stream.Err(); err != nil {
		return nil, classify(ctx, ErrProvider, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: %w", ErrProvider, completion.ErrNoFragments)
	}

	result := &Completion{
		Text:         text.String(),
		FinishReason: finish,
		Model:        last.ModelID,
	}
	if u := last.Metadata.Usage; u != nil {
		result.InputTokens = u.InputTokens
		result.OutputTokens = u.OutputTokens
	}
	return result, nil
}

func (o *Orchestrator) persist(ctx context.Context, session *store.Session, userText string, c *Completion, uploads []*uploadedFile) (*store.Message, error) {
	msg := &store.Message{
		UserMessage:   userText,
		AgentResponse: c.Text,
		Model:         c.Model,
		ProviderName:  o.provider.Name(),
		InputTokens:   c.InputTokens,
		OutputTokens:  c.OutputTokens,
	}

	var attachments []*store.MediaAttachment
	for _, u := range uploads {
		attachments = append(attachments, u.attachment())
	}

	saved, err := o.store.AddMessage(ctx, session.ID, msg, attachments)
	if err != nil {
		return nil, err
	}

	saved.Session = session
	session.Messages = append(session.Messages, saved)
	if len(attachments) > 0 && !session.HasMedia {
		// The store bumped the session version when it set the flag.
		if fresh, err := o.store.GetSession(ctx, session.ID, false); err == nil {
			session.HasMedia = fresh.HasMedia
			session.Audit = fresh.Audit
		} else {
			session.HasMedia = true
		}
	}
	return saved, nil
}

// publish sends ev to the session's followers, skipping the origin subscription.
func (o *Orchestrator) publish(sessionID int64, origin string, ev *TurnEvent) {
	if o.broadcaster == nil {
		return
	}
	ev.SessionID = sessionID
	ev.Timestamp = time.Now().UTC()
	o.broadcaster.Publish(sessionID, ev, origin)
}

func (o *Orchestrator) fail(log *slog.Logger, sessionID int64, origin, turnID string, err error) error {
	o.publish(sessionID, origin, &TurnEvent{Type: TurnFailed, TurnID: turnID, Error: err.Error()})
	return o.logFailure(log, err)
}

func (o *Orchestrator) logFailure(log *slog.Logger, err error) error {
	log.Error("turn failed", "error", err)
	return err
}

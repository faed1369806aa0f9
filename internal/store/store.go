// ABOUTME: Store interface and entity types for coven-chat persistence
// ABOUTME: Defines Bot, Session, Message, MediaAttachment and the sentinel errors

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConcurrencyViolation is returned when an update presents a stale version
var ErrConcurrencyViolation = errors.New("concurrency violation")

// ErrInvalidArgument is returned for malformed input detected before any write
var ErrInvalidArgument = errors.New("invalid argument")

// DefaultAccountID is assigned to bots created without an account.
const DefaultAccountID int64 = 1

// DefaultSessionTitle is used when a session is created without a title.
const DefaultSessionTitle = "New Session"

// Audit carries the stamping and versioning fields shared by every entity.
// The store owns these values; anything a caller sets is overwritten on write,
// except Version on updates, which must be the version the caller last read.
type Audit struct {
	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// Bot is a reusable agent configuration that owns sessions.
type Bot struct {
	ID           int64
	AccountID    int64
	Name         string
	Description  string
	ImageURL     string
	SystemPrompt string
	SafetyPrompt string
	SystemColor  string
	Audit

	Sessions []*Session // populated by GetBot(includeSessions) and GetSession(includeMessages)
}

// Session is one conversation container.
type Session struct {
	ID            int64
	BotID         int64
	Title         string
	ChatReference string
	CanShare      bool
	HasMedia      bool
	IsArchived    bool
	Audit

	Bot      *Bot
	Messages []*Message // ordered by ID, which is insertion order
}

// Message is one persisted conversation turn.
type Message struct {
	ID                    int64
	SessionID             int64
	UserMessage           string
	AgentResponse         string
	AgentResponseMediaURL string
	Model                 string
	ProviderName          string
	InputTokens           int64
	OutputTokens          int64
	Audit

	Session *Session
	Media   []*MediaAttachment
}

// MediaAttachment is a file associated with a message.
type MediaAttachment struct {
	ID               int64
	MessageID        int64
	MediaURL         string
	Name             string
	ContentType      string
	ContentHash      string
	ProviderName     string
	ProviderFileName string
	FileName         string
	Audit
}

// SessionFilter narrows ListSessions results.
type SessionFilter struct {
	BotID           int64
	IncludeArchived bool
	Limit           int
}

// IdentityResolver supplies the user identifier used for audit stamps.
type IdentityResolver interface {
	CurrentUser(ctx context.Context) string
}

// StaticIdentity resolves every request to the same user.
type StaticIdentity string

// CurrentUser implements IdentityResolver.
func (s StaticIdentity) CurrentUser(context.Context) string { return string(s) }

// Store defines the persistence operations for bots, sessions, messages and media.
type Store interface {
	CreateBot(ctx context.Context, bot *Bot) error
	UpdateBot(ctx context.Context, bot *Bot) error
	DeleteBot(ctx context.Context, id int64) error
	GetBot(ctx context.Context, id int64, includeSessions bool) (*Bot, error)
	ListBots(ctx context.Context) ([]*Bot, error)

	CreateSession(ctx context.Context, session *Session) error
	UpdateSession(ctx context.Context, session *Session) error
	DeleteSession(ctx context.Context, id int64) error
	GetSession(ctx context.Context, id int64, includeMessages bool) (*Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)

	// AddMessage persists msg and its attachments in one transaction and marks
	// the session HasMedia when any attachment is present.
	AddMessage(ctx context.Context, sessionID int64, msg *Message, media []*MediaAttachment) (*Message, error)
	AddMediaAttachment(ctx context.Context, messageID int64, media *MediaAttachment) (*MediaAttachment, error)
	GetMessage(ctx context.Context, id int64) (*Message, error)
	DeleteMessage(ctx context.Context, id int64) error

	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)

	Close() error
}

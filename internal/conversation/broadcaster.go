// ABOUTME: In-memory fan-out of turn events for clients following a session live
// ABOUTME: Subscribers register per session id; slow subscribers drop events

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const subscriberBufferSize = 64

// TurnEventType names a stage of a turn.
type TurnEventType string

const (
	TurnStarted   TurnEventType = "started"
	TurnFragment  TurnEventType = "fragment"
	TurnCompleted TurnEventType = "completed"
	TurnPersisted TurnEventType = "persisted"
	TurnFailed    TurnEventType = "failed"
)

// TurnEvent is published for every stage of a turn on a session.
type TurnEvent struct {
	Type       TurnEventType `json:"type"`
	SessionID  int64         `json:"session_id"`
	TurnID     string        `json:"turn_id"`
	Text       string        `json:"text,omitempty"`
	Completion *Completion   `json:"completion,omitempty"`
	MessageID  int64         `json:"message_id,omitempty"`
	Error      string        `json:"error,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Broadcaster provides in-memory pub/sub of TurnEvents keyed by session id.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[int64]map[string]chan *TurnEvent // sessionID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[int64]map[string]chan *TurnEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events on sessionID. The subscription is removed
// and the channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID int64) (<-chan *TurnEvent, string) {
	subID := uuid.NewString()
	ch := make(chan *TurnEvent, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]chan *TurnEvent)
	}
	b.subscribers[sessionID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sessionID, subID)
	}()

	return ch, subID
}

// Publish delivers event to every subscriber of sessionID except excludeSubID.
// Never blocks: full subscriber channels miss the event.
func (b *Broadcaster) Publish(sessionID int64, event *TurnEvent, excludeSubID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers[sessionID] {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"session_id", sessionID,
				"type", event.Type)
		}
	}
}

// Subscribers returns the number of live subscriptions for sessionID.
func (b *Broadcaster) Subscribers(sessionID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(sessionID int64, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sessionID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, sessionID)
	}
	b.logger.Debug("broadcaster closed")
}

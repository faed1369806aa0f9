// ABOUTME: SSE subscription to a session's turn events
// ABOUTME: Lets other clients follow turns started elsewhere

package gateway

import (
	"fmt"
	"net/http"
	"time"
)

// eventsKeepalive is how often an idle event stream sends a comment line.
const eventsKeepalive = 15 * time.Second

// handleSessionEvents streams TurnEvents for a session until the client
// disconnects or the gateway shuts down. The "subscribed" event carries the
// subscription id; turns sent with it in SubscriptionHeader skip this stream.
func (g *Gateway) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if _, err := g.store.GetSession(r.Context(), id, false); err != nil {
		g.sendError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, subID := g.broadcaster.Subscribe(r.Context(), id)
	log := g.logger.With("session_id", id, "sub_id", subID)
	log.Debug("event stream opened")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	g.writeSSEEvent(w, "subscribed", map[string]any{"session_id": id, "subscription_id": subID})
	flusher.Flush()

	ticker := time.NewTicker(eventsKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug("event stream closed by client")
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				log.Debug("event stream closed by gateway")
				return
			}
			g.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()
		}
	}
}

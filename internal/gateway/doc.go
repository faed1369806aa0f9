// Package gateway serves the coven-chat HTTP API.
//
// # Overview
//
// The gateway owns the SQLite store, the local media store, the completion
// provider and the conversation orchestrator, and exposes them over a single
// HTTP server. The server listens on a TCP address or, when Tailscale is
// enabled, on a tsnet node (plain HTTP, HTTPS with tailnet certificates, or
// Funnel).
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (database ping)
//   - GET, POST /api/bots and GET, PUT, DELETE /api/bots/{id}
//   - GET, POST /api/sessions and GET, PUT, DELETE /api/sessions/{id}
//   - POST /api/sessions/start - Create a session and stream its first turn
//   - POST /api/sessions/{id}/turns - Stream a turn on an existing session
//   - GET /api/sessions/{id}/events - Follow a session's turn events
//   - GET /api/sessions/{id}/transcript - HTML or markdown transcript
//   - GET, DELETE /api/messages/{id} and POST /api/messages/{id}/media
//   - GET /api/stats/usage - Aggregated token usage
//   - GET /media/{token} - Files behind signed URLs
//
// Updates are conditional: PUT bodies carry the version last read and get
// 409 Conflict when it is stale.
//
// # Turn Streams
//
// Turn endpoints accept a JSON body or a multipart form with "files" parts
// and answer with Server-Sent Events:
//
//	event: started    {"session_id": 7}
//	event: fragment   {"text": "Hel"}
//	event: complete   {"text": "Hello", "finish_reason": "stop", ...}
//	event: message    {"id": 12, "session_id": 7, ...}
//
// A failure before the first event is returned as a JSON error with a status
// code. Afterwards it arrives as an "error" event carrying the status.
// The "subscribed" event of /api/sessions/{id}/events carries a
// subscription_id. A turn request sending it in X-Subscription-ID is not
// echoed to that event stream.
//
// Requests with an Idempotency-Key header that repeat a key seen within the
// configured TTL get 409 Conflict.
//
// # Authentication
//
// With auth.jwt_secret set, /api routes require a bearer token and the token
// subject is recorded in audit fields. Without it the API is open and audit
// fields use auth.default_user.
package gateway

// Package store provides persistent storage for coven-chat using SQLite.
//
// # Data Models
//
//   - Bot: reusable agent configuration (name, prompts, colour)
//   - Session: one conversation owned by a bot
//   - Message: one persisted turn (user text, agent response, model, tokens)
//   - MediaAttachment: a file referenced by a message
//
// Every entity embeds Audit. The store stamps CreatedBy/UpdatedBy from the
// configured IdentityResolver and owns the timestamps; callers never set them.
//
// # Optimistic Concurrency
//
// Version starts at 1 on create. Updates are a single conditional write:
//
//	UPDATE ... SET version = version + 1 WHERE id = ? AND version = ?
//
// When no row matches, the store reports ErrNotFound if the row is gone and
// ErrConcurrencyViolation if it exists at a newer version. Stale writes are
// never merged.
//
// # Transactions
//
// AddMessage inserts the message, its attachments and the session HasMedia
// flag in one transaction. Deletes cascade explicitly inside a transaction
// (attachments, then messages, then the session, then the bot) rather than
// relying on schema cascades.
//
// # SQLite Configuration
//
// The default driver is modernc.org/sqlite ("sqlite"). WithDriver("sqlite3")
// selects github.com/mattn/go-sqlite3 for cgo builds. The store pins the pool
// to a single connection so per-connection pragmas hold:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrConcurrencyViolation: stale Version on update
//   - ErrInvalidArgument: validation failure, nothing written
package store

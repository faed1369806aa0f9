// ABOUTME: Session persistence for the SQLite store
// ABOUTME: Session CRUD plus the eager-loading read used for history replay

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const sessionColumns = `id, bot_id, title, chat_reference, can_share, has_media, is_archived,
	created_by, updated_by, created_at, updated_at, version`

// CreateSession inserts a session for an existing bot.
// Returns ErrInvalidArgument for a zero bot id and ErrNotFound for an unknown bot.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	if session == nil {
		return invalid("session is required")
	}
	if session.BotID <= 0 {
		return invalid("bot id is required")
	}
	if strings.TrimSpace(session.Title) == "" {
		session.Title = DefaultSessionTitle
	}
	if err := session.Validate(); err != nil {
		return err
	}

	bot, err := getBot(ctx, s.db, session.BotID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("bot %d: %w", session.BotID, ErrNotFound)
		}
		return err
	}

	s.stampCreate(ctx, &session.Audit)

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (bot_id, title, chat_reference, can_share, has_media, is_archived,
			created_by, updated_by, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.BotID, session.Title, session.ChatReference, boolToInt(session.CanShare),
		boolToInt(session.HasMedia), boolToInt(session.IsArchived),
		session.CreatedBy, session.UpdatedBy,
		formatTime(session.CreatedAt), formatTime(session.UpdatedAt), session.Version,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	session.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading session id: %w", err)
	}
	if session.Bot == nil {
		session.Bot = bot
	}

	s.logger.Debug("created session", "session_id", session.ID, "bot_id", session.BotID)
	return nil
}

// UpdateSession writes the session's mutable fields if the version matches.
// HasMedia can be set but never cleared through this call.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *Session) error {
	if session == nil {
		return invalid("session is required")
	}
	if session.ID == 0 {
		return ErrNotFound
	}
	if err := session.Validate(); err != nil {
		return err
	}

	stamped := s.stampUpdate(ctx, session.Audit)
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, chat_reference = ?, can_share = ?,
			has_media = MAX(has_media, ?), is_archived = ?,
			updated_by = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		session.Title, session.ChatReference, boolToInt(session.CanShare),
		boolToInt(session.HasMedia), boolToInt(session.IsArchived),
		stamped.UpdatedBy, formatTime(stamped.UpdatedAt),
		session.ID, session.Version,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return versionConflict(ctx, s.db, "sessions", session.ID)
	}

	stamped.Version++
	session.Audit = stamped
	return nil
}

// DeleteSession removes a session, its messages and their attachments.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id int64) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM media_attachments
			WHERE message_id IN (SELECT id FROM messages WHERE session_id = ?)`, id); err != nil {
			return fmt.Errorf("deleting session media: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("deleting session messages: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}
		return checkAffected(result)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("deleted session", "session_id", id)
	return nil
}

// GetSession retrieves a session with its bot. When includeMessages is set it
// also loads the bot's sibling sessions and this session's messages with media,
// which is the shape history replay depends on.
func (s *SQLiteStore) GetSession(ctx context.Context, id int64, includeMessages bool) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	session.Bot, err = getBot(ctx, s.db, session.BotID)
	if err != nil {
		return nil, fmt.Errorf("loading bot for session %d: %w", id, err)
	}

	if !includeMessages {
		return session, nil
	}

	siblings, err := s.ListSessions(ctx, SessionFilter{BotID: session.BotID, IncludeArchived: true})
	if err != nil {
		return nil, err
	}
	for i, sib := range siblings {
		if sib.ID == session.ID {
			siblings[i] = session
			continue
		}
		sib.Bot = session.Bot
	}
	session.Bot.Sessions = siblings

	session.Messages, err = s.listMessages(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	for _, m := range session.Messages {
		m.Session = session
	}

	return session, nil
}

// ListSessions returns sessions ordered by ID, newest last.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	args := []any{}

	if filter.BotID != 0 {
		query += ` AND bot_id = ?`
		args = append(args, filter.BotID)
	}
	if !filter.IncludeArchived {
		query += ` AND is_archived = 0`
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	return sessions, nil
}

// markSessionHasMedia flips has_media on, bumping the version only when it changes.
func (s *SQLiteStore) markSessionHasMedia(ctx context.Context, tx *sql.Tx, sessionID int64) error {
	stamped := s.stampUpdate(ctx, Audit{})
	_, err := tx.ExecContext(ctx, `
		UPDATE sessions SET has_media = 1, updated_by = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND has_media = 0`,
		stamped.UpdatedBy, formatTime(stamped.UpdatedAt), sessionID,
	)
	if err != nil {
		return fmt.Errorf("marking session media: %w", err)
	}
	return nil
}

func scanSession(row rowScanner) (*Session, error) {
	var se Session
	var createdAt, updatedAt string
	err := row.Scan(
		&se.ID, &se.BotID, &se.Title, &se.ChatReference, &se.CanShare, &se.HasMedia, &se.IsArchived,
		&se.CreatedBy, &se.UpdatedBy, &createdAt, &updatedAt, &se.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if err := scanAudit(&se.Audit, createdAt, updatedAt); err != nil {
		return nil, err
	}
	return &se, nil
}

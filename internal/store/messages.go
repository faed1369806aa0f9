// ABOUTME: Message and media attachment persistence for the SQLite store
// ABOUTME: AddMessage writes a turn and its attachments in a single transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const messageColumns = `id, session_id, user_message, agent_response, agent_response_media_url,
	model, provider_name, input_tokens, output_tokens,
	created_by, updated_by, created_at, updated_at, version`

const mediaColumns = `id, message_id, media_url, name, content_type, content_hash, provider_name,
	provider_file_name, file_name, created_by, updated_by, created_at, updated_at, version`

// AddMessage persists msg bound to sessionID and then each attachment bound
// to the new message. Either everything is written or nothing is.
func (s *SQLiteStore) AddMessage(ctx context.Context, sessionID int64, msg *Message, media []*MediaAttachment) (*Message, error) {
	if sessionID <= 0 {
		return nil, invalid("session id is required")
	}
	if msg == nil {
		return nil, invalid("message is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	for i, m := range media {
		if m == nil {
			return nil, invalid("media attachment %d is nil", i)
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}

	msg.SessionID = sessionID
	s.stampCreate(ctx, &msg.Audit)
	for _, m := range media {
		s.stampCreate(ctx, &m.Audit)
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %d: %w", sessionID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("checking session: %w", err)
		}

		if err := insertMessage(ctx, tx, msg); err != nil {
			return err
		}
		for _, m := range media {
			m.MessageID = msg.ID
			if err := insertMedia(ctx, tx, m); err != nil {
				return err
			}
		}
		if len(media) > 0 {
			return s.markSessionHasMedia(ctx, tx, sessionID)
		}
		return nil
	})
	if err != nil {
		// IDs assigned inside the rolled-back transaction are meaningless.
		msg.ID = 0
		for _, m := range media {
			m.ID = 0
			m.MessageID = 0
		}
		return nil, err
	}

	msg.Media = media
	s.logger.Debug("added message",
		"message_id", msg.ID,
		"session_id", sessionID,
		"media", len(media),
	)
	return msg, nil
}

// AddMediaAttachment attaches media to an existing message after the fact.
func (s *SQLiteStore) AddMediaAttachment(ctx context.Context, messageID int64, media *MediaAttachment) (*MediaAttachment, error) {
	if messageID <= 0 {
		return nil, invalid("message id is required")
	}
	if media == nil {
		return nil, invalid("media attachment is required")
	}
	if err := media.Validate(); err != nil {
		return nil, err
	}

	media.MessageID = messageID
	s.stampCreate(ctx, &media.Audit)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var sessionID int64
		err := tx.QueryRowContext(ctx, `SELECT session_id FROM messages WHERE id = ?`, messageID).Scan(&sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %d: %w", messageID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("looking up message: %w", err)
		}
		if err := insertMedia(ctx, tx, media); err != nil {
			return err
		}
		return s.markSessionHasMedia(ctx, tx, sessionID)
	})
	if err != nil {
		media.ID = 0
		return nil, err
	}

	s.logger.Debug("added media attachment", "media_id", media.ID, "message_id", messageID)
	return media, nil
}

// GetMessage retrieves a single message with its attachments.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	byMessage, err := s.listMedia(ctx, `message_id = ?`, id)
	if err != nil {
		return nil, err
	}
	msg.Media = byMessage[msg.ID]
	return msg, nil
}

// DeleteMessage removes a message and its attachments.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM media_attachments WHERE message_id = ?`, id); err != nil {
			return fmt.Errorf("deleting message media: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting message: %w", err)
		}
		return checkAffected(result)
	})
}

// listMessages loads a session's messages in insertion order with their media.
func (s *SQLiteStore) listMessages(ctx context.Context, sessionID int64) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	// Close before the next query: the store runs on a single connection.
	_ = rows.Close()

	if len(messages) == 0 {
		return messages, nil
	}

	byMessage, err := s.listMedia(ctx,
		`message_id IN (SELECT id FROM messages WHERE session_id = ?)`, sessionID)
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		msg.Media = byMessage[msg.ID]
	}

	return messages, nil
}

// listMedia returns attachments matching where, grouped by message id.
func (s *SQLiteStore) listMedia(ctx context.Context, where string, args ...any) (map[int64][]*MediaAttachment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mediaColumns+` FROM media_attachments WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying media: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64][]*MediaAttachment)
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		out[m.MessageID] = append(out[m.MessageID], m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating media: %w", err)
	}
	return out, nil
}

func insertMessage(ctx context.Context, q querier, msg *Message) error {
	result, err := q.ExecContext(ctx, `
		INSERT INTO messages (session_id, user_message, agent_response, agent_response_media_url,
			model, provider_name, input_tokens, output_tokens,
			created_by, updated_by, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.UserMessage, msg.AgentResponse, msg.AgentResponseMediaURL,
		msg.Model, msg.ProviderName, msg.InputTokens, msg.OutputTokens,
		msg.CreatedBy, msg.UpdatedBy, formatTime(msg.CreatedAt), formatTime(msg.UpdatedAt), msg.Version,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	msg.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message id: %w", err)
	}
	return nil
}

func insertMedia(ctx context.Context, q querier, m *MediaAttachment) error {
	result, err := q.ExecContext(ctx, `
		INSERT INTO media_attachments (message_id, media_url, name, content_type, content_hash,
			provider_name, provider_file_name, file_name,
			created_by, updated_by, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.MediaURL, m.Name, m.ContentType, m.ContentHash,
		m.ProviderName, m.ProviderFileName, m.FileName,
		m.CreatedBy, m.UpdatedBy, formatTime(m.CreatedAt), formatTime(m.UpdatedAt), m.Version,
	)
	if err != nil {
		return fmt.Errorf("inserting media attachment: %w", err)
	}
	m.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading media attachment id: %w", err)
	}
	return nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var createdAt, updatedAt string
	err := row.Scan(
		&m.ID, &m.SessionID, &m.UserMessage, &m.AgentResponse, &m.AgentResponseMediaURL,
		&m.Model, &m.ProviderName, &m.InputTokens, &m.OutputTokens,
		&m.CreatedBy, &m.UpdatedBy, &createdAt, &updatedAt, &m.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	if err := scanAudit(&m.Audit, createdAt, updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMedia(row rowScanner) (*MediaAttachment, error) {
	var m MediaAttachment
	var createdAt, updatedAt string
	err := row.Scan(
		&m.ID, &m.MessageID, &m.MediaURL, &m.Name, &m.ContentType, &m.ContentHash, &m.ProviderName,
		&m.ProviderFileName, &m.FileName, &m.CreatedBy, &m.UpdatedBy, &createdAt, &updatedAt, &m.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning media attachment: %w", err)
	}
	if err := scanAudit(&m.Audit, createdAt, updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

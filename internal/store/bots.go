// ABOUTME: Bot persistence for the SQLite store
// ABOUTME: Create, versioned update, cascading delete and lookup of bots

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const botColumns = `id, account_id, name, description, image_url, system_prompt, safety_prompt,
	system_color, created_by, updated_by, created_at, updated_at, version`

// CreateBot inserts a new bot, stamping audit fields and setting Version to 1.
func (s *SQLiteStore) CreateBot(ctx context.Context, bot *Bot) error {
	if bot == nil {
		return invalid("bot is required")
	}
	if bot.AccountID == 0 {
		bot.AccountID = DefaultAccountID
	}
	if err := bot.Validate(); err != nil {
		return err
	}

	s.stampCreate(ctx, &bot.Audit)

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (account_id, name, description, image_url, system_prompt, safety_prompt,
			system_color, created_by, updated_by, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bot.AccountID, bot.Name, bot.Description, bot.ImageURL, bot.SystemPrompt, bot.SafetyPrompt,
		bot.SystemColor, bot.CreatedBy, bot.UpdatedBy,
		formatTime(bot.CreatedAt), formatTime(bot.UpdatedAt), bot.Version,
	)
	if err != nil {
		return fmt.Errorf("inserting bot: %w", err)
	}

	bot.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading bot id: %w", err)
	}

	s.logger.Debug("created bot", "bot_id", bot.ID, "name", bot.Name)
	return nil
}

// UpdateBot writes bot only if the stored version still equals bot.Version.
// On success bot.Version is incremented.
func (s *SQLiteStore) UpdateBot(ctx context.Context, bot *Bot) error {
	if bot == nil {
		return invalid("bot is required")
	}
	if bot.ID == 0 {
		return ErrNotFound
	}
	if err := bot.Validate(); err != nil {
		return err
	}

	stamped := s.stampUpdate(ctx, bot.Audit)
	result, err := s.db.ExecContext(ctx, `
		UPDATE bots SET account_id = ?, name = ?, description = ?, image_url = ?, system_prompt = ?,
			safety_prompt = ?, system_color = ?, updated_by = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		bot.AccountID, bot.Name, bot.Description, bot.ImageURL, bot.SystemPrompt,
		bot.SafetyPrompt, bot.SystemColor, stamped.UpdatedBy, formatTime(stamped.UpdatedAt),
		bot.ID, bot.Version,
	)
	if err != nil {
		return fmt.Errorf("updating bot: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return versionConflict(ctx, s.db, "bots", bot.ID)
	}

	stamped.Version++
	bot.Audit = stamped
	return nil
}

// DeleteBot removes a bot together with its sessions, messages and attachments.
func (s *SQLiteStore) DeleteBot(ctx context.Context, id int64) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM media_attachments WHERE message_id IN (
				SELECT m.id FROM messages m JOIN sessions se ON se.id = m.session_id WHERE se.bot_id = ?
			)`, id); err != nil {
			return fmt.Errorf("deleting bot media: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE bot_id = ?)`, id); err != nil {
			return fmt.Errorf("deleting bot messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE bot_id = ?`, id); err != nil {
			return fmt.Errorf("deleting bot sessions: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting bot: %w", err)
		}
		return checkAffected(result)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("deleted bot", "bot_id", id)
	return nil
}

// GetBot retrieves a bot by ID, optionally with its sessions (without messages).
func (s *SQLiteStore) GetBot(ctx context.Context, id int64, includeSessions bool) (*Bot, error) {
	bot, err := getBot(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	if includeSessions {
		bot.Sessions, err = s.ListSessions(ctx, SessionFilter{BotID: id, IncludeArchived: true})
		if err != nil {
			return nil, err
		}
		for _, sess := range bot.Sessions {
			sess.Bot = bot
		}
	}

	return bot, nil
}

// ListBots returns all bots ordered by ID.
func (s *SQLiteStore) ListBots(ctx context.Context) ([]*Bot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM bots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying bots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bots []*Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bots: %w", err)
	}

	return bots, nil
}

func getBot(ctx context.Context, q querier, id int64) (*Bot, error) {
	row := q.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, id)
	bot, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return bot, nil
}

func scanBot(row rowScanner) (*Bot, error) {
	var b Bot
	var createdAt, updatedAt string
	err := row.Scan(
		&b.ID, &b.AccountID, &b.Name, &b.Description, &b.ImageURL, &b.SystemPrompt, &b.SafetyPrompt,
		&b.SystemColor, &b.CreatedBy, &b.UpdatedBy, &createdAt, &updatedAt, &b.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning bot: %w", err)
	}
	if err := scanAudit(&b.Audit, createdAt, updatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

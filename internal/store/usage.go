// ABOUTME: Token usage aggregation over persisted messages
// ABOUTME: Sums input/output tokens per bot, session and model for analytics

package store

import (
	"context"
	"fmt"
	"time"
)

// UsageFilter narrows GetUsageStats. Zero values mean "no filter".
type UsageFilter struct {
	BotID     int64
	SessionID int64
	Since     *time.Time
	Until     *time.Time
}

// ModelUsage is the usage attributed to a single model.
type ModelUsage struct {
	Model        string
	ProviderName string
	InputTokens  int64
	OutputTokens int64
	MessageCount int64
}

// UsageStats is the aggregated token usage for a filter.
type UsageStats struct {
	TotalInput   int64
	TotalOutput  int64
	TotalTokens  int64
	MessageCount int64
	ByModel      []ModelUsage
}

// GetUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	where := ` WHERE 1=1`
	args := []any{}

	if filter.BotID != 0 {
		where += ` AND se.bot_id = ?`
		args = append(args, filter.BotID)
	}
	if filter.SessionID != 0 {
		where += ` AND m.session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.Since != nil {
		where += ` AND m.created_at >= ?`
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		where += ` AND m.created_at < ?`
		args = append(args, formatTime(*filter.Until))
	}

	query := `
		SELECT m.model, m.provider_name,
			COALESCE(SUM(m.input_tokens), 0),
			COALESCE(SUM(m.output_tokens), 0),
			COUNT(*)
		FROM messages m
		JOIN sessions se ON se.id = m.session_id` + where + `
		GROUP BY m.model, m.provider_name
		ORDER BY m.model, m.provider_name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats UsageStats
	for rows.Next() {
		var mu ModelUsage
		if err := rows.Scan(&mu.Model, &mu.ProviderName, &mu.InputTokens, &mu.OutputTokens, &mu.MessageCount); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		stats.ByModel = append(stats.ByModel, mu)
		stats.TotalInput += mu.InputTokens
		stats.TotalOutput += mu.OutputTokens
		stats.MessageCount += mu.MessageCount
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}

	stats.TotalTokens = stats.TotalInput + stats.TotalOutput
	return &stats, nil
}

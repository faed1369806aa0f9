// ABOUTME: Audit stamping for entity writes
// ABOUTME: Fills CreatedBy/UpdatedBy and timestamps from the identity resolver

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// stampCreate sets the creation audit fields and resets Version to 1.
func (s *SQLiteStore) stampCreate(ctx context.Context, a *Audit) {
	user := s.identity.CurrentUser(ctx)
	now := s.now().UTC()
	a.CreatedBy = user
	a.UpdatedBy = user
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Version = 1
}

// stampUpdate returns a copy of a with the update fields set.
// The caller applies it only after the conditional write succeeds.
func (s *SQLiteStore) stampUpdate(ctx context.Context, a Audit) Audit {
	a.UpdatedBy = s.identity.CurrentUser(ctx)
	a.UpdatedAt = s.now().UTC()
	return a
}

// versionConflict classifies a conditional update that touched no rows.
// A missing row is ErrNotFound; an existing row means the version moved on.
func versionConflict(ctx context.Context, q querier, table string, id int64) error {
	var current int64
	err := q.QueryRowContext(ctx, "SELECT version FROM "+table+" WHERE id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking %s version: %w", table, err)
	}
	return fmt.Errorf("%w: %s %d is at version %d", ErrConcurrencyViolation, table, id, current)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// checkAffected turns a zero-row delete into ErrNotFound.
func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

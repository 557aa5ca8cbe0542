// ABOUTME: Attendant binding persistence for the SQLite store
// ABOUTME: Bindings resolve by channel id or presence id and are created on first contact

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const bindingColumns = `id, presence_id, name, reply_address, created_at`

func scanBinding(row scanner) (*AttendantBinding, error) {
	var b AttendantBinding
	var createdAtStr string

	if err := row.Scan(&b.ID, &b.PresenceID, &b.Name, &b.ReplyAddress, &createdAtStr); err != nil {
		return nil, err
	}

	var err error
	b.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &b, nil
}

// GetBinding resolves an attendant binding by channel id, falling back to
// presence id. Returns ErrNotFound if neither matches.
func (s *SQLiteStore) GetBinding(ctx context.Context, id string) (*AttendantBinding, error) {
	query := `SELECT ` + bindingColumns + `
		FROM attendant_bindings
		WHERE id = ? OR presence_id = ?
		ORDER BY (id = ?) DESC
		LIMIT 1`

	b, err := scanBinding(s.db.QueryRowContext(ctx, query, id, id, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying binding: %w", err)
	}
	return b, nil
}

// EnsureBinding inserts the binding unless one with the same ID exists.
func (s *SQLiteStore) EnsureBinding(ctx context.Context, binding *AttendantBinding) (*AttendantBinding, bool, error) {
	if binding.PresenceID == "" {
		binding.PresenceID = binding.ID
	}

	query := `
		INSERT INTO attendant_bindings (id, presence_id, name, reply_address, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		binding.ID,
		binding.PresenceID,
		binding.Name,
		binding.ReplyAddress,
		formatTime(binding.CreatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("inserting binding: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("getting rows affected: %w", err)
	}

	stored, err := scanBinding(s.db.QueryRowContext(ctx,
		`SELECT `+bindingColumns+` FROM attendant_bindings WHERE id = ?`, binding.ID))
	if err != nil {
		return nil, false, fmt.Errorf("reading binding: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Debug("created attendant binding", "id", stored.ID, "presence_id", stored.PresenceID)
	}
	return stored, rowsAffected > 0, nil
}

// ListBindings retrieves bindings matching the filter, ordered by name.
func (s *SQLiteStore) ListBindings(ctx context.Context, filter BindingFilter) ([]*AttendantBinding, error) {
	if filter.PresenceIDs != nil && len(filter.PresenceIDs) == 0 {
		return []*AttendantBinding{}, nil
	}

	query := `SELECT ` + bindingColumns + ` FROM attendant_bindings`
	var args []any

	if filter.PresenceIDs != nil {
		placeholders := make([]string, len(filter.PresenceIDs))
		for i, id := range filter.PresenceIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += ` WHERE presence_id IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY name, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying bindings: %w", err)
	}
	defer rows.Close()

	bindings := []*AttendantBinding{}
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bindings: %w", err)
	}

	return bindings, nil
}

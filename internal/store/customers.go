// ABOUTME: Customer identity persistence for the SQLite store
// ABOUTME: Customers are keyed by channel address and carry registration progress

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateCustomer inserts a new customer.
// Returns ErrConflict if a customer with the same address exists.
func (s *SQLiteStore) CreateCustomer(ctx context.Context, c *Customer) error {
	if c.Step == "" {
		c.Step = StepFirstInteraction
	}

	query := `
		INSERT INTO customers (address, name, is_customer, tax_id, step, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		c.Address,
		c.Name,
		boolPtrToNull(c.IsCustomer),
		c.TaxID,
		string(c.Step),
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("inserting customer: %w", err)
	}

	s.logger.Debug("created customer", "address", c.Address)
	return nil
}

// GetCustomer retrieves a customer by channel address.
// Returns ErrNotFound if the customer doesn't exist.
func (s *SQLiteStore) GetCustomer(ctx context.Context, address string) (*Customer, error) {
	query := `
		SELECT address, name, is_customer, tax_id, step, created_at, updated_at
		FROM customers
		WHERE address = ?
	`

	var c Customer
	var isCustomer sql.NullInt64
	var step, createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, address).Scan(
		&c.Address,
		&c.Name,
		&isCustomer,
		&c.TaxID,
		&step,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying customer: %w", err)
	}

	c.Step = RegistrationStep(step)
	if isCustomer.Valid {
		v := isCustomer.Int64 == 1
		c.IsCustomer = &v
	}

	c.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &c, nil
}

// UpdateCustomer overwrites the mutable profile fields of a customer.
// Returns ErrNotFound if the customer doesn't exist.
func (s *SQLiteStore) UpdateCustomer(ctx context.Context, c *Customer) error {
	query := `
		UPDATE customers
		SET name = ?, is_customer = ?, tax_id = ?, step = ?, updated_at = ?
		WHERE address = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		c.Name,
		boolPtrToNull(c.IsCustomer),
		c.TaxID,
		string(c.Step),
		formatTime(c.UpdatedAt),
		c.Address,
	)
	if err != nil {
		return fmt.Errorf("updating customer: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated customer", "address", c.Address, "step", c.Step)
	return nil
}

func boolPtrToNull(b *bool) sql.NullInt64 {
	if b == nil {
		return sql.NullInt64{}
	}
	if *b {
		return sql.NullInt64{Int64: 1, Valid: true}
	}
	return sql.NullInt64{Int64: 0, Valid: true}
}

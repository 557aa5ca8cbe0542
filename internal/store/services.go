// ABOUTME: Service and assignment history persistence for the SQLite store
// ABOUTME: Claims and transfers are conditional writes that run in one transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const serviceColumns = `id, customer_address, first_message, attendant_id, attendant_name,
	attendant_presence_id, routing_group, status, started_at, finished_at, sla_minutes,
	created_at, updated_at`

func scanService(row scanner) (*Service, error) {
	var svc Service
	var attendantID, attendantName, attendantPresenceID sql.NullString
	var status, createdAtStr, updatedAtStr string
	var startedAt, finishedAt sql.NullString
	var sla sql.NullInt64

	err := row.Scan(
		&svc.ID,
		&svc.CustomerAddress,
		&svc.FirstMessage,
		&attendantID,
		&attendantName,
		&attendantPresenceID,
		&svc.RoutingGroup,
		&status,
		&startedAt,
		&finishedAt,
		&sla,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	svc.AttendantID = attendantID.String
	svc.AttendantName = attendantName.String
	svc.AttendantPresenceID = attendantPresenceID.String
	svc.Status = ServiceStatus(status)
	if sla.Valid {
		v := int(sla.Int64)
		svc.SLAMinutes = &v
	}

	if svc.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if svc.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	if svc.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if svc.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &svc, nil
}

// CreateService inserts a new service.
// Returns ErrConflict if the customer already has an open service.
func (s *SQLiteStore) CreateService(ctx context.Context, svc *Service) error {
	query := `
		INSERT INTO services (` + serviceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var sla sql.NullInt64
	if svc.SLAMinutes != nil {
		sla = sql.NullInt64{Int64: int64(*svc.SLAMinutes), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		svc.ID,
		svc.CustomerAddress,
		svc.FirstMessage,
		nullString(svc.AttendantID),
		nullString(svc.AttendantName),
		nullString(svc.AttendantPresenceID),
		svc.RoutingGroup,
		string(svc.Status),
		formatTimePtr(svc.StartedAt),
		formatTimePtr(svc.FinishedAt),
		sla,
		formatTime(svc.CreatedAt),
		formatTime(svc.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("inserting service: %w", err)
	}

	s.logger.Debug("created service", "id", svc.ID, "customer", svc.CustomerAddress)
	return nil
}

// GetService retrieves a service by ID.
// Returns ErrNotFound if the service doesn't exist.
func (s *SQLiteStore) GetService(ctx context.Context, id string) (*Service, error) {
	return s.queryService(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = ?`, id)
}

// OpenServiceByCustomer retrieves the customer's unfinished service.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) OpenServiceByCustomer(ctx context.Context, customerAddress string) (*Service, error) {
	return s.queryService(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE customer_address = ? AND status != 'FINISHED'`,
		customerAddress)
}

// RunningServiceByAttendant retrieves the running service the attendant is
// the current assignee of. Returns ErrNotFound if there is none.
func (s *SQLiteStore) RunningServiceByAttendant(ctx context.Context, attendantID string) (*Service, error) {
	return s.queryService(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE attendant_id = ? AND status = 'RUNNING'`,
		attendantID)
}

func (s *SQLiteStore) queryService(ctx context.Context, query string, args ...any) (*Service, error) {
	svc, err := scanService(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying service: %w", err)
	}
	return svc, nil
}

// ListServicesByStatus retrieves services in any of the given statuses, oldest first.
func (s *SQLiteStore) ListServicesByStatus(ctx context.Context, statuses ...ServiceStatus) ([]*Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services`
	var args []any

	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying services: %w", err)
	}
	defer rows.Close()

	services := []*Service{}
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning service: %w", err)
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating services: %w", err)
	}

	return services, nil
}

// ChangeStatus moves a service between two non-running statuses.
func (s *SQLiteStore) ChangeStatus(ctx context.Context, id string, from, to ServiceStatus, updatedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE services SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), formatTime(updatedAt), id, string(from))
	if err != nil {
		return fmt.Errorf("updating service status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.missingOrConflict(ctx, id)
	}

	s.logger.Debug("changed service status", "id", id, "from", from, "to", to)
	return nil
}

// missingOrConflict distinguishes a lost conditional update from an unknown id.
func (s *SQLiteStore) missingOrConflict(ctx context.Context, id string) error {
	if _, err := s.GetService(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

// ClaimAttendant atomically starts a searching service with its attendant.
func (s *SQLiteStore) ClaimAttendant(ctx context.Context, svc *Service, assignment *Assignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE services
		SET attendant_id = ?, attendant_name = ?, attendant_presence_id = ?,
			status = 'RUNNING', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'SEARCHING_ATTENDANT'
			AND NOT EXISTS (
				SELECT 1 FROM services WHERE attendant_id = ? AND status = 'RUNNING'
			)
	`

	result, err := tx.ExecContext(ctx, query,
		svc.AttendantID,
		svc.AttendantName,
		svc.AttendantPresenceID,
		formatTimePtr(svc.StartedAt),
		formatTime(svc.UpdatedAt),
		svc.ID,
		svc.AttendantID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("claiming attendant: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrConflict
	}

	if err := appendRound(ctx, tx, assignment); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing claim: %w", err)
	}

	s.logger.Debug("claimed attendant", "service", svc.ID, "attendant", svc.AttendantID, "round", assignment.Round)
	return nil
}

// TransferService atomically hands a running service to a new attendant.
func (s *SQLiteStore) TransferService(ctx context.Context, svc *Service, fromAttendantID string, assignment *Assignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE services
		SET attendant_id = ?, attendant_name = ?, attendant_presence_id = ?, updated_at = ?
		WHERE id = ? AND status = 'RUNNING' AND attendant_id = ?
			AND NOT EXISTS (
				SELECT 1 FROM services WHERE attendant_id = ? AND status = 'RUNNING'
			)
	`

	result, err := tx.ExecContext(ctx, query,
		svc.AttendantID,
		svc.AttendantName,
		svc.AttendantPresenceID,
		formatTime(svc.UpdatedAt),
		svc.ID,
		fromAttendantID,
		svc.AttendantID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("transferring service: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrConflict
	}

	if err := appendRound(ctx, tx, assignment); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transfer: %w", err)
	}

	s.logger.Debug("transferred service", "service", svc.ID, "from", fromAttendantID, "to", svc.AttendantID, "round", assignment.Round)
	return nil
}

// appendRound demotes the current assignment and inserts the next round.
func appendRound(ctx context.Context, tx *sql.Tx, a *Assignment) error {
	var round int
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(round), 0) + 1 FROM service_assignments WHERE service_id = ?`,
		a.ServiceID).Scan(&round)
	if err != nil {
		return fmt.Errorf("computing round: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE service_assignments SET is_current = 0 WHERE service_id = ? AND is_current = 1`,
		a.ServiceID); err != nil {
		return fmt.Errorf("demoting current assignment: %w", err)
	}

	query := `
		INSERT INTO service_assignments (id, service_id, round, attendant_id, attendant_name,
			attendant_presence_id, routing_group, is_current, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
	`
	if _, err := tx.ExecContext(ctx, query,
		a.ID,
		a.ServiceID,
		round,
		a.AttendantID,
		a.AttendantName,
		a.AttendantPresenceID,
		a.RoutingGroup,
		formatTime(a.CreatedAt),
	); err != nil {
		return fmt.Errorf("inserting assignment: %w", err)
	}

	a.Round = round
	a.IsCurrent = true
	return nil
}

// FinishService stores the finished state of a running service.
// Returns ErrConflict if the service is no longer running.
func (s *SQLiteStore) FinishService(ctx context.Context, svc *Service) error {
	var sla sql.NullInt64
	if svc.SLAMinutes != nil {
		sla = sql.NullInt64{Int64: int64(*svc.SLAMinutes), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE services
		SET status = 'FINISHED', finished_at = ?, sla_minutes = ?, updated_at = ?
		WHERE id = ? AND status = 'RUNNING'
	`,
		formatTimePtr(svc.FinishedAt),
		sla,
		formatTime(svc.UpdatedAt),
		svc.ID,
	)
	if err != nil {
		return fmt.Errorf("finishing service: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.missingOrConflict(ctx, svc.ID)
	}

	s.logger.Debug("finished service", "id", svc.ID)
	return nil
}

// ListAssignments retrieves the assignment history of a service by round.
func (s *SQLiteStore) ListAssignments(ctx context.Context, serviceID string) ([]*Assignment, error) {
	query := `
		SELECT id, service_id, round, attendant_id, attendant_name, attendant_presence_id,
			routing_group, is_current, created_at
		FROM service_assignments
		WHERE service_id = ?
		ORDER BY round
	`

	rows, err := s.db.QueryContext(ctx, query, serviceID)
	if err != nil {
		return nil, fmt.Errorf("querying assignments: %w", err)
	}
	defer rows.Close()

	assignments := []*Assignment{}
	for rows.Next() {
		var a Assignment
		var isCurrent int
		var createdAtStr string
		if err := rows.Scan(
			&a.ID,
			&a.ServiceID,
			&a.Round,
			&a.AttendantID,
			&a.AttendantName,
			&a.AttendantPresenceID,
			&a.RoutingGroup,
			&isCurrent,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning assignment: %w", err)
		}
		a.IsCurrent = isCurrent == 1
		if a.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		assignments = append(assignments, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating assignments: %w", err)
	}

	return assignments, nil
}

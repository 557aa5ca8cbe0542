// ABOUTME: Append-only message log for the SQLite store
// ABOUTME: Every relayed customer/attendant message is recorded against its service

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SaveMessage appends a message to the log.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	var attachments sql.NullString
	if len(msg.Attachments) > 0 {
		data, err := json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("marshaling attachments: %w", err)
		}
		attachments = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO messages (id, service_id, sender, text, attachments_json, customer_address,
			attendant_id, attendant_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ServiceID,
		string(msg.From),
		msg.Text,
		attachments,
		msg.CustomerAddress,
		nullString(msg.AttendantID),
		nullString(msg.AttendantName),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	return nil
}

// ListMessages retrieves the log of a service in chronological order.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListMessages(ctx context.Context, serviceID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, service_id, sender, text, attachments_json, customer_address,
			attendant_id, attendant_name, created_at
		FROM messages
		WHERE service_id = ?
		ORDER BY created_at, rowid
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, serviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		var msg Message
		var sender, createdAtStr string
		var attachments, attendantID, attendantName sql.NullString

		if err := rows.Scan(
			&msg.ID,
			&msg.ServiceID,
			&sender,
			&msg.Text,
			&attachments,
			&msg.CustomerAddress,
			&attendantID,
			&attendantName,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		msg.From = Sender(sender)
		msg.AttendantID = attendantID.String
		msg.AttendantName = attendantName.String
		if attachments.Valid && attachments.String != "" {
			if err := json.Unmarshal([]byte(attachments.String), &msg.Attachments); err != nil {
				return nil, fmt.Errorf("unmarshaling attachments: %w", err)
			}
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return messages, nil
}

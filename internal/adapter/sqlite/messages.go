package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/message"
)

// InsertMessage persists m and returns its assigned autoincrement id.
func (s *Store) InsertMessage(ctx context.Context, m *message.Message) (int64, error) {
	res, err := s.writer().ExecContext(ctx,
		`INSERT INTO messages (channel, payload, sender, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		m.Channel, m.Payload, m.Sender, m.CreatedAt, nullIf64(m.ExpiresAt))
	if err != nil {
		return 0, fmt.Errorf("insert message on %s: %w", m.Channel, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert message on %s: %w", m.Channel, err)
	}
	return id, nil
}

// ListMessages returns up to limit messages on channel with id > after, in
// ascending id order (the channel's total order).
func (s *Store) ListMessages(ctx context.Context, channel string, after int64, limit int) ([]message.Message, error) {
	if limit <= 0 || limit > message.MaxPageSize {
		limit = message.MaxPageSize
	}
	rows, err := s.reader().QueryContext(ctx,
		`SELECT id, channel, payload, sender, created_at, expires_at FROM messages
		 WHERE channel = ? AND id > ? ORDER BY id ASC LIMIT ?`, channel, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages on %s: %w", channel, err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		var m message.Message
		var expiresAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.Channel, &m.Payload, &m.Sender, &m.CreatedAt, &expiresAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			v := expiresAt.Int64
			m.ExpiresAt = &v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FirstMessageAfter returns the oldest message on channel with id > after,
// or ErrNotFound if none exists yet — the long-poll primitive.
func (s *Store) FirstMessageAfter(ctx context.Context, channel string, after int64) (*message.Message, error) {
	row := s.reader().QueryRowContext(ctx,
		`SELECT id, channel, payload, sender, created_at, expires_at FROM messages
		 WHERE channel = ? AND id > ? ORDER BY id ASC LIMIT 1`, channel, after)
	var m message.Message
	var expiresAt sql.NullInt64
	if err := row.Scan(&m.ID, &m.Channel, &m.Payload, &m.Sender, &m.CreatedAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("first message after %d on %s: %w", after, channel, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("first message after %d on %s: %w", after, channel, err)
	}
	if expiresAt.Valid {
		v := expiresAt.Int64
		m.ExpiresAt = &v
	}
	return &m, nil
}

// DeleteExpiredMessages deletes every message whose TTL has elapsed and
// returns the count removed.
func (s *Store) DeleteExpiredMessages(ctx context.Context, now int64) (int, error) {
	res, err := s.writer().ExecContext(ctx, `DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}
	return int(n), nil
}

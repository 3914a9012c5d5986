package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/webhook"
)

const subscriptionColumns = `id, url, secret, events, filter_pattern, active, deliver_count, failure_count, created_at, metadata`

func scanSubscription(row interface{ Scan(dest ...any) error }) (webhook.Subscription, error) {
	var sub webhook.Subscription
	var eventsJSON string
	var active int
	if err := row.Scan(&sub.ID, &sub.URL, &sub.Secret, &eventsJSON, &sub.FilterPattern,
		&active, &sub.DeliverCount, &sub.FailureCount, &sub.CreatedAt, &sub.Metadata); err != nil {
		return webhook.Subscription{}, err
	}
	sub.Active = active != 0
	var events []webhook.Event
	if err := json.Unmarshal([]byte(eventsJSON), &events); err != nil {
		return webhook.Subscription{}, fmt.Errorf("decode events for subscription %s: %w", sub.ID, err)
	}
	sub.Events = events
	return sub, nil
}

// InsertSubscription persists a new webhook subscription.
func (s *Store) InsertSubscription(ctx context.Context, sub *webhook.Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("encode events for subscription %s: %w", sub.ID, err)
	}
	_, err = s.writer().ExecContext(ctx,
		`INSERT INTO webhook_subscriptions (id, url, secret, events, filter_pattern, active, deliver_count, failure_count, created_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.URL, sub.Secret, string(eventsJSON), sub.FilterPattern, boolToInt(sub.Active),
		sub.DeliverCount, sub.FailureCount, sub.CreatedAt, metaOrEmpty(sub.Metadata))
	if err != nil {
		return fmt.Errorf("insert subscription %s: %w", sub.ID, err)
	}
	return nil
}

// GetSubscription returns the subscription row for id, or ErrNotFound.
func (s *Store) GetSubscription(ctx context.Context, id string) (*webhook.Subscription, error) {
	row := s.reader().QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get subscription %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get subscription %s: %w", id, err)
	}
	return &sub, nil
}

// ListSubscriptionsForEvent lists active subscriptions whose event list
// contains event. The filter_pattern/identity match is left to the
// service layer since it requires the triggering identity, not just event.
func (s *Store) ListSubscriptionsForEvent(ctx context.Context, event webhook.Event) ([]webhook.Subscription, error) {
	rows, err := s.reader().QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for event %s: %w", event, err)
	}
	defer rows.Close()

	var out []webhook.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		if sub.Subscribes(event) {
			out = append(out, sub)
		}
	}
	return out, rows.Err()
}

// RecordDeliveryOutcome inserts or updates a delivery attempt row.
func (s *Store) RecordDeliveryOutcome(ctx context.Context, d *webhook.Delivery) error {
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO webhook_deliveries (id, subscription_id, event, payload, status, attempt, response_code, response_body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET status = excluded.status, attempt = excluded.attempt,
		   response_code = excluded.response_code, response_body = excluded.response_body, updated_at = excluded.updated_at`,
		d.ID, d.SubscriptionID, d.Event, d.Payload, d.Status, d.Attempt, d.ResponseCode, d.ResponseBody,
		d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("record delivery %s: %w", d.ID, err)
	}
	return nil
}

// BumpSubscriptionCounters increments a subscription's deliver_count or
// failure_count after a delivery attempt resolves.
func (s *Store) BumpSubscriptionCounters(ctx context.Context, id string, success bool) error {
	column := "failure_count"
	if success {
		column = "deliver_count"
	}
	res, err := s.writer().ExecContext(ctx, `UPDATE webhook_subscriptions SET `+column+` = `+column+` + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("bump counters for subscription %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("bump counters for subscription %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListPendingDeliveries returns deliveries still marked pending, reloaded
// at startup so a half-written delivery's status is re-driven after a
// daemon restart.
func (s *Store) ListPendingDeliveries(ctx context.Context) ([]webhook.Delivery, error) {
	rows, err := s.reader().QueryContext(ctx,
		`SELECT id, subscription_id, event, payload, status, attempt, response_code, response_body, created_at, updated_at
		 FROM webhook_deliveries WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending deliveries: %w", err)
	}
	defer rows.Close()

	var out []webhook.Delivery
	for rows.Next() {
		var d webhook.Delivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.Event, &d.Payload, &d.Status, &d.Attempt,
			&d.ResponseCode, &d.ResponseBody, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

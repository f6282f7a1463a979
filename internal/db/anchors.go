package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"sms-notification-service/internal/models"
)

const subscriberColumns = `id, phone, first_name, discount_code, second_chance_code, opted_in,
        opt_in_changed_at, first_message_sent_at, converted, converted_at, created_at`

const orderColumns = `id, order_number, phone, first_name, tracking_url, fulfilled, cancelled,
        order_created_at, fulfilled_at`

func scanSubscriber(row pgx.Row) (models.Subscriber, error) {
	var s models.Subscriber
	err := row.Scan(&s.ID, &s.Phone, &s.FirstName, &s.DiscountCode, &s.SecondChanceCode, &s.OptedIn,
		&s.OptInChangedAt, &s.FirstMessageSentAt, &s.Converted, &s.ConvertedAt, &s.CreatedAt)
	return s, err
}

func scanOrder(row pgx.Row) (models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.OrderNumber, &o.Phone, &o.FirstName, &o.TrackingURL, &o.Fulfilled, &o.Cancelled,
		&o.OrderCreatedAt, &o.FulfilledAt)
	return o, err
}

// UpsertSubscriber inserts a subscriber or refreshes its contact fields.
// Opt-in, conversion and anchor state are owned by this service and kept.
func (d *DB) UpsertSubscriber(ctx context.Context, s models.Subscriber) error {
	createdAt := s.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := d.Pool.Exec(ctx, `
        INSERT INTO subscribers (id, phone, first_name, discount_code, second_chance_code, opted_in, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET
            phone = EXCLUDED.phone,
            first_name = EXCLUDED.first_name,
            discount_code = COALESCE(NULLIF(EXCLUDED.discount_code, ''), subscribers.discount_code),
            second_chance_code = COALESCE(NULLIF(EXCLUDED.second_chance_code, ''), subscribers.second_chance_code)`,
		s.ID, s.Phone, s.FirstName, s.DiscountCode, s.SecondChanceCode, s.OptedIn, createdAt)
	if err != nil {
		return fmt.Errorf("failed to upsert subscriber %s: %w", s.ID, err)
	}
	return nil
}

// UpsertOrder inserts an order or merges newer state into it. Fulfilled and
// cancelled never go back to false.
func (d *DB) UpsertOrder(ctx context.Context, o models.Order) error {
	_, err := d.Pool.Exec(ctx, `
        INSERT INTO orders (id, order_number, phone, first_name, tracking_url, fulfilled, cancelled, order_created_at, fulfilled_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET
            order_number = COALESCE(NULLIF(EXCLUDED.order_number, ''), orders.order_number),
            phone = COALESCE(NULLIF(EXCLUDED.phone, ''), orders.phone),
            first_name = COALESCE(NULLIF(EXCLUDED.first_name, ''), orders.first_name),
            tracking_url = COALESCE(NULLIF(EXCLUDED.tracking_url, ''), orders.tracking_url),
            fulfilled = orders.fulfilled OR EXCLUDED.fulfilled,
            cancelled = orders.cancelled OR EXCLUDED.cancelled,
            fulfilled_at = COALESCE(orders.fulfilled_at, EXCLUDED.fulfilled_at)`,
		o.ID, o.OrderNumber, o.Phone, o.FirstName, o.TrackingURL, o.Fulfilled, o.Cancelled, o.OrderCreatedAt, o.FulfilledAt)
	if err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", o.ID, err)
	}
	return nil
}

func (d *DB) GetSubscriber(ctx context.Context, id string) (models.Subscriber, error) {
	s, err := scanSubscriber(d.Pool.QueryRow(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return s, fmt.Errorf("%w: subscriber %s", models.ErrNotFound, id)
	}
	if err != nil {
		return s, fmt.Errorf("failed to get subscriber %s: %w", id, err)
	}
	return s, nil
}

// FindSubscriberByPhone returns the most recent subscriber using phone.
func (d *DB) FindSubscriberByPhone(ctx context.Context, phone string) (models.Subscriber, error) {
	s, err := scanSubscriber(d.Pool.QueryRow(ctx, `
        SELECT `+subscriberColumns+` FROM subscribers
        WHERE phone = $1
        ORDER BY created_at DESC
        LIMIT 1`, phone))
	if errors.Is(err, pgx.ErrNoRows) {
		return s, fmt.Errorf("%w: subscriber with phone %s", models.ErrNotFound, phone)
	}
	if err != nil {
		return s, fmt.Errorf("failed to find subscriber by phone: %w", err)
	}
	return s, nil
}

func (d *DB) GetOrder(ctx context.Context, id string) (models.Order, error) {
	o, err := scanOrder(d.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return o, fmt.Errorf("%w: order %s", models.ErrNotFound, id)
	}
	if err != nil {
		return o, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	return o, nil
}

// Anchor loads the subject behind an item.
func (d *DB) Anchor(ctx context.Context, kind models.AnchorKind, id string) (models.AnchorSubject, error) {
	switch kind {
	case models.AnchorSubscriber:
		s, err := d.GetSubscriber(ctx, id)
		if err != nil {
			return models.AnchorSubject{}, err
		}
		return s.Anchor(), nil
	case models.AnchorOrder:
		o, err := d.GetOrder(ctx, id)
		if err != nil {
			return models.AnchorSubject{}, err
		}
		return o.Anchor(), nil
	}
	return models.AnchorSubject{}, fmt.Errorf("%w: unknown anchor kind %q", models.ErrValidation, kind)
}

// Candidates lists anchors at or before cutoff that do not have a base item
// for trigger yet, live or purged, and are not already excluded by their own
// state.
func (d *DB) Candidates(ctx context.Context, trigger models.TriggerType, cutoff time.Time, limit int) ([]models.AnchorSubject, error) {
	var (
		rows pgx.Rows
		err  error
	)
	switch trigger.AnchorKind() {
	case models.AnchorSubscriber:
		rows, err = d.Pool.Query(ctx, `
            SELECT `+subscriberColumns+` FROM subscribers s
            WHERE s.first_message_sent_at IS NOT NULL
              AND s.first_message_sent_at <= $1
              AND s.opted_in AND NOT s.converted
              AND NOT EXISTS (
                  SELECT 1 FROM notification_items n
                  WHERE n.anchor_id = s.id AND n.trigger_type = $2 AND n.sub_event_id = ''
              )
              AND NOT EXISTS (
                  SELECT 1 FROM retired_keys r
                  WHERE r.anchor_id = s.id AND r.trigger_type = $2 AND r.sub_event_id = ''
              )
            ORDER BY s.first_message_sent_at
            LIMIT $3`, cutoff, string(trigger), limit)
	default:
		rows, err = d.Pool.Query(ctx, `
            SELECT `+orderColumns+` FROM orders o
            WHERE o.order_created_at <= $1
              AND NOT o.fulfilled AND NOT o.cancelled
              AND NOT EXISTS (
                  SELECT 1 FROM notification_items n
                  WHERE n.anchor_id = o.id AND n.trigger_type = $2 AND n.sub_event_id = ''
              )
              AND NOT EXISTS (
                  SELECT 1 FROM retired_keys r
                  WHERE r.anchor_id = o.id AND r.trigger_type = $2 AND r.sub_event_id = ''
              )
            ORDER BY o.order_created_at
            LIMIT $3`, cutoff, string(trigger), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s candidates: %w", trigger, err)
	}
	defer rows.Close()

	var out []models.AnchorSubject
	for rows.Next() {
		if trigger.AnchorKind() == models.AnchorSubscriber {
			s, err := scanSubscriber(rows)
			if err != nil {
				return nil, fmt.Errorf("failed to scan subscriber: %w", err)
			}
			out = append(out, s.Anchor())
			continue
		}
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o.Anchor())
	}
	return out, rows.Err()
}

// SetOptIn flips the consent flag of a subscriber.
func (d *DB) SetOptIn(ctx context.Context, id string, optedIn bool, at time.Time) error {
	tag, err := d.Pool.Exec(ctx, `
        UPDATE subscribers SET opted_in = $2, opt_in_changed_at = $3
        WHERE id = $1`, id, optedIn, at)
	if err != nil {
		return fmt.Errorf("failed to set opt-in of %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: subscriber %s", models.ErrNotFound, id)
	}
	return nil
}

// SetFirstMessageSentAt stamps the anchor of the second chance flow. Only
// the first stamp counts.
func (d *DB) SetFirstMessageSentAt(ctx context.Context, id string, at time.Time) error {
	_, err := d.Pool.Exec(ctx, `
        UPDATE subscribers SET first_message_sent_at = $2
        WHERE id = $1 AND first_message_sent_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("failed to stamp first message of %s: %w", id, err)
	}
	return nil
}

func (d *DB) MarkSubscriberConverted(ctx context.Context, id string, at time.Time) error {
	_, err := d.Pool.Exec(ctx, `
        UPDATE subscribers SET converted = TRUE, converted_at = COALESCE(converted_at, $2)
        WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark subscriber %s converted: %w", id, err)
	}
	return nil
}

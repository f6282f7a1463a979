package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"sms-notification-service/internal/models"
)

const itemColumns = `id, anchor_id, trigger_type, sub_event_id, recipient, payload, status,
        eligible_at, scheduled_send_at, sent_at, message_id, error, skip_reason, attempt_count,
        delivery_status, delivery_error, delivered_at, created_at, updated_at`

// dueFilter selects pending items and abandoned claims. $1 triggers, $2 now, $3 stale-claim cutoff.
const dueFilter = `trigger_type = ANY($1)
          AND eligible_at <= $2
          AND (status = 'pending' OR (status = 'queued' AND updated_at < $3))`

func scanItem(row pgx.Row) (models.NotificationItem, error) {
	var n models.NotificationItem
	var id pgtype.UUID
	var trigger, status, delivery string
	err := row.Scan(
		&id, &n.AnchorID, &trigger, &n.SubEventID, &n.Recipient, &n.Payload, &status,
		&n.EligibleAt, &n.ScheduledSendAt, &n.SentAt, &n.MessageID, &n.Error, &n.SkipReason, &n.AttemptCount,
		&delivery, &n.DeliveryError, &n.DeliveredAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return n, err
	}
	n.ID = id.Bytes
	n.TriggerType = models.TriggerType(trigger)
	n.Status = models.ItemStatus(status)
	n.DeliveryStatus = models.DeliveryStatus(delivery)
	return n, nil
}

func collectItems(rows pgx.Rows) ([]models.NotificationItem, error) {
	defer rows.Close()
	var items []models.NotificationItem
	for rows.Next() {
		n, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification item: %w", err)
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

// CreatePending inserts a new item. A key collision, including one with a
// purged item, returns models.ErrDuplicateSchedule.
func (d *DB) CreatePending(ctx context.Context, n models.NotificationItem) error {
	payload := n.Payload
	if payload == nil {
		payload = map[string]string{}
	}
	tag, err := d.Pool.Exec(ctx, `
        INSERT INTO notification_items (
            id, anchor_id, trigger_type, sub_event_id, recipient, payload, status,
            eligible_at, scheduled_send_at, attempt_count, created_at, updated_at
        )
        SELECT $1::uuid, $2::text, $3::text, $4::text, $5::text, $6::jsonb, 'pending',
               $7::timestamptz, $8::timestamptz, $9::int, $10::timestamptz, $10::timestamptz
        WHERE NOT EXISTS (
            SELECT 1 FROM retired_keys r
            WHERE r.anchor_id = $2 AND r.trigger_type = $3 AND r.sub_event_id = $4
        )`,
		n.ID, n.AnchorID, string(n.TriggerType), n.SubEventID, n.Recipient, payload,
		n.EligibleAt, n.ScheduledSendAt, n.AttemptCount, n.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", models.ErrDuplicateSchedule, n.Key())
		}
		return fmt.Errorf("failed to create notification item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s (retired)", models.ErrDuplicateSchedule, n.Key())
	}
	return nil
}

// ClaimDue marks up to q.Limit due items as queued in one statement. Rows
// locked by a concurrent claimer are skipped.
func (d *DB) ClaimDue(ctx context.Context, q models.DueQuery) ([]models.NotificationItem, error) {
	rows, err := d.Pool.Query(ctx, `
        WITH due AS (
            SELECT id AS item_id FROM notification_items
            WHERE `+dueFilter+`
            ORDER BY eligible_at
            LIMIT $4
            FOR UPDATE SKIP LOCKED
        )
        UPDATE notification_items SET status = 'queued', updated_at = $2
        FROM due WHERE id = due.item_id
        RETURNING `+itemColumns,
		models.TriggerStrings(q.Triggers), q.Now, q.StaleClaimBefore, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due items: %w", err)
	}
	return collectItems(rows)
}

// ListDue returns due items without claiming them. Limit 0 means all.
func (d *DB) ListDue(ctx context.Context, q models.DueQuery) ([]models.NotificationItem, error) {
	rows, err := d.Pool.Query(ctx, `
        SELECT `+itemColumns+`
        FROM notification_items
        WHERE `+dueFilter+`
        ORDER BY eligible_at
        LIMIT NULLIF($4, 0)`,
		models.TriggerStrings(q.Triggers), q.Now, q.StaleClaimBefore, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due items: %w", err)
	}
	return collectItems(rows)
}

func (d *DB) CountDue(ctx context.Context, q models.DueQuery) (int, error) {
	var n int
	err := d.Pool.QueryRow(ctx, `
        SELECT count(*) FROM notification_items
        WHERE `+dueFilter,
		models.TriggerStrings(q.Triggers), q.Now, q.StaleClaimBefore).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count due items: %w", err)
	}
	return n, nil
}

// ClaimLiveByAnchor claims the oldest non-terminal item of anchorID,
// regardless of its eligibility time.
func (d *DB) ClaimLiveByAnchor(ctx context.Context, anchorID string, triggers []models.TriggerType, now time.Time) (models.NotificationItem, error) {
	n, err := scanItem(d.Pool.QueryRow(ctx, `
        UPDATE notification_items SET status = 'queued', updated_at = $3
        WHERE id = (
            SELECT id FROM notification_items
            WHERE anchor_id = $1 AND trigger_type = ANY($2) AND status IN ('pending', 'queued')
            ORDER BY eligible_at
            LIMIT 1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING `+itemColumns,
		anchorID, models.TriggerStrings(triggers), now))
	if errors.Is(err, pgx.ErrNoRows) {
		return n, fmt.Errorf("%w: no live item for anchor %s", models.ErrNotFound, anchorID)
	}
	if err != nil {
		return n, fmt.Errorf("failed to claim item for anchor %s: %w", anchorID, err)
	}
	return n, nil
}

func (d *DB) GetItem(ctx context.Context, id uuid.UUID) (models.NotificationItem, error) {
	n, err := scanItem(d.Pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM notification_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return n, fmt.Errorf("%w: item %s", models.ErrNotFound, id)
	}
	if err != nil {
		return n, fmt.Errorf("failed to get item %s: %w", id, err)
	}
	return n, nil
}

// FindByMessageID returns the item the gateway knows as messageID.
func (d *DB) FindByMessageID(ctx context.Context, messageID string) (models.NotificationItem, error) {
	n, err := scanItem(d.Pool.QueryRow(ctx, `
        SELECT `+itemColumns+` FROM notification_items
        WHERE message_id = $1 AND message_id <> ''
        LIMIT 1`, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return n, fmt.Errorf("%w: message %s", models.ErrNotFound, messageID)
	}
	if err != nil {
		return n, fmt.Errorf("failed to find item by message id %s: %w", messageID, err)
	}
	return n, nil
}

// LatestSentForRecipient returns the most recent item of one of triggers
// sent to phone within [since, until].
func (d *DB) LatestSentForRecipient(ctx context.Context, phone string, triggers []models.TriggerType, since, until time.Time) (models.NotificationItem, error) {
	n, err := scanItem(d.Pool.QueryRow(ctx, `
        SELECT `+itemColumns+` FROM notification_items
        WHERE recipient = $1 AND trigger_type = ANY($2) AND status = 'sent'
          AND sent_at >= $3 AND sent_at <= $4
        ORDER BY sent_at DESC
        LIMIT 1`, phone, models.TriggerStrings(triggers), since, until))
	if errors.Is(err, pgx.ErrNoRows) {
		return n, fmt.Errorf("%w: no recent message to %s", models.ErrNotFound, phone)
	}
	if err != nil {
		return n, fmt.Errorf("failed to find latest message to %s: %w", phone, err)
	}
	return n, nil
}

// finalize runs a status update guarded by the non-terminal condition and
// tells a missing item apart from one already finalized.
func (d *DB) finalize(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	tag, err := d.Pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update item %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := d.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM notification_items WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check item %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("%w: item %s", models.ErrNotFound, id)
	}
	return fmt.Errorf("%w: item %s", models.ErrTerminalState, id)
}

func (d *DB) MarkSent(ctx context.Context, id uuid.UUID, messageID string, at time.Time) error {
	return d.finalize(ctx, id, `
        UPDATE notification_items
        SET status = 'sent', message_id = $2, sent_at = $3, updated_at = $3
        WHERE id = $1 AND status IN ('pending', 'queued')`, id, messageID, at)
}

func (d *DB) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, at time.Time) error {
	return d.finalize(ctx, id, `
        UPDATE notification_items
        SET status = 'failed', error = $2, attempt_count = attempt_count + 1, updated_at = $3
        WHERE id = $1 AND status IN ('pending', 'queued')`, id, errMsg, at)
}

func (d *DB) MarkSkipped(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	return d.finalize(ctx, id, `
        UPDATE notification_items
        SET status = 'skipped', skip_reason = $2, updated_at = $3
        WHERE id = $1 AND status IN ('pending', 'queued')`, id, reason, at)
}

// UpdateDeliveryStatus records the carrier sub-status of a sent item. The
// item status itself is not touched.
func (d *DB) UpdateDeliveryStatus(ctx context.Context, id uuid.UUID, status models.DeliveryStatus, detail string, at time.Time) error {
	tag, err := d.Pool.Exec(ctx, `
        UPDATE notification_items
        SET delivery_status = $2,
            delivery_error = $3,
            delivered_at = CASE WHEN $2 = 'delivered' THEN $4 ELSE delivered_at END
        WHERE id = $1`, id, string(status), detail, at)
	if err != nil {
		return fmt.Errorf("failed to update delivery status of %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: item %s", models.ErrNotFound, id)
	}
	return nil
}

// PurgeTerminal deletes items that reached a terminal state before the cutoff.
// Their keys move to retired_keys so the same notification is never
// scheduled again.
func (d *DB) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := d.Pool.QueryRow(ctx, `
        WITH purged AS (
            DELETE FROM notification_items
            WHERE status IN ('sent', 'skipped', 'failed') AND updated_at < $1
            RETURNING anchor_id, trigger_type, sub_event_id
        ), retired AS (
            INSERT INTO retired_keys (anchor_id, trigger_type, sub_event_id)
            SELECT anchor_id, trigger_type, sub_event_id FROM purged
            ON CONFLICT DO NOTHING
        )
        SELECT count(*) FROM purged`, before).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal items: %w", err)
	}
	return n, nil
}

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"sms-notification-service/internal/models"
)

// InsertConversion appends a conversion. A second conversion for the same
// order returns models.ErrAlreadyAttributed.
func (d *DB) InsertConversion(ctx context.Context, c models.ConversionRecord) error {
	_, err := d.Pool.Exec(ctx, `
        INSERT INTO conversions (id, order_id, anchor_id, item_id, trigger_type, revenue, currency, time_to_convert_seconds, converted_at)
        VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)`,
		c.ID, c.OrderID, c.AnchorID, c.ItemID, string(c.TriggerType), c.Revenue.String(), c.Currency,
		int64(c.TimeToConvert/time.Second), c.ConvertedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: order %s", models.ErrAlreadyAttributed, c.OrderID)
		}
		return fmt.Errorf("failed to insert conversion for order %s: %w", c.OrderID, err)
	}
	return nil
}

// ItemCounts rolls up item states per trigger type. Failed includes sent
// items the carrier reported as undeliverable.
func (d *DB) ItemCounts(ctx context.Context) ([]models.TriggerCounts, error) {
	rows, err := d.Pool.Query(ctx, `
        SELECT trigger_type,
               count(*) FILTER (WHERE status IN ('pending', 'queued')),
               count(*) FILTER (WHERE status = 'sent'),
               count(*) FILTER (WHERE status = 'sent' AND delivery_status = 'delivered'),
               count(*) FILTER (WHERE status = 'failed' OR delivery_status = 'failed'),
               count(*) FILTER (WHERE status = 'skipped')
        FROM notification_items
        GROUP BY trigger_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}
	defer rows.Close()

	var out []models.TriggerCounts
	for rows.Next() {
		var c models.TriggerCounts
		var trigger string
		if err := rows.Scan(&trigger, &c.Pending, &c.Sent, &c.Delivered, &c.Failed, &c.Skipped); err != nil {
			return nil, fmt.Errorf("failed to scan item counts: %w", err)
		}
		c.TriggerType = models.TriggerType(trigger)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConversionTotals rolls up conversions and revenue per trigger type. Only
// conversions whose item is still retained count, so totals cover the same
// items as ItemCounts.
func (d *DB) ConversionTotals(ctx context.Context) ([]models.ConversionTotal, error) {
	rows, err := d.Pool.Query(ctx, `
        SELECT c.trigger_type, count(*), COALESCE(sum(c.revenue), 0)::text
        FROM conversions c
        JOIN notification_items n ON n.id = c.item_id
        GROUP BY c.trigger_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to total conversions: %w", err)
	}
	defer rows.Close()

	var out []models.ConversionTotal
	for rows.Next() {
		var c models.ConversionTotal
		var trigger, revenue string
		if err := rows.Scan(&trigger, &c.Count, &revenue); err != nil {
			return nil, fmt.Errorf("failed to scan conversion totals: %w", err)
		}
		c.TriggerType = models.TriggerType(trigger)
		if c.Revenue, err = decimal.NewFromString(revenue); err != nil {
			return nil, fmt.Errorf("invalid revenue %q: %w", revenue, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

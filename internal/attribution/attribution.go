// Package attribution credits purchases to the marketing message sent
// right before them.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sms-notification-service/internal/logging"
	"sms-notification-service/internal/metrics"
	"sms-notification-service/internal/models"
)

type Store interface {
	LatestSentForRecipient(ctx context.Context, phone string, triggers []models.TriggerType, since, until time.Time) (models.NotificationItem, error)
	InsertConversion(ctx context.Context, c models.ConversionRecord) error
	MarkSubscriberConverted(ctx context.Context, id string, at time.Time) error
}

var attributable = []models.TriggerType{
	models.TriggerFirstChanceRecovery,
	models.TriggerSecondChanceRecovery,
}

type Recorder struct {
	store  Store
	window time.Duration
	logger *logging.Logger
	now    func() time.Time
}

// NewRecorder credits purchases made within window of a message.
func NewRecorder(store Store, window time.Duration, logger *logging.Logger) *Recorder {
	return &Recorder{store: store, window: window, logger: logger, now: time.Now}
}

// RecordPurchase appends a conversion for p when an attributable message was
// sent to the buyer within the window, and marks the subscriber converted so
// pending follow-ups short-circuit. It reports whether a conversion was
// recorded. Each order is credited at most once.
func (r *Recorder) RecordPurchase(ctx context.Context, p models.Purchase) (models.ConversionRecord, bool, error) {
	if !models.ValidRecipient(p.Phone) {
		return models.ConversionRecord{}, false, nil
	}
	paidAt := p.PaidAt
	if paidAt.IsZero() {
		paidAt = r.now().UTC()
	}

	item, err := r.store.LatestSentForRecipient(ctx, p.Phone, attributable, paidAt.Add(-r.window), paidAt)
	if errors.Is(err, models.ErrNotFound) {
		return models.ConversionRecord{}, false, nil
	}
	if err != nil {
		return models.ConversionRecord{}, false, fmt.Errorf("%w: find message for %s: %w", models.ErrPersistence, p.OrderID, err)
	}
	if item.SentAt == nil || item.SentAt.After(paidAt) {
		return models.ConversionRecord{}, false, nil
	}

	c := models.ConversionRecord{
		ID:            uuid.New(),
		OrderID:       p.OrderID,
		AnchorID:      item.AnchorID,
		ItemID:        item.ID,
		TriggerType:   item.TriggerType,
		Revenue:       p.Total,
		Currency:      p.Currency,
		TimeToConvert: paidAt.Sub(*item.SentAt),
		ConvertedAt:   paidAt,
	}
	if err := r.store.InsertConversion(ctx, c); err != nil {
		if errors.Is(err, models.ErrAlreadyAttributed) {
			r.logger.Debugf("Order %s already attributed", p.OrderID)
			return models.ConversionRecord{}, false, nil
		}
		return models.ConversionRecord{}, false, fmt.Errorf("%w: record conversion of %s: %w", models.ErrPersistence, p.OrderID, err)
	}
	if err := r.store.MarkSubscriberConverted(ctx, item.AnchorID, paidAt); err != nil {
		return c, true, fmt.Errorf("%w: mark %s converted: %w", models.ErrPersistence, item.AnchorID, err)
	}
	metrics.Conversions.WithLabelValues(string(item.TriggerType)).Inc()
	r.logger.Infof("Order %s attributed to %s (%s after send, revenue %s %s)",
		p.OrderID, item.Key(), c.TimeToConvert.Round(time.Minute), c.Revenue.StringFixed(2), c.Currency)
	return c, true, nil
}

package notification

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"sms-notification-service/internal/logging"
	"sms-notification-service/internal/metrics"
	"sms-notification-service/internal/models"
	"sms-notification-service/internal/window"
)

// Scanner turns anchor subjects whose delay has elapsed into pending items.
// It holds no lock: concurrent scanners rely on the store's unique key.
type Scanner struct {
	store  Store
	gate   *window.Gate
	logger *logging.Logger
	now    func() time.Time
}

// NewScanner builds a Scanner. gate may be nil, in which case
// ScheduledSendAt equals EligibleAt.
func NewScanner(store Store, gate *window.Gate, logger *logging.Logger) *Scanner {
	return &Scanner{store: store, gate: gate, logger: logger, now: time.Now}
}

// Scan creates one pending item per qualifying candidate and returns how
// many were created. Duplicate keys are ignored. Any other store error stops
// the scan; items created before it stay committed.
func (s *Scanner) Scan(ctx context.Context, candidates []models.AnchorSubject, trigger models.TriggerType, delay time.Duration, exclude func(models.AnchorSubject) bool) (int, error) {
	now := s.now().UTC()
	created := 0
	for _, c := range candidates {
		if c.AnchorTime.IsZero() || now.Sub(c.AnchorTime) < delay {
			continue
		}
		if exclude != nil && exclude(c) {
			continue
		}
		if !models.ValidRecipient(c.Recipient) {
			s.logger.Warnf("Skipping %s %s for %s: invalid recipient %q", c.Kind, c.ID, trigger, c.Recipient)
			continue
		}

		eligible := c.AnchorTime.Add(delay).UTC()
		scheduled := eligible
		if s.gate != nil {
			scheduled = s.gate.NextWindowStart(eligible)
		}
		item := models.NotificationItem{
			ID:              uuid.New(),
			AnchorID:        c.ID,
			TriggerType:     trigger,
			SubEventID:      c.SubEventID,
			Recipient:       c.Recipient,
			Payload:         maps.Clone(c.Payload),
			Status:          models.StatusPending,
			EligibleAt:      eligible,
			ScheduledSendAt: scheduled,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.store.CreatePending(ctx, item); err != nil {
			if errors.Is(err, models.ErrDuplicateSchedule) {
				s.logger.Debugf("Already scheduled: %s", item.Key())
				continue
			}
			return created, fmt.Errorf("%w: schedule %s: %w", models.ErrPersistence, item.Key(), err)
		}
		created++
		metrics.Scheduled.WithLabelValues(string(trigger)).Inc()
	}
	return created, nil
}

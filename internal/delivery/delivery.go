// Package delivery applies carrier callbacks and customer replies.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sms-notification-service/internal/logging"
	"sms-notification-service/internal/metrics"
	"sms-notification-service/internal/models"
)

// ItemStore is the part of the queue store the handler needs.
type ItemStore interface {
	FindByMessageID(ctx context.Context, messageID string) (models.NotificationItem, error)
	UpdateDeliveryStatus(ctx context.Context, id uuid.UUID, status models.DeliveryStatus, detail string, at time.Time) error
}

// SubscriberStore owns opt-in state.
type SubscriberStore interface {
	FindSubscriberByPhone(ctx context.Context, phone string) (models.Subscriber, error)
	SetOptIn(ctx context.Context, id string, optedIn bool, at time.Time) error
}

// Action is what an inbound reply did.
type Action string

const (
	ActionOptOut  Action = "opt_out"
	ActionOptIn   Action = "opt_in"
	ActionIgnored Action = "ignored"
)

var (
	optOutKeywords = map[string]bool{"STOP": true, "STOPALL": true, "UNSUBSCRIBE": true, "CANCEL": true, "END": true, "QUIT": true}
	optInKeywords  = map[string]bool{"START": true, "YES": true, "UNSTOP": true, "SUBSCRIBE": true}
)

// carrierStatuses maps gateway status names onto sub-statuses.
var carrierStatuses = map[string]models.DeliveryStatus{
	"accepted":    models.DeliveryQueued,
	"scheduled":   models.DeliveryQueued,
	"queued":      models.DeliveryQueued,
	"sending":     models.DeliverySent,
	"sent":        models.DeliverySent,
	"delivered":   models.DeliveryDelivered,
	"failed":      models.DeliveryFailed,
	"undelivered": models.DeliveryFailed,
}

func rank(s models.DeliveryStatus) int {
	switch s {
	case models.DeliveryQueued:
		return 1
	case models.DeliverySent:
		return 2
	case models.DeliveryDelivered, models.DeliveryFailed:
		return 3
	}
	return 0
}

type Handler struct {
	items       ItemStore
	subscribers SubscriberStore
	logger      *logging.Logger
	now         func() time.Time
}

func NewHandler(items ItemStore, subscribers SubscriberStore, logger *logging.Logger) *Handler {
	return &Handler{items: items, subscribers: subscribers, logger: logger, now: time.Now}
}

// HandleStatus records a delivery callback on the item that owns its message
// id. Unknown message ids and statuses are logged and ignored. A callback
// arriving after a final sub-status does not move it back.
func (h *Handler) HandleStatus(ctx context.Context, evt models.DeliveryEvent) error {
	status, ok := carrierStatuses[strings.ToLower(strings.TrimSpace(evt.Status))]
	if !ok {
		metrics.DeliveryEvents.WithLabelValues("unknown_status").Inc()
		h.logger.Warnf("Ignoring delivery callback for %s with unknown status %q", evt.MessageID, evt.Status)
		return nil
	}

	item, err := h.items.FindByMessageID(ctx, evt.MessageID)
	if errors.Is(err, models.ErrNotFound) {
		metrics.DeliveryEvents.WithLabelValues("unmatched").Inc()
		h.logger.Infof("Ignoring delivery callback for unknown message %s", evt.MessageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: find message %s: %w", models.ErrPersistence, evt.MessageID, err)
	}

	if rank(item.DeliveryStatus) > rank(status) {
		h.logger.Debugf("Message %s already %s, ignoring %s", evt.MessageID, item.DeliveryStatus, status)
		return nil
	}

	at := evt.ReceivedAt
	if at.IsZero() {
		at = h.now().UTC()
	}
	if err := h.items.UpdateDeliveryStatus(ctx, item.ID, status, evt.ErrorDetail, at); err != nil {
		return fmt.Errorf("%w: update delivery of %s: %w", models.ErrPersistence, item.Key(), err)
	}
	metrics.DeliveryEvents.WithLabelValues(string(status)).Inc()
	if status == models.DeliveryFailed {
		h.logger.Warnf("Message %s for %s failed at carrier: %s", evt.MessageID, item.Key(), evt.ErrorDetail)
	}
	return nil
}

// HandleInboundReply applies opt-out and opt-in keywords. The first word of
// the body decides; anything else is ignored.
func (h *Handler) HandleInboundReply(ctx context.Context, reply models.InboundReply) (Action, error) {
	action := classify(reply.Body)
	if action == ActionIgnored {
		metrics.InboundReplies.WithLabelValues(string(ActionIgnored)).Inc()
		return ActionIgnored, nil
	}

	sub, err := h.subscribers.FindSubscriberByPhone(ctx, reply.From)
	if errors.Is(err, models.ErrNotFound) {
		metrics.InboundReplies.WithLabelValues("unknown_sender").Inc()
		h.logger.Infof("Ignoring %s reply from unknown sender %s", action, reply.From)
		return ActionIgnored, nil
	}
	if err != nil {
		return ActionIgnored, fmt.Errorf("%w: find subscriber %s: %w", models.ErrPersistence, reply.From, err)
	}

	optedIn := action == ActionOptIn
	if sub.OptedIn == optedIn {
		metrics.InboundReplies.WithLabelValues(string(action)).Inc()
		return action, nil
	}
	at := reply.ReceivedAt
	if at.IsZero() {
		at = h.now().UTC()
	}
	if err := h.subscribers.SetOptIn(ctx, sub.ID, optedIn, at); err != nil {
		return ActionIgnored, fmt.Errorf("%w: set opt-in of %s: %w", models.ErrPersistence, sub.ID, err)
	}
	metrics.InboundReplies.WithLabelValues(string(action)).Inc()
	h.logger.Infof("Subscriber %s %s via reply", sub.ID, action)
	return action, nil
}

func classify(body string) Action {
	fields := strings.Fields(strings.ToUpper(body))
	if len(fields) == 0 {
		return ActionIgnored
	}
	word := strings.Trim(fields[0], ".,!?")
	switch {
	case optOutKeywords[word]:
		return ActionOptOut
	case optInKeywords[word]:
		return ActionOptIn
	}
	return ActionIgnored
}

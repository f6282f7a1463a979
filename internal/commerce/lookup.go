package commerce

import (
	"context"

	"sms-notification-service/internal/logging"
	"sms-notification-service/internal/models"
	"sms-notification-service/internal/notification"
)

// Lookup reads anchors from the local mirror and, for orders, merges the
// live fulfillment state from the commerce API. An API failure falls back
// to the mirror.
type Lookup struct {
	local  notification.AnchorLookup
	remote *Client
	logger *logging.Logger
}

func NewLookup(local notification.AnchorLookup, remote *Client, logger *logging.Logger) *Lookup {
	return &Lookup{local: local, remote: remote, logger: logger}
}

func (l *Lookup) Anchor(ctx context.Context, kind models.AnchorKind, id string) (models.AnchorSubject, error) {
	a, err := l.local.Anchor(ctx, kind, id)
	if err != nil || kind != models.AnchorOrder || l.remote == nil {
		return a, err
	}
	o, err := l.remote.GetOrder(ctx, id)
	if err != nil {
		l.logger.Warnf("Using local state for order %s: %v", id, err)
		return a, nil
	}
	a.Fulfilled = a.Fulfilled || o.Fulfilled
	a.Cancelled = a.Cancelled || o.Cancelled
	if a.Payload["tracking_url"] == "" && o.TrackingURL != "" {
		if a.Payload == nil {
			a.Payload = map[string]string{}
		}
		a.Payload["tracking_url"] = o.TrackingURL
	}
	return a, nil
}

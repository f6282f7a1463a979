package notification

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"sms-notification-service/internal/logging"
	"sms-notification-service/internal/metrics"
	"sms-notification-service/internal/models"
	"sms-notification-service/internal/templates"
)

const defaultSendTimeout = 10 * time.Second

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	Family          string
	Triggers        []models.TriggerType
	MinSendInterval time.Duration
	SendTimeout     time.Duration
	ClaimTTL        time.Duration
	StoreURL        string
}

// BatchResult counts what one ProcessBatch call did.
type BatchResult struct {
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func (r *BatchResult) add(o outcome) {
	r.Processed++
	switch o {
	case outcomeSent:
		r.Success++
	case outcomeFailed:
		r.Failed++
	case outcomeSkipped:
		r.Skipped++
	}
}

type outcome string

const (
	outcomeSent    outcome = "sent"
	outcomeFailed  outcome = "failed"
	outcomeSkipped outcome = "skipped"
	// outcomeLost means another writer finalized the item first.
	outcomeLost outcome = "lost"
)

// Dispatcher drains due items through the messaging collaborator.
type Dispatcher struct {
	cfg       DispatcherConfig
	store     Store
	anchors   AnchorLookup
	sender    Sender
	logger    *logging.Logger
	limiter   *rate.Limiter
	afterSent func(ctx context.Context, item models.NotificationItem)
	now       func() time.Time
}

// NewDispatcher builds a Dispatcher for the triggers of one family.
func NewDispatcher(cfg DispatcherConfig, store Store, anchors AnchorLookup, sender Sender, logger *logging.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	limit := rate.Inf
	if cfg.MinSendInterval > 0 {
		limit = rate.Every(cfg.MinSendInterval)
	}
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		anchors: anchors,
		sender:  sender,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}
}

// OnSent registers a hook run after an item is recorded as sent.
func (d *Dispatcher) OnSent(fn func(ctx context.Context, item models.NotificationItem)) {
	d.afterSent = fn
}

// Triggers returns the trigger types this dispatcher owns.
func (d *Dispatcher) Triggers() []models.TriggerType {
	return d.cfg.Triggers
}

func (d *Dispatcher) dueQuery(now time.Time, limit int) models.DueQuery {
	return models.DueQuery{
		Triggers:         d.cfg.Triggers,
		Now:              now,
		StaleClaimBefore: now.Add(-d.cfg.ClaimTTL),
		Limit:            limit,
	}
}

// ProcessBatch claims up to maxItems due items, oldest EligibleAt first, and
// dispatches them one by one. Per-item send failures are counted, not
// returned; a returned error means the store failed and the batch stopped.
func (d *Dispatcher) ProcessBatch(ctx context.Context, maxItems int) (BatchResult, error) {
	var res BatchResult
	if maxItems <= 0 {
		return res, nil
	}
	items, err := d.store.ClaimDue(ctx, d.dueQuery(d.now().UTC(), maxItems))
	if err != nil {
		return res, fmt.Errorf("%w: claim due items: %w", models.ErrPersistence, err)
	}
	slices.SortStableFunc(items, func(a, b models.NotificationItem) int {
		return a.EligibleAt.Compare(b.EligibleAt)
	})

	for _, item := range items {
		o, err := d.dispatch(ctx, item)
		if err != nil {
			return res, err
		}
		res.add(o)
	}
	return res, nil
}

// dispatch handles one claimed item. The error is non-nil only for
// persistence failures.
func (d *Dispatcher) dispatch(ctx context.Context, item models.NotificationItem) (outcome, error) {
	if !models.ValidRecipient(item.Recipient) {
		return d.skip(ctx, item, "invalid recipient")
	}

	anchor, err := d.anchors.Anchor(ctx, item.TriggerType.AnchorKind(), item.AnchorID)
	if errors.Is(err, models.ErrNotFound) {
		return d.skip(ctx, item, "anchor not found")
	}
	if err != nil {
		return "", fmt.Errorf("%w: load anchor %s: %w", models.ErrPersistence, item.AnchorID, err)
	}
	if reason := anchor.ShortCircuitReason(item.TriggerType); reason != "" {
		return d.skip(ctx, item, reason)
	}

	body, err := d.render(item, anchor)
	if err != nil {
		return d.skip(ctx, item, "render failed: "+err.Error())
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("pacing interrupted: %w", err)
	}

	messageID, sendErr := d.send(ctx, item, body)
	at := d.now().UTC()
	if sendErr != nil {
		d.logger.Errorf("Send %s to %s failed: %v", item.Key(), item.Recipient, sendErr)
		if err := d.store.MarkFailed(ctx, item.ID, sendErr.Error(), at); err != nil {
			return d.finalizeErr(item, err)
		}
		metrics.Dispatched.WithLabelValues(d.cfg.Family, string(outcomeFailed)).Inc()
		return outcomeFailed, nil
	}

	if err := d.store.MarkSent(ctx, item.ID, messageID, at); err != nil {
		return d.finalizeErr(item, err)
	}
	metrics.Dispatched.WithLabelValues(d.cfg.Family, string(outcomeSent)).Inc()
	d.logger.Infof("Sent %s to %s (message_id=%s)", item.Key(), item.Recipient, messageID)
	if d.afterSent != nil {
		item.Status = models.StatusSent
		item.MessageID = messageID
		item.SentAt = &at
		d.afterSent(ctx, item)
	}
	return outcomeSent, nil
}

func (d *Dispatcher) skip(ctx context.Context, item models.NotificationItem, reason string) (outcome, error) {
	if err := d.store.MarkSkipped(ctx, item.ID, reason, d.now().UTC()); err != nil {
		return d.finalizeErr(item, err)
	}
	metrics.Dispatched.WithLabelValues(d.cfg.Family, string(outcomeSkipped)).Inc()
	d.logger.Infof("Skipped %s: %s", item.Key(), reason)
	return outcomeSkipped, nil
}

func (d *Dispatcher) finalizeErr(item models.NotificationItem, err error) (outcome, error) {
	if errors.Is(err, models.ErrTerminalState) {
		d.logger.Warnf("Item %s was finalized concurrently", item.Key())
		return outcomeLost, nil
	}
	return "", fmt.Errorf("%w: update %s: %w", models.ErrPersistence, item.Key(), err)
}

func (d *Dispatcher) render(item models.NotificationItem, anchor models.AnchorSubject) (string, error) {
	fields := make(map[string]string, len(anchor.Payload)+len(item.Payload))
	for k, v := range anchor.Payload {
		fields[k] = v
	}
	for k, v := range item.Payload {
		if v != "" {
			fields[k] = v
		}
	}
	return templates.Render(item.TriggerType, templates.Data{Fields: fields, StoreURL: d.cfg.StoreURL})
}

// send calls the collaborator under SendTimeout. The wait also races the
// deadline so a sender that ignores ctx still ends as a failure. Its
// goroutine lives until the sender returns.
func (d *Dispatcher) send(ctx context.Context, item models.NotificationItem, body string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := d.sender.Send(ctx, item.Recipient, body, map[string]string{
			"item_id":   item.ID.String(),
			"anchor_id": item.AnchorID,
			"trigger":   string(item.TriggerType),
		})
		if err == nil && ctx.Err() != nil {
			d.logger.Warnf("Send of %s returned %s after the timeout; item is recorded as failed", item.Key(), id)
		}
		done <- result{id: id, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("%w: %w", models.ErrSendFailure, r.err)
		}
		if r.id == "" {
			return "", fmt.Errorf("%w: gateway returned no message id", models.ErrSendFailure)
		}
		return r.id, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: timed out after %s", models.ErrSendFailure, d.cfg.SendTimeout)
	}
}

// Preview is what a dispatch would do for one item, without side effects.
type Preview struct {
	Item       models.NotificationItem `json:"item"`
	Body       string                  `json:"body,omitempty"`
	SkipReason string                  `json:"skip_reason,omitempty"`
}

func (d *Dispatcher) preview(ctx context.Context, item models.NotificationItem) (Preview, error) {
	p := Preview{Item: item}
	if !models.ValidRecipient(item.Recipient) {
		p.SkipReason = "invalid recipient"
		return p, nil
	}
	anchor, err := d.anchors.Anchor(ctx, item.TriggerType.AnchorKind(), item.AnchorID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		p.SkipReason = "anchor not found"
		return p, nil
	case err != nil:
		return p, fmt.Errorf("%w: load anchor %s: %w", models.ErrPersistence, item.AnchorID, err)
	}
	if reason := anchor.ShortCircuitReason(item.TriggerType); reason != "" {
		p.SkipReason = reason
		return p, nil
	}
	body, err := d.render(item, anchor)
	if err != nil {
		p.SkipReason = "render failed: " + err.Error()
		return p, nil
	}
	p.Body = body
	return p, nil
}

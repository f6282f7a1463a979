package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sms-notification-service/internal/models"
)

const retryMarker = "retry-"

// TriggerOne dispatches the live item of anchorID right away, ignoring its
// EligibleAt. Outside the window nothing is sent and WindowViolation is set.
// Both outcomes are recorded as a run like any tick.
func (d *Driver) TriggerOne(ctx context.Context, anchorID string) (RunSummary, error) {
	release, ok := d.flight.tryAcquire()
	if !ok {
		return RunSummary{}, models.ErrJobBusy
	}
	defer release()

	now := d.now().UTC()
	s := RunSummary{
		Family:          d.cfg.Family,
		Mode:            "trigger_one",
		StartedAt:       now,
		WithinWindow:    d.gate.IsWithinWindow(now),
		NextWindowStart: d.gate.NextWindowStart(now),
	}
	if !s.WithinWindow {
		s.WindowViolation = true
		s.FinishedAt = now
		d.finish(ctx, s)
		return s, nil
	}

	item, err := d.store.ClaimLiveByAnchor(ctx, anchorID, d.dispatcher.Triggers(), now)
	if err != nil {
		return s, fmt.Errorf("claim item for anchor %s: %w", anchorID, err)
	}
	o, err := d.dispatcher.dispatch(ctx, item)
	if err != nil {
		s.Error = err.Error()
	}
	var res BatchResult
	res.add(o)
	s.addBatch(res)
	s.FinishedAt = d.now().UTC()
	d.finish(ctx, s)
	return s, err
}

// TriggerBatch runs at most n due items through the dispatcher without scanning.
func (d *Driver) TriggerBatch(ctx context.Context, n int) (RunSummary, error) {
	release, ok := d.flight.tryAcquire()
	if !ok {
		return RunSummary{}, models.ErrJobBusy
	}
	defer release()
	return d.run(ctx, runOpts{mode: "trigger_batch", limit: n, manual: true}), nil
}

// RecoverMissed is a bounded manual backlog run outside the normal tick:
// scan, then drain at most limit items, including abandoned claims.
func (d *Driver) RecoverMissed(ctx context.Context, limit int) (RunSummary, error) {
	release, ok := d.flight.tryAcquire()
	if !ok {
		return RunSummary{}, models.ErrJobBusy
	}
	defer release()
	return d.run(ctx, runOpts{mode: "recover_missed", limit: limit, scan: true, manual: true}), nil
}

// PreviewResult lists what the next dispatch would do.
type PreviewResult struct {
	Family          string    `json:"family"`
	WithinWindow    bool      `json:"within_window"`
	NextWindowStart time.Time `json:"next_window_start"`
	Items           []Preview `json:"items"`
}

// DryRunPreview renders up to limit due items without claiming or sending them.
func (d *Driver) DryRunPreview(ctx context.Context, limit int) (PreviewResult, error) {
	now := d.now().UTC()
	res := PreviewResult{
		Family:          d.cfg.Family,
		WithinWindow:    d.gate.IsWithinWindow(now),
		NextWindowStart: d.gate.NextWindowStart(now),
		Items:           []Preview{},
	}
	items, err := d.store.ListDue(ctx, d.dispatcher.dueQuery(now, limit))
	if err != nil {
		return res, fmt.Errorf("%w: list due items: %w", models.ErrPersistence, err)
	}
	for _, item := range items {
		p, err := d.dispatcher.preview(ctx, item)
		if err != nil {
			return res, err
		}
		res.Items = append(res.Items, p)
	}
	return res, nil
}

// RetryFailed schedules a fresh pending copy of a failed item. Failed items
// are never retried automatically; this is the manual path. The copy gets
// its own idempotency key so the failed record stays immutable.
func (d *Driver) RetryFailed(ctx context.Context, id uuid.UUID) (models.NotificationItem, error) {
	old, err := d.store.GetItem(ctx, id)
	if err != nil {
		return models.NotificationItem{}, err
	}
	if old.Status != models.StatusFailed {
		return models.NotificationItem{}, fmt.Errorf("%w: item %s is %s, not failed", models.ErrValidation, id, old.Status)
	}

	now := d.now().UTC()
	retry := models.NotificationItem{
		ID:              uuid.New(),
		AnchorID:        old.AnchorID,
		TriggerType:     old.TriggerType,
		SubEventID:      retrySubEvent(old.SubEventID, old.AttemptCount),
		Recipient:       old.Recipient,
		Payload:         old.Payload,
		Status:          models.StatusPending,
		EligibleAt:      now,
		ScheduledSendAt: d.gate.NextWindowStart(now),
		AttemptCount:    old.AttemptCount,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := d.store.CreatePending(ctx, retry); err != nil {
		return models.NotificationItem{}, fmt.Errorf("schedule retry of %s: %w", id, err)
	}
	d.logger.Infof("Scheduled manual retry %s of failed item %s", retry.Key(), id)
	return retry, nil
}

func retrySubEvent(subEvent string, attempt int) string {
	base, _, _ := strings.Cut(subEvent, "#"+retryMarker)
	if strings.HasPrefix(subEvent, retryMarker) {
		base = ""
	}
	if base == "" {
		return fmt.Sprintf("%s%d", retryMarker, attempt)
	}
	return fmt.Sprintf("%s#%s%d", base, retryMarker, attempt)
}

package notification

import (
	"context"
	"time"

	"github.com/google/uuid"

	"sms-notification-service/internal/models"
)

// Store persists NotificationItems. Implementations must enforce the
// idempotency key with a uniqueness constraint and return
// models.ErrDuplicateSchedule on collision; updates of items already in a
// terminal state return models.ErrTerminalState.
type Store interface {
	CreatePending(ctx context.Context, item models.NotificationItem) error
	// ClaimDue moves up to q.Limit due items to queued and returns them
	// ordered by EligibleAt ascending.
	ClaimDue(ctx context.Context, q models.DueQuery) ([]models.NotificationItem, error)
	// ListDue is ClaimDue without the claim.
	ListDue(ctx context.Context, q models.DueQuery) ([]models.NotificationItem, error)
	CountDue(ctx context.Context, q models.DueQuery) (int, error)
	ClaimLiveByAnchor(ctx context.Context, anchorID string, triggers []models.TriggerType, now time.Time) (models.NotificationItem, error)
	GetItem(ctx context.Context, id uuid.UUID) (models.NotificationItem, error)
	MarkSent(ctx context.Context, id uuid.UUID, messageID string, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, at time.Time) error
	MarkSkipped(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

// AnchorLookup re-reads the subject behind an item right before sending.
type AnchorLookup interface {
	Anchor(ctx context.Context, kind models.AnchorKind, id string) (models.AnchorSubject, error)
}

// Sender is the messaging collaborator. Send runs on its own goroutine and
// ctx carries the send timeout. Implementations must return once ctx is done;
// a Send that ignores ctx keeps its goroutine alive after the item has been
// recorded as failed.
type Sender interface {
	Send(ctx context.Context, recipient, body string, metadata map[string]string) (messageID string, err error)
}

// CandidateSource lists subjects whose anchor time is at or before cutoff and
// that have no item for trigger yet.
type CandidateSource interface {
	Candidates(ctx context.Context, trigger models.TriggerType, cutoff time.Time, limit int) ([]models.AnchorSubject, error)
}

// Reporter receives a summary after every run. Optional.
type Reporter interface {
	Report(ctx context.Context, s RunSummary)
}

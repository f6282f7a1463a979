package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ItemStatus is the lifecycle state of a NotificationItem.
type ItemStatus string

const (
	StatusPending ItemStatus = "pending"
	StatusQueued  ItemStatus = "queued"
	StatusSent    ItemStatus = "sent"
	StatusSkipped ItemStatus = "skipped"
	StatusFailed  ItemStatus = "failed"
)

// Terminal reports whether no further transition may happen from s.
func (s ItemStatus) Terminal() bool {
	return s == StatusSent || s == StatusSkipped || s == StatusFailed
}

// DeliveryStatus is the carrier-reported sub-status of a sent item.
type DeliveryStatus string

const (
	DeliveryUnknown   DeliveryStatus = ""
	DeliveryQueued    DeliveryStatus = "queued"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// NotificationItem is one scheduled or sent notification.
type NotificationItem struct {
	ID              uuid.UUID         `json:"id"`
	AnchorID        string            `json:"anchor_id"`
	TriggerType     TriggerType       `json:"trigger_type"`
	SubEventID      string            `json:"sub_event_id,omitempty"`
	Recipient       string            `json:"recipient"`
	Payload         map[string]string `json:"payload,omitempty"`
	Status          ItemStatus        `json:"status"`
	EligibleAt      time.Time         `json:"eligible_at"`
	ScheduledSendAt time.Time         `json:"scheduled_send_at"`
	SentAt          *time.Time        `json:"sent_at,omitempty"`
	MessageID       string            `json:"message_id,omitempty"`
	Error           string            `json:"error,omitempty"`
	SkipReason      string            `json:"skip_reason,omitempty"`
	AttemptCount    int               `json:"attempt_count"`
	DeliveryStatus  DeliveryStatus    `json:"delivery_status,omitempty"`
	DeliveryError   string            `json:"delivery_error,omitempty"`
	DeliveredAt     *time.Time        `json:"delivered_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Key returns the idempotency key of the item.
func (n NotificationItem) Key() string {
	if n.SubEventID == "" {
		return fmt.Sprintf("%s/%s", n.AnchorID, n.TriggerType)
	}
	return fmt.Sprintf("%s/%s/%s", n.AnchorID, n.TriggerType, n.SubEventID)
}

// DueQuery selects items ready for dispatch.
type DueQuery struct {
	Triggers []TriggerType
	Now      time.Time
	// StaleClaimBefore lets queued items whose claim is older than this be picked again.
	StaleClaimBefore time.Time
	Limit            int
}

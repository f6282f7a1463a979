package models

import (
	"regexp"
	"time"
)

// AnchorKind tells which external entity owns an anchor time.
type AnchorKind string

const (
	AnchorSubscriber AnchorKind = "subscriber"
	AnchorOrder      AnchorKind = "order"
)

// AnchorSubject is a subscriber or order as seen by the scheduler.
type AnchorSubject struct {
	ID         string            `json:"id"`
	Kind       AnchorKind        `json:"kind"`
	Recipient  string            `json:"recipient"`
	AnchorTime time.Time         `json:"anchor_time"`
	Converted  bool              `json:"converted"`
	Fulfilled  bool              `json:"fulfilled"`
	Cancelled  bool              `json:"cancelled"`
	OptedIn    bool              `json:"opted_in"`
	SubEventID string            `json:"sub_event_id,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
}

// ShortCircuitReason returns why a notification for this subject must not
// be sent anymore, or "" if it may be sent.
func (a AnchorSubject) ShortCircuitReason(t TriggerType) string {
	switch {
	case !a.OptedIn:
		return "opted out"
	case t.Attributable() && a.Converted:
		return "already converted"
	case t == TriggerDelayedShipment && a.Cancelled:
		return "order cancelled"
	case t == TriggerDelayedShipment && a.Fulfilled:
		return "already fulfilled"
	}
	return ""
}

// Subscriber is an SMS marketing subscriber.
type Subscriber struct {
	ID                 string     `json:"id"`
	Phone              string     `json:"phone"`
	FirstName          string     `json:"first_name"`
	DiscountCode       string     `json:"discount_code"`
	SecondChanceCode   string     `json:"second_chance_code"`
	OptedIn            bool       `json:"opted_in"`
	OptInChangedAt     *time.Time `json:"opt_in_changed_at,omitempty"`
	FirstMessageSentAt *time.Time `json:"first_message_sent_at,omitempty"`
	Converted          bool       `json:"converted"`
	ConvertedAt        *time.Time `json:"converted_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Order is a store order mirrored from the commerce platform.
type Order struct {
	ID             string     `json:"id"`
	OrderNumber    string     `json:"order_number"`
	Phone          string     `json:"phone"`
	FirstName      string     `json:"first_name"`
	TrackingURL    string     `json:"tracking_url"`
	Fulfilled      bool       `json:"fulfilled"`
	Cancelled      bool       `json:"cancelled"`
	OrderCreatedAt time.Time  `json:"order_created_at"`
	FulfilledAt    *time.Time `json:"fulfilled_at,omitempty"`
}

// Anchor converts the order into the scheduler's view.
func (o Order) Anchor() AnchorSubject {
	return AnchorSubject{
		ID:         o.ID,
		Kind:       AnchorOrder,
		Recipient:  o.Phone,
		AnchorTime: o.OrderCreatedAt,
		Fulfilled:  o.Fulfilled,
		Cancelled:  o.Cancelled,
		OptedIn:    true,
		Payload: map[string]string{
			"first_name":   o.FirstName,
			"order_number": o.OrderNumber,
			"tracking_url": o.TrackingURL,
		},
	}
}

// Anchor converts the subscriber into the scheduler's view. The anchor time
// is the first message timestamp; zero when nothing was sent yet.
func (s Subscriber) Anchor() AnchorSubject {
	a := AnchorSubject{
		ID:        s.ID,
		Kind:      AnchorSubscriber,
		Recipient: s.Phone,
		Converted: s.Converted,
		OptedIn:   s.OptedIn,
		Payload: map[string]string{
			"first_name":         s.FirstName,
			"discount_code":      s.DiscountCode,
			"second_chance_code": s.SecondChanceCode,
		},
	}
	if s.FirstMessageSentAt != nil {
		a.AnchorTime = *s.FirstMessageSentAt
	}
	return a
}

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// ValidRecipient reports whether phone is an E.164 number.
func ValidRecipient(phone string) bool {
	return e164.MatchString(phone)
}

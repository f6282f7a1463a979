package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DeliveryEvent is an out-of-band status callback from the SMS gateway.
type DeliveryEvent struct {
	MessageID   string
	Status      string
	ErrorDetail string
	ReceivedAt  time.Time
}

// InboundReply is a text message sent by a customer to our number.
type InboundReply struct {
	From       string
	Body       string
	ReceivedAt time.Time
}

// Purchase is a paid order used for attribution.
type Purchase struct {
	OrderID  string
	Phone    string
	Total    decimal.Decimal
	Currency string
	PaidAt   time.Time
}

// Commerce event types carried on the Kafka topic.
const (
	EventSubscriberCreated = "subscriber.created"
	EventOrderCreated      = "order.created"
	EventOrderFulfilled    = "order.fulfilled"
	EventOrderDelivered    = "order.delivered"
	EventOrderCancelled    = "order.cancelled"
	EventOrderPaid         = "order.paid"
)

// CommerceEvent is the JSON envelope consumed from the commerce topic.
type CommerceEvent struct {
	Type       string      `json:"type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Subscriber *Subscriber `json:"subscriber,omitempty"`
	Order      *Order      `json:"order,omitempty"`
	// FulfillmentID distinguishes repeated shipping events for one order.
	FulfillmentID string          `json:"fulfillment_id,omitempty"`
	Total         decimal.Decimal `json:"total"`
	Currency      string          `json:"currency,omitempty"`
}

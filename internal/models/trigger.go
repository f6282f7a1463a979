package models

import "fmt"

// TriggerType identifies why a notification is sent. The set is closed.
type TriggerType string

const (
	TriggerOrderConfirmation    TriggerType = "order_confirmation"
	TriggerShippingNotification TriggerType = "shipping_notification"
	TriggerDeliveryConfirmation TriggerType = "delivery_confirmation"
	TriggerOrderCancelled       TriggerType = "order_cancelled"
	TriggerDelayedShipment      TriggerType = "delayed_shipment"
	TriggerFirstChanceRecovery  TriggerType = "first_chance_recovery"
	TriggerSecondChanceRecovery TriggerType = "second_chance_recovery"
)

// AllTriggers lists every trigger type in a stable order.
var AllTriggers = []TriggerType{
	TriggerOrderConfirmation,
	TriggerShippingNotification,
	TriggerDeliveryConfirmation,
	TriggerOrderCancelled,
	TriggerDelayedShipment,
	TriggerFirstChanceRecovery,
	TriggerSecondChanceRecovery,
}

// ParseTriggerType validates a stored or user-supplied trigger name.
func ParseTriggerType(s string) (TriggerType, error) {
	for _, t := range AllTriggers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown trigger type %q", ErrValidation, s)
}

// Attributable reports whether purchases may be credited to this trigger.
func (t TriggerType) Attributable() bool {
	return t == TriggerFirstChanceRecovery || t == TriggerSecondChanceRecovery
}

// AnchorKind returns the kind of subject whose time anchors this trigger.
func (t TriggerType) AnchorKind() AnchorKind {
	if t.Attributable() {
		return AnchorSubscriber
	}
	return AnchorOrder
}

// TriggerStrings converts a trigger slice for SQL array parameters.
func TriggerStrings(triggers []TriggerType) []string {
	out := make([]string, len(triggers))
	for i, t := range triggers {
		out[i] = string(t)
	}
	return out
}

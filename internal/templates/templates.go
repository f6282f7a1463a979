// Package templates renders SMS bodies, one pure function per trigger type.
package templates

import (
	"fmt"
	"strings"

	"sms-notification-service/internal/models"
)

// Data is the substitution input for a message.
type Data struct {
	Fields   map[string]string
	StoreURL string
}

func (d Data) get(key, fallback string) string {
	if v := strings.TrimSpace(d.Fields[key]); v != "" {
		return v
	}
	return fallback
}

type renderFunc func(Data) (string, error)

var renderers = map[models.TriggerType]renderFunc{
	models.TriggerOrderConfirmation:    orderConfirmation,
	models.TriggerShippingNotification: shippingNotification,
	models.TriggerDeliveryConfirmation: deliveryConfirmation,
	models.TriggerOrderCancelled:       orderCancelled,
	models.TriggerDelayedShipment:      delayedShipment,
	models.TriggerFirstChanceRecovery:  firstChanceRecovery,
	models.TriggerSecondChanceRecovery: secondChanceRecovery,
}

// Render builds the message body for trigger t.
func Render(t models.TriggerType, d Data) (string, error) {
	fn, ok := renderers[t]
	if !ok {
		return "", fmt.Errorf("%w: no template for trigger %q", models.ErrValidation, t)
	}
	body, err := fn(d)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", t, err)
	}
	return body + optOutFooter(t), nil
}

// optOutFooter is required on marketing messages only.
func optOutFooter(t models.TriggerType) string {
	if t.Attributable() {
		return "\nReply STOP to opt out."
	}
	return ""
}

func orderConfirmation(d Data) (string, error) {
	return fmt.Sprintf("Hi %s, thanks for your order %s! We'll text you when it ships.",
		d.get("first_name", "there"), d.get("order_number", "")), nil
}

func shippingNotification(d Data) (string, error) {
	msg := fmt.Sprintf("Good news %s, order %s has shipped!", d.get("first_name", "there"), d.get("order_number", ""))
	if url := d.get("tracking_url", ""); url != "" {
		msg += " Track it: " + url
	}
	return msg, nil
}

func deliveryConfirmation(d Data) (string, error) {
	return fmt.Sprintf("Order %s was delivered. Enjoy, %s!", d.get("order_number", ""), d.get("first_name", "friend")), nil
}

func orderCancelled(d Data) (string, error) {
	return fmt.Sprintf("Order %s has been cancelled. Questions? Just reply to this message.", d.get("order_number", "")), nil
}

func delayedShipment(d Data) (string, error) {
	return fmt.Sprintf("Hi %s, order %s is taking longer than expected to ship. We're on it and will update you soon.",
		d.get("first_name", "there"), d.get("order_number", "")), nil
}

func firstChanceRecovery(d Data) (string, error) {
	code := d.get("discount_code", "")
	if code == "" {
		return "", fmt.Errorf("%w: discount_code missing", models.ErrValidation)
	}
	return fmt.Sprintf("Hi %s! Here's your welcome code %s. Shop now: %s",
		d.get("first_name", "there"), code, d.StoreURL), nil
}

func secondChanceRecovery(d Data) (string, error) {
	code := d.get("second_chance_code", d.get("discount_code", ""))
	if code == "" {
		return "", fmt.Errorf("%w: discount code missing", models.ErrValidation)
	}
	return fmt.Sprintf("%s, your code %s is still waiting. Use it today: %s",
		d.get("first_name", "Hey"), code, d.StoreURL), nil
}

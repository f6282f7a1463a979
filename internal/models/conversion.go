package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ConversionRecord credits one purchase to the notification that preceded it.
type ConversionRecord struct {
	ID            uuid.UUID       `json:"id"`
	OrderID       string          `json:"order_id"`
	AnchorID      string          `json:"anchor_id"`
	ItemID        uuid.UUID       `json:"item_id"`
	TriggerType   TriggerType     `json:"trigger_type"`
	Revenue       decimal.Decimal `json:"revenue"`
	Currency      string          `json:"currency"`
	TimeToConvert time.Duration   `json:"time_to_convert"`
	ConvertedAt   time.Time       `json:"converted_at"`
}

// TriggerCounts is a per-trigger rollup of item states. Missing states are zero.
type TriggerCounts struct {
	TriggerType TriggerType `json:"trigger_type"`
	Pending     int64       `json:"pending"`
	Sent        int64       `json:"sent"`
	Delivered   int64       `json:"delivered"`
	Failed      int64       `json:"failed"`
	Skipped     int64       `json:"skipped"`
}

// ConversionTotal is a per-trigger rollup of conversions.
type ConversionTotal struct {
	TriggerType TriggerType     `json:"trigger_type"`
	Count       int64           `json:"count"`
	Revenue     decimal.Decimal `json:"revenue"`
}

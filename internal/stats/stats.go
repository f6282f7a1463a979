// Package stats rolls up delivery and conversion numbers per trigger type.
package stats

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"sms-notification-service/internal/models"
)

// Source reads the raw rollups.
type Source interface {
	ItemCounts(ctx context.Context) ([]models.TriggerCounts, error)
	ConversionTotals(ctx context.Context) ([]models.ConversionTotal, error)
}

type TriggerBreakdown struct {
	TriggerType    models.TriggerType `json:"trigger_type"`
	Pending        int64              `json:"pending"`
	Sent           int64              `json:"sent"`
	Delivered      int64              `json:"delivered"`
	Failed         int64              `json:"failed"`
	Skipped        int64              `json:"skipped"`
	Conversions    int64              `json:"conversions"`
	NoConversion   int64              `json:"no_conversion"`
	Revenue        decimal.Decimal    `json:"revenue"`
	ConversionRate float64            `json:"conversion_rate"`
}

// Breakdown is the full report. RecoveryRate is second chance conversions
// over second chance deliveries.
type Breakdown struct {
	GeneratedAt  time.Time          `json:"generated_at"`
	Delivered    int64              `json:"delivered"`
	Conversions  int64              `json:"conversions"`
	NoConversion int64              `json:"no_conversion"`
	Revenue      decimal.Decimal    `json:"revenue"`
	RecoveryRate float64            `json:"recovery_rate"`
	ByTrigger    []TriggerBreakdown `json:"by_trigger"`
}

type Aggregator struct {
	source Source
	now    func() time.Time
}

func NewAggregator(source Source) *Aggregator {
	return &Aggregator{source: source, now: time.Now}
}

// GetBreakdown reads both rollups and combines them.
func (a *Aggregator) GetBreakdown(ctx context.Context) (Breakdown, error) {
	counts, err := a.source.ItemCounts(ctx)
	if err != nil {
		return Breakdown{}, fmt.Errorf("%w: item counts: %w", models.ErrPersistence, err)
	}
	totals, err := a.source.ConversionTotals(ctx)
	if err != nil {
		return Breakdown{}, fmt.Errorf("%w: conversion totals: %w", models.ErrPersistence, err)
	}
	b := Compute(counts, totals)
	b.GeneratedAt = a.now().UTC()
	return b, nil
}

// Compute merges per-trigger counts and conversion totals. Every known
// trigger appears in the result; a trigger missing from either input counts
// as zero there.
func Compute(counts []models.TriggerCounts, totals []models.ConversionTotal) Breakdown {
	rows := make(map[models.TriggerType]*TriggerBreakdown, len(models.AllTriggers))
	order := slices.Clone(models.AllTriggers)
	row := func(t models.TriggerType) *TriggerBreakdown {
		r, ok := rows[t]
		if !ok {
			r = &TriggerBreakdown{TriggerType: t, Revenue: decimal.Zero}
			rows[t] = r
			if !slices.Contains(order, t) {
				order = append(order, t)
			}
		}
		return r
	}
	for _, t := range models.AllTriggers {
		row(t)
	}

	for _, c := range counts {
		r := row(c.TriggerType)
		r.Pending += c.Pending
		r.Sent += c.Sent
		r.Delivered += c.Delivered
		r.Failed += c.Failed
		r.Skipped += c.Skipped
	}
	for _, c := range totals {
		r := row(c.TriggerType)
		r.Conversions += c.Count
		r.Revenue = r.Revenue.Add(c.Revenue)
	}

	b := Breakdown{Revenue: decimal.Zero, ByTrigger: make([]TriggerBreakdown, 0, len(order))}
	for _, t := range order {
		r := rows[t]
		r.NoConversion = max(r.Delivered-r.Conversions, 0)
		r.ConversionRate = rate(r.Conversions, r.Delivered)

		b.Delivered += r.Delivered
		b.Conversions += r.Conversions
		b.NoConversion += r.NoConversion
		b.Revenue = b.Revenue.Add(r.Revenue)
		b.ByTrigger = append(b.ByTrigger, *r)
	}
	recovery := rows[models.TriggerSecondChanceRecovery]
	b.RecoveryRate = rate(recovery.Conversions, recovery.Delivered)
	return b
}

func rate(n, d int64) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / float64(d)
}

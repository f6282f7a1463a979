// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ticks counts driver ticks by outcome: ok, error, overlap, outside_window.
	Ticks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_scheduler_ticks_total",
		Help: "Scheduler ticks by job family and outcome.",
	}, []string{"family", "outcome"})

	// Dispatched counts per-item dispatch results: sent, failed, skipped.
	Dispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_dispatched_items_total",
		Help: "Dispatched notification items by family and result.",
	}, []string{"family", "result"})

	Scheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_scheduled_items_total",
		Help: "Notification items created by the eligibility scanner.",
	}, []string{"trigger"})

	DeliveryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_delivery_events_total",
		Help: "Carrier delivery callbacks by status; unmatched ones use status=unmatched.",
	}, []string{"status"})

	InboundReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_inbound_replies_total",
		Help: "Inbound replies by resulting action.",
	}, []string{"action"})

	Conversions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_conversions_total",
		Help: "Purchases attributed to a notification trigger.",
	}, []string{"trigger"})

	Pending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sms_pending_items",
		Help: "Due items waiting for dispatch at the end of the last tick.",
	}, []string{"family"})
)

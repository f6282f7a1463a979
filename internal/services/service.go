package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sms-notification-service/internal/attribution"
	"sms-notification-service/internal/config"
	"sms-notification-service/internal/logging"
	"sms-notification-service/internal/models"
	"sms-notification-service/internal/notification"
	"sms-notification-service/internal/window"
)

// Job family names.
const (
	FamilyRecovery      = "recovery"
	FamilyShipment      = "shipment"
	FamilyTransactional = "transactional"
)

var familyTriggers = map[string][]models.TriggerType{
	FamilyRecovery: {
		models.TriggerFirstChanceRecovery,
		models.TriggerSecondChanceRecovery,
	},
	FamilyShipment: {
		models.TriggerDelayedShipment,
	},
	FamilyTransactional: {
		models.TriggerOrderConfirmation,
		models.TriggerShippingNotification,
		models.TriggerDeliveryConfirmation,
		models.TriggerOrderCancelled,
	},
}

// FamilyOf returns the job family that owns trigger t.
func FamilyOf(t models.TriggerType) (string, bool) {
	for family, triggers := range familyTriggers {
		for _, ft := range triggers {
			if ft == t {
				return family, true
			}
		}
	}
	return "", false
}

// Store is everything the service needs from persistence.
type Store interface {
	notification.Store
	notification.CandidateSource
	notification.AnchorLookup
	attribution.Store
	UpsertSubscriber(ctx context.Context, s models.Subscriber) error
	UpsertOrder(ctx context.Context, o models.Order) error
	SetFirstMessageSentAt(ctx context.Context, id string, at time.Time) error
}

// Invalidator drops cached remote state for an order.
type Invalidator interface {
	Forget(ctx context.Context, id string)
}

// Deps are the collaborators of a Service. Anchors, Invalidator and
// Reporters are optional.
type Deps struct {
	Store       Store
	Anchors     notification.AnchorLookup
	Invalidator Invalidator
	Sender      notification.Sender
	Recorder    *attribution.Recorder
	Reporters   []notification.Reporter
	Logger      *logging.Logger
}

// Service owns the job families and routes commerce events into them.
type Service struct {
	store       Store
	recorder    *attribution.Recorder
	invalidator Invalidator
	logger      *logging.Logger
	drivers     map[string]*notification.Driver
	wsManager   *WebSocketManager
	now         func() time.Time
}

// New constructs the recovery, shipment and transactional job families.
func New(cfg config.Config, gate window.Gate, deps Deps) *Service {
	anchors := deps.Anchors
	if anchors == nil {
		anchors = deps.Store
	}
	svc := &Service{
		store:       deps.Store,
		recorder:    deps.Recorder,
		invalidator: deps.Invalidator,
		logger:      deps.Logger,
		drivers:     make(map[string]*notification.Driver),
		wsManager:   NewWebSocketManager(deps.Logger),
		now:         time.Now,
	}
	reporter := fanout(append([]notification.Reporter{svc.wsManager}, deps.Reporters...))

	sc := cfg.Scheduler
	families := []struct {
		name  string
		scan  models.TriggerType
		delay time.Duration
	}{
		{FamilyRecovery, models.TriggerSecondChanceRecovery, sc.RecoveryDelay},
		{FamilyShipment, models.TriggerDelayedShipment, sc.ShipmentDelay},
		{FamilyTransactional, "", 0},
	}
	for _, f := range families {
		dispatcher := notification.NewDispatcher(notification.DispatcherConfig{
			Family:          f.name,
			Triggers:        familyTriggers[f.name],
			MinSendInterval: sc.MinSendInterval,
			SendTimeout:     sc.SendTimeout,
			ClaimTTL:        sc.ClaimTTL,
			StoreURL:        cfg.Commerce.StoreURL,
		}, deps.Store, anchors, deps.Sender, deps.Logger)
		if f.name == FamilyRecovery {
			dispatcher.OnSent(svc.stampFirstMessage)
		}
		var source notification.CandidateSource
		if f.scan != "" {
			source = deps.Store
		}
		svc.drivers[f.name] = notification.NewDriver(notification.DriverConfig{
			Family:            f.name,
			ScanTrigger:       f.scan,
			Delay:             f.delay,
			Interval:          sc.Interval,
			BatchSize:         sc.BatchSize,
			RunCap:            sc.RunCap,
			ScanOutsideWindow: sc.ScanOutsideWindow,
			Retention:         time.Duration(sc.RetentionDays) * 24 * time.Hour,
		}, notification.DriverDeps{
			Gate:       gate,
			Store:      deps.Store,
			Source:     source,
			Dispatcher: dispatcher,
			Reporter:   reporter,
			Logger:     deps.Logger,
		})
	}
	return svc
}

// WebSockets exposes the run feed.
func (s *Service) WebSockets() *WebSocketManager {
	return s.wsManager
}

// Start launches every family's ticker.
func (s *Service) Start(wg *sync.WaitGroup) {
	for _, name := range s.Families() {
		s.drivers[name].Start(wg)
	}
}

// Stop halts future ticks of every family.
func (s *Service) Stop() {
	for _, d := range s.drivers {
		d.Stop()
	}
}

// Families returns the family names in stable order.
func (s *Service) Families() []string {
	names := make([]string, 0, len(s.drivers))
	for name := range s.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Driver returns the driver of a family or ErrNotFound.
func (s *Service) Driver(family string) (*notification.Driver, error) {
	d, ok := s.drivers[family]
	if !ok {
		return nil, fmt.Errorf("%w: job family %q", models.ErrNotFound, family)
	}
	return d, nil
}

// Statuses reports every family.
func (s *Service) Statuses(ctx context.Context) ([]notification.Status, error) {
	out := make([]notification.Status, 0, len(s.drivers))
	for _, name := range s.Families() {
		st, err := s.drivers[name].Status(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Status reports one family.
func (s *Service) Status(ctx context.Context, family string) (notification.Status, error) {
	d, err := s.Driver(family)
	if err != nil {
		return notification.Status{}, err
	}
	return d.Status(ctx)
}

// TriggerOne sends the live item of one anchor in a family immediately.
func (s *Service) TriggerOne(ctx context.Context, family, anchorID string) (notification.RunSummary, error) {
	d, err := s.Driver(family)
	if err != nil {
		return notification.RunSummary{}, err
	}
	return d.TriggerOne(ctx, anchorID)
}

// TriggerBatch drains at most n due items of a family.
func (s *Service) TriggerBatch(ctx context.Context, family string, n int) (notification.RunSummary, error) {
	d, err := s.Driver(family)
	if err != nil {
		return notification.RunSummary{}, err
	}
	return d.TriggerBatch(ctx, n)
}

// RecoverMissed runs a bounded backlog pass for a family.
func (s *Service) RecoverMissed(ctx context.Context, family string, limit int) (notification.RunSummary, error) {
	d, err := s.Driver(family)
	if err != nil {
		return notification.RunSummary{}, err
	}
	return d.RecoverMissed(ctx, limit)
}

// Preview renders the next due items of a family without sending.
func (s *Service) Preview(ctx context.Context, family string, limit int) (notification.PreviewResult, error) {
	d, err := s.Driver(family)
	if err != nil {
		return notification.PreviewResult{}, err
	}
	return d.DryRunPreview(ctx, limit)
}

// RetryFailed re-enqueues a failed item through the family owning its trigger.
func (s *Service) RetryFailed(ctx context.Context, id uuid.UUID) (models.NotificationItem, error) {
	item, err := s.store.GetItem(ctx, id)
	if err != nil {
		return models.NotificationItem{}, err
	}
	family, ok := FamilyOf(item.TriggerType)
	if !ok {
		return models.NotificationItem{}, fmt.Errorf("%w: no family for trigger %s", models.ErrValidation, item.TriggerType)
	}
	return s.drivers[family].RetryFailed(ctx, id)
}

// stampFirstMessage anchors second-chance recovery on the first message.
func (s *Service) stampFirstMessage(ctx context.Context, item models.NotificationItem) {
	if item.TriggerType != models.TriggerFirstChanceRecovery || item.SentAt == nil {
		return
	}
	if err := s.store.SetFirstMessageSentAt(ctx, item.AnchorID, *item.SentAt); err != nil {
		s.logger.Errorf("Failed to stamp first message for subscriber %s: %v", item.AnchorID, err)
	}
}

// HandleCommerceEvent mirrors the event's entity and enqueues the
// notification it implies. Replayed events are absorbed by the
// idempotency key.
func (s *Service) HandleCommerceEvent(ctx context.Context, evt models.CommerceEvent) error {
	at := evt.OccurredAt
	if at.IsZero() {
		at = s.now().UTC()
	}
	at = at.UTC()

	switch evt.Type {
	case models.EventSubscriberCreated:
		if evt.Subscriber == nil || evt.Subscriber.ID == "" {
			return fmt.Errorf("%w: %s without subscriber", models.ErrValidation, evt.Type)
		}
		sub := *evt.Subscriber
		if sub.CreatedAt.IsZero() {
			sub.CreatedAt = at
		}
		if err := s.store.UpsertSubscriber(ctx, sub); err != nil {
			return fmt.Errorf("%w: upsert subscriber %s: %w", models.ErrPersistence, sub.ID, err)
		}
		if !sub.OptedIn || sub.DiscountCode == "" {
			s.logger.Debugf("Subscriber %s not eligible for first-chance recovery", sub.ID)
			return nil
		}
		a := sub.Anchor()
		a.AnchorTime = at
		return s.enqueue(ctx, FamilyRecovery, a, models.TriggerFirstChanceRecovery)

	case models.EventOrderCreated, models.EventOrderFulfilled, models.EventOrderDelivered, models.EventOrderCancelled:
		if evt.Order == nil || evt.Order.ID == "" {
			return fmt.Errorf("%w: %s without order", models.ErrValidation, evt.Type)
		}
		return s.handleOrderEvent(ctx, evt, at)

	case models.EventOrderPaid:
		if evt.Order == nil || evt.Order.ID == "" {
			return fmt.Errorf("%w: %s without order", models.ErrValidation, evt.Type)
		}
		if s.recorder == nil {
			return nil
		}
		_, _, err := s.recorder.RecordPurchase(ctx, models.Purchase{
			OrderID:  evt.Order.ID,
			Phone:    evt.Order.Phone,
			Total:    evt.Total,
			Currency: evt.Currency,
			PaidAt:   at,
		})
		return err
	}
	return fmt.Errorf("%w: unknown event type %q", models.ErrValidation, evt.Type)
}

func (s *Service) handleOrderEvent(ctx context.Context, evt models.CommerceEvent, at time.Time) error {
	order := *evt.Order
	if order.OrderCreatedAt.IsZero() {
		order.OrderCreatedAt = at
	}

	var trigger models.TriggerType
	switch evt.Type {
	case models.EventOrderCreated:
		trigger = models.TriggerOrderConfirmation
	case models.EventOrderFulfilled:
		trigger = models.TriggerShippingNotification
		order.Fulfilled = true
		if order.FulfilledAt == nil {
			order.FulfilledAt = &at
		}
	case models.EventOrderDelivered:
		trigger = models.TriggerDeliveryConfirmation
		order.Fulfilled = true
	case models.EventOrderCancelled:
		trigger = models.TriggerOrderCancelled
		order.Cancelled = true
	}

	if err := s.store.UpsertOrder(ctx, order); err != nil {
		return fmt.Errorf("%w: upsert order %s: %w", models.ErrPersistence, order.ID, err)
	}
	if s.invalidator != nil {
		s.invalidator.Forget(ctx, order.ID)
	}

	a := order.Anchor()
	a.AnchorTime = at
	a.SubEventID = evt.FulfillmentID
	return s.enqueue(ctx, FamilyTransactional, a, trigger)
}

func (s *Service) enqueue(ctx context.Context, family string, a models.AnchorSubject, trigger models.TriggerType) error {
	n, err := s.drivers[family].Scanner().Scan(ctx, []models.AnchorSubject{a}, trigger, 0, nil)
	if err != nil {
		return err
	}
	if n == 0 {
		s.logger.Debugf("No %s enqueued for %s %s", trigger, a.Kind, a.ID)
		return nil
	}
	s.logger.Infof("Enqueued %s for %s %s", trigger, a.Kind, a.ID)
	return nil
}

type fanout []notification.Reporter

func (f fanout) Report(ctx context.Context, s notification.RunSummary) {
	for _, r := range f {
		if r != nil {
			r.Report(ctx, s)
		}
	}
}

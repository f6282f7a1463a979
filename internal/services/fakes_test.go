package services

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"sms-notification-service/internal/models"
)

// memStore keeps items, subscribers, orders and conversions in maps.
type memStore struct {
	mu          sync.Mutex
	items       map[uuid.UUID]*models.NotificationItem
	keys        map[string]uuid.UUID
	subscribers map[string]models.Subscriber
	orders      map[string]models.Order
	conversions map[string]models.ConversionRecord
}

func newMemStore() *memStore {
	return &memStore{
		items:       map[uuid.UUID]*models.NotificationItem{},
		keys:        map[string]uuid.UUID{},
		subscribers: map[string]models.Subscriber{},
		orders:      map[string]models.Order{},
		conversions: map[string]models.ConversionRecord{},
	}
}

func (m *memStore) CreatePending(_ context.Context, item models.NotificationItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[item.Key()]; ok {
		return models.ErrDuplicateSchedule
	}
	cp := item
	m.items[item.ID] = &cp
	m.keys[item.Key()] = item.ID
	return nil
}

func (m *memStore) due(q models.DueQuery) []*models.NotificationItem {
	var out []*models.NotificationItem
	for _, it := range m.items {
		if !slices.Contains(q.Triggers, it.TriggerType) || it.EligibleAt.After(q.Now) {
			continue
		}
		if it.Status == models.StatusPending ||
			(it.Status == models.StatusQueued && it.UpdatedAt.Before(q.StaleClaimBefore)) {
			out = append(out, it)
		}
	}
	slices.SortFunc(out, func(a, b *models.NotificationItem) int { return a.EligibleAt.Compare(b.EligibleAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (m *memStore) ClaimDue(_ context.Context, q models.DueQuery) ([]models.NotificationItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.NotificationItem
	for _, it := range m.due(q) {
		it.Status = models.StatusQueued
		it.UpdatedAt = q.Now
		out = append(out, *it)
	}
	return out, nil
}

func (m *memStore) ListDue(_ context.Context, q models.DueQuery) ([]models.NotificationItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.NotificationItem
	for _, it := range m.due(q) {
		out = append(out, *it)
	}
	return out, nil
}

func (m *memStore) CountDue(_ context.Context, q models.DueQuery) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.Limit = 0
	return len(m.due(q)), nil
}

func (m *memStore) ClaimLiveByAnchor(_ context.Context, anchorID string, triggers []models.TriggerType, now time.Time) (models.NotificationItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.AnchorID == anchorID && slices.Contains(triggers, it.TriggerType) && !it.Status.Terminal() {
			it.Status = models.StatusQueued
			it.UpdatedAt = now
			return *it, nil
		}
	}
	return models.NotificationItem{}, models.ErrNotFound
}

func (m *memStore) GetItem(_ context.Context, id uuid.UUID) (models.NotificationItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return models.NotificationItem{}, models.ErrNotFound
	}
	return *it, nil
}

func (m *memStore) finalize(id uuid.UUID, fn func(it *models.NotificationItem)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return models.ErrNotFound
	}
	if it.Status.Terminal() {
		return models.ErrTerminalState
	}
	fn(it)
	return nil
}

func (m *memStore) MarkSent(_ context.Context, id uuid.UUID, messageID string, at time.Time) error {
	return m.finalize(id, func(it *models.NotificationItem) {
		it.Status = models.StatusSent
		it.MessageID = messageID
		it.SentAt = &at
		it.UpdatedAt = at
	})
}

func (m *memStore) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, at time.Time) error {
	return m.finalize(id, func(it *models.NotificationItem) {
		it.Status = models.StatusFailed
		it.Error = errMsg
		it.AttemptCount++
		it.UpdatedAt = at
	})
}

func (m *memStore) MarkSkipped(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	return m.finalize(id, func(it *models.NotificationItem) {
		it.Status = models.StatusSkipped
		it.SkipReason = reason
		it.UpdatedAt = at
	})
}

func (m *memStore) PurgeTerminal(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (m *memStore) Candidates(_ context.Context, trigger models.TriggerType, cutoff time.Time, limit int) ([]models.AnchorSubject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AnchorSubject
	switch trigger.AnchorKind() {
	case models.AnchorSubscriber:
		for _, s := range m.subscribers {
			if s.FirstMessageSentAt != nil && !s.FirstMessageSentAt.After(cutoff) {
				out = append(out, s.Anchor())
			}
		}
	case models.AnchorOrder:
		for _, o := range m.orders {
			if !o.OrderCreatedAt.After(cutoff) {
				out = append(out, o.Anchor())
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Anchor(_ context.Context, kind models.AnchorKind, id string) (models.AnchorSubject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case models.AnchorSubscriber:
		if s, ok := m.subscribers[id]; ok {
			return s.Anchor(), nil
		}
	case models.AnchorOrder:
		if o, ok := m.orders[id]; ok {
			return o.Anchor(), nil
		}
	}
	return models.AnchorSubject{}, models.ErrNotFound
}

func (m *memStore) LatestSentForRecipient(_ context.Context, phone string, triggers []models.TriggerType, since, until time.Time) (models.NotificationItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.NotificationItem
	for _, it := range m.items {
		if it.Recipient != phone || it.Status != models.StatusSent || !slices.Contains(triggers, it.TriggerType) {
			continue
		}
		if it.SentAt.Before(since) || it.SentAt.After(until) {
			continue
		}
		if best == nil || it.SentAt.After(*best.SentAt) {
			best = it
		}
	}
	if best == nil {
		return models.NotificationItem{}, models.ErrNotFound
	}
	return *best, nil
}

func (m *memStore) InsertConversion(_ context.Context, c models.ConversionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversions[c.OrderID]; ok {
		return models.ErrAlreadyAttributed
	}
	m.conversions[c.OrderID] = c
	return nil
}

func (m *memStore) MarkSubscriberConverted(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[id]
	if !ok {
		return models.ErrNotFound
	}
	s.Converted = true
	s.ConvertedAt = &at
	m.subscribers[id] = s
	return nil
}

func (m *memStore) UpsertSubscriber(_ context.Context, s models.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.subscribers[s.ID]; ok {
		s.FirstMessageSentAt = old.FirstMessageSentAt
		s.Converted = old.Converted
	}
	m.subscribers[s.ID] = s
	return nil
}

func (m *memStore) UpsertOrder(_ context.Context, o models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.orders[o.ID]; ok {
		o.Fulfilled = o.Fulfilled || old.Fulfilled
		o.Cancelled = o.Cancelled || old.Cancelled
	}
	m.orders[o.ID] = o
	return nil
}

func (m *memStore) SetFirstMessageSentAt(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[id]
	if !ok {
		return models.ErrNotFound
	}
	if s.FirstMessageSentAt == nil {
		s.FirstMessageSentAt = &at
		m.subscribers[id] = s
	}
	return nil
}

func (m *memStore) byTrigger(t models.TriggerType) []models.NotificationItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.NotificationItem
	for _, it := range m.items {
		if it.TriggerType == t {
			out = append(out, *it)
		}
	}
	slices.SortFunc(out, func(a, b models.NotificationItem) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (f *fakeSender) Send(_ context.Context, recipient, _ string, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", fmt.Errorf("gateway rejected %s", recipient)
	}
	f.sent = append(f.sent, recipient)
	return fmt.Sprintf("SM%04d", len(f.sent)), nil
}

type forgetful struct {
	mu  sync.Mutex
	ids []string
}

func (f *forgetful) Forget(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

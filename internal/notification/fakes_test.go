package notification

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"sms-notification-service/internal/logging"
	"sms-notification-service/internal/models"
	"sms-notification-service/internal/window"
)

// memStore is an in-memory Store with the same key and claim rules as the
// Postgres implementation. Purged items keep their key.
type memStore struct {
	mu        sync.Mutex
	items     map[uuid.UUID]*models.NotificationItem
	keys      map[string]uuid.UUID
	createErr func(n int) error
	creates   int
}

func newMemStore() *memStore {
	return &memStore{items: map[uuid.UUID]*models.NotificationItem{}, keys: map[string]uuid.UUID{}}
}

func (m *memStore) CreatePending(_ context.Context, item models.NotificationItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.createErr != nil {
		if err := m.createErr(m.creates); err != nil {
			return err
		}
	}
	if _, ok := m.keys[item.Key()]; ok {
		return models.ErrDuplicateSchedule
	}
	cp := item
	m.items[item.ID] = &cp
	m.keys[item.Key()] = item.ID
	return nil
}

func isDue(it *models.NotificationItem, q models.DueQuery) bool {
	if !slices.Contains(q.Triggers, it.TriggerType) || it.EligibleAt.After(q.Now) {
		return false
	}
	return it.Status == models.StatusPending ||
		(it.Status == models.StatusQueued && it.UpdatedAt.Before(q.StaleClaimBefore))
}

func (m *memStore) due(q models.DueQuery) []*models.NotificationItem {
	var out []*models.NotificationItem
	for _, it := range m.items {
		if isDue(it, q) {
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

func (m *memStore) finalize(id uuid.UUID, at time.Time, fn func(*models.NotificationItem)) error {
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
	it.UpdatedAt = at
	return nil
}

func (m *memStore) MarkSent(_ context.Context, id uuid.UUID, messageID string, at time.Time) error {
	return m.finalize(id, at, func(it *models.NotificationItem) {
		it.Status = models.StatusSent
		it.MessageID = messageID
		it.SentAt = &at
	})
}

func (m *memStore) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, at time.Time) error {
	return m.finalize(id, at, func(it *models.NotificationItem) {
		it.Status = models.StatusFailed
		it.Error = errMsg
		it.AttemptCount++
	})
}

func (m *memStore) MarkSkipped(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	return m.finalize(id, at, func(it *models.NotificationItem) {
		it.Status = models.StatusSkipped
		it.SkipReason = reason
	})
}

func (m *memStore) PurgeTerminal(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, it := range m.items {
		if it.Status.Terminal() && it.UpdatedAt.Before(before) {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) all() []models.NotificationItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.NotificationItem
	for _, it := range m.items {
		out = append(out, *it)
	}
	slices.SortFunc(out, func(a, b models.NotificationItem) int { return a.EligibleAt.Compare(b.EligibleAt) })
	return out
}

func (m *memStore) byStatus(s models.ItemStatus) []models.NotificationItem {
	var out []models.NotificationItem
	for _, it := range m.all() {
		if it.Status == s {
			out = append(out, it)
		}
	}
	return out
}

type sendCall struct {
	Recipient string
	Body      string
	Metadata  map[string]string
}

// fakeSender records calls. SendFunc overrides the default success.
type fakeSender struct {
	mu       sync.Mutex
	calls    []sendCall
	SendFunc func(ctx context.Context, recipient string) (string, error)
}

func (f *fakeSender) Send(ctx context.Context, recipient, body string, metadata map[string]string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sendCall{Recipient: recipient, Body: body, Metadata: metadata})
	n := len(f.calls)
	f.mu.Unlock()
	if f.SendFunc != nil {
		return f.SendFunc(ctx, recipient)
	}
	return fmt.Sprintf("SM%04d", n), nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeAnchors serves anchor subjects from a map. AnchorFunc overrides it.
type fakeAnchors struct {
	mu         sync.Mutex
	subjects   map[string]models.AnchorSubject
	AnchorFunc func(id string) (models.AnchorSubject, error)
}

func newFakeAnchors() *fakeAnchors {
	return &fakeAnchors{subjects: map[string]models.AnchorSubject{}}
}

func (f *fakeAnchors) put(a models.AnchorSubject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects[a.ID] = a
}

func (f *fakeAnchors) Anchor(_ context.Context, _ models.AnchorKind, id string) (models.AnchorSubject, error) {
	if f.AnchorFunc != nil {
		return f.AnchorFunc(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.subjects[id]
	if !ok {
		return models.AnchorSubject{}, models.ErrNotFound
	}
	return a, nil
}

// fakeSource returns every subject from the anchors fake.
type fakeSource struct {
	anchors *fakeAnchors
}

func (f fakeSource) Candidates(_ context.Context, _ models.TriggerType, cutoff time.Time, limit int) ([]models.AnchorSubject, error) {
	f.anchors.mu.Lock()
	defer f.anchors.mu.Unlock()
	var out []models.AnchorSubject
	for _, a := range f.anchors.subjects {
		if !a.AnchorTime.After(cutoff) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b models.AnchorSubject) int { return a.AnchorTime.Compare(b.AnchorTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// noon is inside the 09-21 UTC test window.
var noon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func testGate() window.Gate {
	return window.Gate{StartHour: 9, EndHour: 21, Location: time.UTC}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func subscriber(id string, anchor time.Time) models.AnchorSubject {
	return models.AnchorSubject{
		ID:         id,
		Kind:       models.AnchorSubscriber,
		Recipient:  "+15551230000",
		AnchorTime: anchor,
		OptedIn:    true,
		Payload:    map[string]string{"first_name": "Sam", "discount_code": "WELCOME10", "second_chance_code": "BACK15"},
	}
}

type harness struct {
	store   *memStore
	anchors *fakeAnchors
	sender  *fakeSender
	driver  *Driver
}

func newHarness(cfg DriverConfig, dcfg DispatcherConfig, now time.Time) *harness {
	h := &harness{store: newMemStore(), anchors: newFakeAnchors(), sender: &fakeSender{}}
	logger := logging.Discard()
	if dcfg.Family == "" {
		dcfg.Family = cfg.Family
	}
	if len(dcfg.Triggers) == 0 {
		dcfg.Triggers = []models.TriggerType{models.TriggerSecondChanceRecovery}
	}
	disp := NewDispatcher(dcfg, h.store, h.anchors, h.sender, logger)
	h.driver = NewDriver(cfg, DriverDeps{
		Gate:       testGate(),
		Store:      h.store,
		Source:     fakeSource{anchors: h.anchors},
		Dispatcher: disp,
		Logger:     logger,
	})
	h.setNow(now)
	return h
}

func (h *harness) setNow(t time.Time) {
	clk := fixedClock(t)
	h.driver.now = clk
	h.driver.scanner.now = clk
	h.driver.dispatcher.now = clk
}

// seed inserts a pending item directly.
func (h *harness) seed(anchorID string, eligible time.Time) models.NotificationItem {
	h.anchors.put(subscriber(anchorID, eligible.Add(-6*time.Hour)))
	item := models.NotificationItem{
		ID:          uuid.New(),
		AnchorID:    anchorID,
		TriggerType: models.TriggerSecondChanceRecovery,
		Recipient:   "+15551230000",
		Status:      models.StatusPending,
		EligibleAt:  eligible,
		CreatedAt:   eligible,
		UpdatedAt:   eligible,
	}
	if err := h.store.CreatePending(context.Background(), item); err != nil {
		panic(err)
	}
	return item
}

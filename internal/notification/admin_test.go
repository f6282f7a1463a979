package notification

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"sms-notification-service/internal/models"
)

func TestTriggerOneIgnoresEligibleAt(t *testing.T) {
	h := newHarness(DriverConfig{Family: "recovery"}, DispatcherConfig{}, noon)
	item := h.seed("sub-1", noon.Add(3*time.Hour))

	s, err := h.driver.TriggerOne(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("trigger one: %v", err)
	}
	if s.Sent != 1 {
		t.Fatalf("summary = %+v, want 1 sent", s)
	}
	got, _ := h.store.GetItem(context.Background(), item.ID)
	if got.Status != models.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
}

func TestTriggerOneOutsideWindow(t *testing.T) {
	late := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)
	h := newHarness(DriverConfig{Family: "recovery"}, DispatcherConfig{}, late)
	item := h.seed("sub-1", late.Add(-time.Hour))

	s, err := h.driver.TriggerOne(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("trigger one: %v", err)
	}
	if !s.WindowViolation || h.sender.count() != 0 {
		t.Fatalf("summary = %+v, want window violation and no send", s)
	}
	got, _ := h.store.GetItem(context.Background(), item.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("status = %s, want untouched pending item", got.Status)
	}
}

func TestTriggerOneIsRecordedAsRun(t *testing.T) {
	late := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)
	h := newHarness(DriverConfig{Family: "recovery"}, DispatcherConfig{}, late)
	rep := &recordingReporter{}
	h.driver.reporter = rep
	h.seed("sub-1", late.Add(-time.Hour))

	if _, err := h.driver.TriggerOne(context.Background(), "sub-1"); err != nil {
		t.Fatalf("trigger one: %v", err)
	}
	st, _ := h.driver.Status(context.Background())
	if st.LastRun == nil || !st.LastRun.WindowViolation || st.LastRun.Mode != "trigger_one" {
		t.Fatalf("last run = %+v, want the refused trigger", st.LastRun)
	}

	h.setNow(noon)
	if _, err := h.driver.TriggerOne(context.Background(), "sub-1"); err != nil {
		t.Fatalf("trigger one: %v", err)
	}
	if len(rep.runs) != 2 || rep.runs[1].Sent != 1 || rep.runs[1].Mode != "trigger_one" {
		t.Fatalf("reported runs = %+v, want both triggers", rep.runs)
	}
	st, _ = h.driver.Status(context.Background())
	if st.LastRun == nil || st.LastRun.Sent != 1 {
		t.Fatalf("last run = %+v, want the send", st.LastRun)
	}
}

func TestTriggerOneUnknownAnchor(t *testing.T) {
	h := newHarness(DriverConfig{Family: "recovery"}, DispatcherConfig{}, noon)
	if _, err := h.driver.TriggerOne(context.Background(), "nobody"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAdminOperationsRefuseWhileRunning(t *testing.T) {
	h := newHarness(DriverConfig{Family: "recovery"}, DispatcherConfig{}, noon)
	release, ok := h.driver.flight.tryAcquire()
	if !ok {
		t.Fatal("could not take lock")
	}
	defer release()

	if _, err := h.driver.TriggerOne(context.Background(), "sub-1"); !errors.Is(err, models.ErrJobBusy) {
		t.Errorf("trigger one err = %v, want ErrJobBusy", err)
	}
	if _, err := h.driver.TriggerBatch(context.Background(), 5); !errors.Is(err, models.ErrJobBusy) {
		t.Errorf("trigger batch err = %v, want ErrJobBusy", err)
	}
	if _, err := h.driver.RecoverMissed(context.Background(), 5); !errors.Is(err, models.ErrJobBusy) {
		t.Errorf("recover missed err = %v, want ErrJobBusy", err)
	}
}

func TestTriggerBatch(t *testing.T) {
	cfg := DriverConfig{Family: "recovery", ScanTrigger: models.TriggerSecondChanceRecovery, Delay: 6 * time.Hour}
	h := newHarness(cfg, DispatcherConfig{}, noon)
	h.seed("sub-1", noon.Add(-3*time.Hour))
	h.seed("sub-2", noon.Add(-2*time.Hour))
	h.seed("sub-3", noon.Add(-1*time.Hour))
	h.anchors.put(subscriber("sub-new", noon.Add(-8*time.Hour)))

	s, err := h.driver.TriggerBatch(context.Background(), 2)
	if err != nil {
		t.Fatalf("trigger batch: %v", err)
	}
	if s.Sent != 2 || s.Scheduled != 0 || !s.CapReached {
		t.Fatalf("summary = %+v, want 2 sent without scanning", s)
	}
}

func TestTriggerBatchOutsideWindow(t *testing.T) {
	late := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	h := newHarness(DriverConfig{Family: "recovery"}, DispatcherConfig{}, late)
	h.seed("sub-1", late.Add(-time.Hour))

	s, err := h.driver.TriggerBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("trigger batch: %v", err)
	}
	if !s.WindowViolation || s.Processed != 0 {
		t.Fatalf("summary = %+v, want window violation", s)
	}
	if want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC); !s.NextWindowStart.Equal(want) {
		t.Errorf("next window = %s, want %s", s.NextWindowStart, want)
	}
}

func TestRecoverMissedScansAndDrains(t *testing.T) {
	cfg := DriverConfig{Family: "recovery", ScanTrigger: models.TriggerSecondChanceRecovery, Delay: 6 * time.Hour}
	h := newHarness(cfg, DispatcherConfig{ClaimTTL: 10 * time.Minute}, noon)
	h.anchors.put(subscriber("sub-1", noon.Add(-30*time.Hour)))
	h.anchors.put(subscriber("sub-2", noon.Add(-20*time.Hour)))
	abandoned := h.seed("sub-3", noon.Add(-10*time.Hour))
	h.store.mu.Lock()
	h.store.items[abandoned.ID].Status = models.StatusQueued
	h.store.items[abandoned.ID].UpdatedAt = noon.Add(-9 * time.Hour)
	h.store.mu.Unlock()

	s, err := h.driver.RecoverMissed(context.Background(), 2)
	if err != nil {
		t.Fatalf("recover missed: %v", err)
	}
	if s.Scheduled != 2 || s.Sent != 2 {
		t.Fatalf("summary = %+v, want 2 scheduled and 2 sent", s)
	}
	// sub-1 (eligible -24h) and sub-2 (-14h) are older than the abandoned claim.
	got, _ := h.store.GetItem(context.Background(), abandoned.ID)
	if got.Status != models.StatusQueued {
		t.Fatalf("abandoned claim = %s, want still queued after limit", got.Status)
	}

	if s, _ := h.driver.RecoverMissed(context.Background(), 10); s.Sent != 1 {
		t.Fatalf("second recovery = %+v, want abandoned claim sent", s)
	}
}

func TestDryRunPreviewHasNoSideEffects(t *testing.T) {
	h := newHarness(DriverConfig{Family: "recovery"}, DispatcherConfig{}, noon)
	h.seed("sub-1", noon.Add(-2*time.Hour))
	h.seed("sub-2", noon.Add(-time.Hour))
	converted := subscriber("sub-2", noon.Add(-7*time.Hour))
	converted.Converted = true
	h.anchors.put(converted)

	res, err := h.driver.DryRunPreview(context.Background(), 10)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(res.Items) != 2 || !res.WithinWindow {
		t.Fatalf("preview = %+v, want 2 items inside window", res)
	}
	if !strings.Contains(res.Items[0].Body, "BACK15") || res.Items[0].SkipReason != "" {
		t.Errorf("first preview = %+v, want rendered body", res.Items[0])
	}
	if res.Items[1].SkipReason != "already converted" || res.Items[1].Body != "" {
		t.Errorf("second preview = %+v, want skip reason", res.Items[1])
	}
	if h.sender.count() != 0 || len(h.store.byStatus(models.StatusPending)) != 2 {
		t.Fatal("preview changed state")
	}
}

func TestRetryFailed(t *testing.T) {
	h := newHarness(DriverConfig{Family: "recovery"}, DispatcherConfig{}, noon)
	h.sender.SendFunc = func(context.Context, string) (string, error) {
		return "", errors.New("carrier unavailable")
	}
	item := h.seed("sub-1", noon.Add(-time.Hour))
	h.driver.Tick(context.Background())

	h.sender.SendFunc = nil
	retry, err := h.driver.RetryFailed(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.SubEventID != "retry-1" || retry.Status != models.StatusPending || retry.AttemptCount != 1 {
		t.Fatalf("retry item = %+v", retry)
	}

	if _, err := h.driver.RetryFailed(context.Background(), item.ID); !errors.Is(err, models.ErrDuplicateSchedule) {
		t.Errorf("second retry err = %v, want ErrDuplicateSchedule", err)
	}

	if s := h.driver.Tick(context.Background()); s.Sent != 1 {
		t.Fatalf("tick = %+v, want retry sent", s)
	}
	old, _ := h.store.GetItem(context.Background(), item.ID)
	if old.Status != models.StatusFailed {
		t.Errorf("original item = %s, want failed record kept", old.Status)
	}

	if _, err := h.driver.RetryFailed(context.Background(), retry.ID); !errors.Is(err, models.ErrValidation) {
		t.Errorf("retry of sent item err = %v, want ErrValidation", err)
	}
	if _, err := h.driver.RetryFailed(context.Background(), uuid.New()); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("retry of unknown item err = %v, want ErrNotFound", err)
	}
}

func TestRetrySubEvent(t *testing.T) {
	tests := []struct {
		sub     string
		attempt int
		want    string
	}{
		{"", 1, "retry-1"},
		{"retry-1", 2, "retry-2"},
		{"f1", 1, "f1#retry-1"},
		{"f1#retry-1", 2, "f1#retry-2"},
	}
	for _, tt := range tests {
		if got := retrySubEvent(tt.sub, tt.attempt); got != tt.want {
			t.Errorf("retrySubEvent(%q, %d) = %q, want %q", tt.sub, tt.attempt, got, tt.want)
		}
	}
}

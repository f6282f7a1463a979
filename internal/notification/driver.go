package notification

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sms-notification-service/internal/logging"
	"sms-notification-service/internal/metrics"
	"sms-notification-service/internal/models"
	"sms-notification-service/internal/window"
)

// DriverConfig tunes one job family.
type DriverConfig struct {
	Family string
	// ScanTrigger is the trigger the scanner schedules. Empty disables the
	// scan step; items are then enqueued by event ingest only.
	ScanTrigger       models.TriggerType
	Delay             time.Duration
	Interval          time.Duration
	BatchSize         int
	RunCap            int
	ScanLimit         int
	ScanOutsideWindow bool
	Retention         time.Duration
}

// RunSummary describes one tick or manual run.
type RunSummary struct {
	Family          string    `json:"family"`
	Mode            string    `json:"mode"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Overlapped      bool      `json:"overlapped,omitempty"`
	WithinWindow    bool      `json:"within_window"`
	WindowViolation bool      `json:"window_violation,omitempty"`
	NextWindowStart time.Time `json:"next_window_start"`
	Scheduled       int       `json:"scheduled"`
	Batches         int       `json:"batches"`
	Processed       int       `json:"processed"`
	Sent            int       `json:"sent"`
	Failed          int       `json:"failed"`
	Skipped         int       `json:"skipped"`
	Purged          int64     `json:"purged"`
	CapReached      bool      `json:"cap_reached,omitempty"`
	Error           string    `json:"error,omitempty"`
}

func (s *RunSummary) addBatch(r BatchResult) {
	s.Batches++
	s.Processed += r.Processed
	s.Sent += r.Success
	s.Failed += r.Failed
	s.Skipped += r.Skipped
}

// Status is the externally visible state of a driver.
type Status struct {
	Family          string      `json:"family"`
	Initialized     bool        `json:"initialized"`
	Running         bool        `json:"running"`
	WithinWindow    bool        `json:"within_window"`
	NextWindowStart time.Time   `json:"next_window_start"`
	PendingCount    int         `json:"pending_count"`
	LastRun         *RunSummary `json:"last_run,omitempty"`
}

// Driver is the periodic single-flight orchestrator of one job family:
// gate, then scanner, then dispatcher batches up to the run cap.
type Driver struct {
	cfg        DriverConfig
	gate       window.Gate
	store      Store
	source     CandidateSource
	scanner    *Scanner
	exclude    func(models.AnchorSubject) bool
	dispatcher *Dispatcher
	reporter   Reporter
	logger     *logging.Logger
	now        func() time.Time

	flight      flight
	initialized atomic.Bool
	lastRun     atomic.Pointer[RunSummary]

	ctx    context.Context
	cancel context.CancelFunc
}

// DriverDeps are the collaborators of a Driver. Source and Reporter may be nil.
type DriverDeps struct {
	Gate       window.Gate
	Store      Store
	Source     CandidateSource
	Dispatcher *Dispatcher
	Reporter   Reporter
	Logger     *logging.Logger
}

// NewDriver builds a Driver. Candidates are excluded when their anchor
// already short-circuits the scan trigger.
func NewDriver(cfg DriverConfig, deps DriverDeps) *Driver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.RunCap <= 0 {
		cfg.RunCap = 500
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 1000
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	trigger := cfg.ScanTrigger
	return &Driver{
		cfg:        cfg,
		gate:       deps.Gate,
		store:      deps.Store,
		source:     deps.Source,
		scanner:    NewScanner(deps.Store, &deps.Gate, deps.Logger),
		exclude:    func(a models.AnchorSubject) bool { return a.ShortCircuitReason(trigger) != "" },
		dispatcher: deps.Dispatcher,
		reporter:   deps.Reporter,
		logger:     deps.Logger,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Family returns the job family name.
func (d *Driver) Family() string {
	return d.cfg.Family
}

// Scanner exposes the scanner so event ingest can enqueue items directly.
func (d *Driver) Scanner() *Scanner {
	return d.scanner
}

// Start launches the ticker goroutine. The first tick runs immediately.
func (d *Driver) Start(wg *sync.WaitGroup) {
	d.initialized.Store(true)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()
		d.logger.Infof("Job %s started (interval %s)", d.cfg.Family, d.cfg.Interval)
		for {
			// An in-flight tick is not cancelled by Stop.
			d.Tick(context.WithoutCancel(d.ctx))
			select {
			case <-d.ctx.Done():
				d.logger.Infof("Job %s stopped", d.cfg.Family)
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop prevents future ticks. A tick already running completes.
func (d *Driver) Stop() {
	d.cancel()
}

type runOpts struct {
	mode   string
	limit  int
	scan   bool
	purge  bool
	manual bool
}

// Tick runs one scheduled execution. A tick arriving while another run is
// in progress returns immediately with Overlapped set.
func (d *Driver) Tick(ctx context.Context) RunSummary {
	release, ok := d.flight.tryAcquire()
	if !ok {
		metrics.Ticks.WithLabelValues(d.cfg.Family, "overlap").Inc()
		d.logger.Warnf("Job %s tick skipped: previous run still in progress", d.cfg.Family)
		return RunSummary{Family: d.cfg.Family, Mode: "tick", Overlapped: true, StartedAt: d.now().UTC()}
	}
	defer release()
	return d.run(ctx, runOpts{mode: "tick", limit: d.cfg.RunCap, scan: true, purge: true})
}

// run executes one pass under the caller-held lock.
func (d *Driver) run(ctx context.Context, opts runOpts) (s RunSummary) {
	now := d.now().UTC()
	s = RunSummary{Family: d.cfg.Family, Mode: opts.mode, StartedAt: now}
	defer func() {
		if r := recover(); r != nil {
			s.Error = fmt.Sprintf("panic: %v", r)
			d.logger.Errorf("Job %s %s panicked: %v", d.cfg.Family, opts.mode, r)
		}
		s.FinishedAt = d.now().UTC()
		d.finish(ctx, s)
	}()

	s.WithinWindow = d.gate.IsWithinWindow(now)
	s.NextWindowStart = d.gate.NextWindowStart(now)

	if opts.purge && d.cfg.Retention > 0 {
		purged, err := d.store.PurgeTerminal(ctx, now.Add(-d.cfg.Retention))
		if err != nil {
			s.Error = err.Error()
			return s
		}
		s.Purged = purged
	}

	if opts.scan && (s.WithinWindow || d.cfg.ScanOutsideWindow) {
		n, err := d.scan(ctx, now)
		s.Scheduled = n
		if err != nil {
			s.Error = err.Error()
			return s
		}
	}

	if !s.WithinWindow {
		s.WindowViolation = opts.manual
		d.logger.Infof("Job %s outside sending window, next window at %s", d.cfg.Family, s.NextWindowStart.Format(time.RFC3339))
		return s
	}

	d.drain(ctx, opts.limit, &s)
	return s
}

func (d *Driver) scan(ctx context.Context, now time.Time) (int, error) {
	if d.source == nil || d.cfg.ScanTrigger == "" {
		return 0, nil
	}
	candidates, err := d.source.Candidates(ctx, d.cfg.ScanTrigger, now.Add(-d.cfg.Delay), d.cfg.ScanLimit)
	if err != nil {
		return 0, fmt.Errorf("%w: load candidates: %w", models.ErrPersistence, err)
	}
	return d.scanner.Scan(ctx, candidates, d.cfg.ScanTrigger, d.cfg.Delay, d.exclude)
}

// drain calls the dispatcher in BatchSize chunks until nothing is due or
// limit items were processed.
func (d *Driver) drain(ctx context.Context, limit int, s *RunSummary) {
	remaining := limit
	for remaining > 0 {
		n := min(d.cfg.BatchSize, remaining)
		res, err := d.dispatcher.ProcessBatch(ctx, n)
		s.addBatch(res)
		remaining -= res.Processed
		if err != nil {
			s.Error = err.Error()
			return
		}
		if res.Processed < n {
			return
		}
	}
	s.CapReached = true
}

func (d *Driver) finish(ctx context.Context, s RunSummary) {
	d.lastRun.Store(&s)

	outcome := "ok"
	switch {
	case s.Error != "":
		outcome = "error"
		d.logger.Errorf("Job %s %s failed after %d processed: %s", s.Family, s.Mode, s.Processed, s.Error)
	case !s.WithinWindow:
		outcome = "outside_window"
	default:
		d.logger.Infof("Job %s %s done: scheduled=%d processed=%d sent=%d failed=%d skipped=%d cap_reached=%t",
			s.Family, s.Mode, s.Scheduled, s.Processed, s.Sent, s.Failed, s.Skipped, s.CapReached)
	}
	metrics.Ticks.WithLabelValues(s.Family, outcome).Inc()

	if pending, err := d.store.CountDue(ctx, d.dispatcher.dueQuery(d.now().UTC(), 0)); err == nil {
		metrics.Pending.WithLabelValues(s.Family).Set(float64(pending))
	}
	if d.reporter != nil {
		d.reporter.Report(ctx, s)
	}
}

// Status reports the driver state and the number of due items.
func (d *Driver) Status(ctx context.Context) (Status, error) {
	now := d.now().UTC()
	st := Status{
		Family:          d.cfg.Family,
		Initialized:     d.initialized.Load(),
		Running:         d.flight.held(),
		WithinWindow:    d.gate.IsWithinWindow(now),
		NextWindowStart: d.gate.NextWindowStart(now),
		LastRun:         d.lastRun.Load(),
	}
	pending, err := d.store.CountDue(ctx, d.dispatcher.dueQuery(now, 0))
	if err != nil {
		return st, fmt.Errorf("%w: count due items: %w", models.ErrPersistence, err)
	}
	st.PendingCount = pending
	return st, nil
}

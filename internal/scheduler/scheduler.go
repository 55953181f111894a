package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-queue/internal/calendar"
	"github.com/ksred/klear-queue/internal/notify"
	"github.com/ksred/klear-queue/internal/orders"
	"github.com/ksred/klear-queue/internal/types"
)

var (
	ErrMarketClosed    = errors.New("market is closed")
	ErrSweepInProgress = errors.New("sweep already in progress")
)

// ConfigurationError rejects an invalid schedule update. The previous
// schedule stays in effect.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid schedule: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func (e *ConfigurationError) HTTPStatus() int {
	return http.StatusBadRequest
}

// Settler settles a single queued order
type Settler interface {
	Settle(ctx context.Context, order types.QueuedOrder) (*types.SettlementResult, error)
}

// SweepReport summarises one pass over the due orders
type SweepReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Due       int           `json:"due"`
	Executed  int           `json:"executed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
}

type alarm struct {
	timer *time.Timer
	at    time.Time
	gen   uint64
}

// Scheduler sweeps due orders on a fixed cadence while the market is open and
// fires one-shot alarms at each session open and close.
type Scheduler struct {
	calendar *calendar.Calendar
	store    orders.Store
	settler  Settler
	notifier notify.Notifier
	interval time.Duration
	now      func() time.Time

	// held for the whole of a sweep; ticks that cannot take it are dropped
	sweepMu sync.Mutex
	wg      sync.WaitGroup

	mu        sync.Mutex
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	alarms    map[calendar.Boundary]*alarm
	gens      map[calendar.Boundary]uint64
	lastSweep time.Time
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithInterval sets the sweep cadence
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(cal *calendar.Calendar, store orders.Store, settler Settler, notifier notify.Notifier, opts ...Option) *Scheduler {
	s := &Scheduler{
		calendar: cal,
		store:    store,
		settler:  settler,
		notifier: notifier,
		interval: time.Minute,
		now:      time.Now,
		alarms:   make(map[calendar.Boundary]*alarm),
		gens:     make(map[calendar.Boundary]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the sweep loop and arms both boundary alarms. Starting a
// running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.ctx = loopCtx
	s.cancel = cancel
	s.running = true

	now := s.now()
	s.armLocked(calendar.BoundaryOpen, now)
	s.armLocked(calendar.BoundaryClose, now)

	s.wg.Add(1)
	go s.loop(loopCtx)

	log.Info().
		Str("component", "scheduler").
		Dur("interval", s.interval).
		Time("next_open", s.alarms[calendar.BoundaryOpen].at).
		Time("next_close", s.alarms[calendar.BoundaryClose].at).
		Msg("starting order scheduler")
	return nil
}

// Stop cancels the loop and alarms and waits for an in-flight sweep to
// finish. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	for b, a := range s.alarms {
		a.timer.Stop()
		delete(s.alarms, b)
	}
	s.mu.Unlock()

	s.wg.Wait()
	log.Info().Str("component", "scheduler").Msg("order scheduler stopped")
}

// Running reports whether the scheduler is started
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Each tick runs on its own goroutine so that a tick arriving
			// during a slow sweep is dropped rather than queued.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runTick(ctx)
			}()
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	// Stop must not abort settlements already underway
	_, err := s.Tick(context.WithoutCancel(ctx))
	switch {
	case err == nil, errors.Is(err, ErrMarketClosed):
	case errors.Is(err, ErrSweepInProgress):
		log.Debug().Str("component", "scheduler").Msg("previous sweep still running, tick dropped")
	default:
		log.Error().Err(err).Str("component", "scheduler").Msg("failed to process due orders")
	}
}

// Tick runs one sweep if the market is open and no other sweep is running
func (s *Scheduler) Tick(ctx context.Context) (*SweepReport, error) {
	now := s.now()
	open := s.calendar.IsOpen(now)
	setMarketOpen(open)

	if !open {
		sweepsTotal.WithLabelValues("closed").Inc()
		return nil, ErrMarketClosed
	}

	if !s.sweepMu.TryLock() {
		sweepsTotal.WithLabelValues("dropped").Inc()
		return nil, ErrSweepInProgress
	}
	defer s.sweepMu.Unlock()

	return s.sweep(ctx, now)
}

// sweep settles every due order in scheduled_at order. A failing order never
// aborts the batch.
func (s *Scheduler) sweep(ctx context.Context, now time.Time) (*SweepReport, error) {
	logger := log.With().Str("component", "scheduler").Logger()
	report := &SweepReport{StartedAt: now}
	start := time.Now()

	due, err := s.store.FindDue(ctx, now)
	if err != nil {
		sweepsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	report.Due = len(due)
	dueOrders.Set(float64(len(due)))

	if len(due) > 0 {
		logger.Info().Int("due_count", len(due)).Msg("processing due orders")
	}

	for _, order := range due {
		_, err := s.settler.Settle(ctx, order)
		switch {
		case err == nil:
			report.Executed++
			ordersProcessed.WithLabelValues("executed").Inc()
		case errors.Is(err, orders.ErrTransitionConflict):
			report.Skipped++
			ordersProcessed.WithLabelValues("skipped").Inc()
		default:
			// the executor has already logged and marked the order failed
			report.Failed++
			ordersProcessed.WithLabelValues("failed").Inc()
		}
	}

	report.Duration = time.Since(start)
	sweepDuration.Observe(report.Duration.Seconds())
	sweepsTotal.WithLabelValues("completed").Inc()

	s.mu.Lock()
	s.lastSweep = now
	s.mu.Unlock()

	if report.Due > 0 {
		logger.Info().
			Int("executed", report.Executed).
			Int("failed", report.Failed).
			Int("skipped", report.Skipped).
			Dur("duration", report.Duration).
			Msg("sweep completed")
	}
	return report, nil
}

// armLocked (re)schedules the one-shot alarm for b at the first boundary on
// or after from. Callers hold s.mu.
func (s *Scheduler) armLocked(b calendar.Boundary, from time.Time) {
	if a := s.alarms[b]; a != nil {
		a.timer.Stop()
	}

	s.gens[b]++
	gen := s.gens[b]
	at := s.calendar.NextBoundary(b, from)

	s.alarms[b] = &alarm{
		at:    at,
		gen:   gen,
		timer: time.AfterFunc(at.Sub(s.now()), func() { s.fire(b, gen) }),
	}
}

func (s *Scheduler) fire(b calendar.Boundary, gen uint64) {
	s.mu.Lock()
	a := s.alarms[b]
	if !s.running || a == nil || a.gen != gen {
		// stopped, or superseded by a schedule update
		s.mu.Unlock()
		return
	}

	firedAt := a.at
	from := s.now()
	if !from.After(firedAt) {
		from = firedAt.Add(time.Nanosecond)
	}
	s.armLocked(b, from)

	ctx := s.ctx
	next := s.alarms[b].at
	if b == calendar.BoundaryOpen {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	boundaryAlarms.WithLabelValues(string(b)).Inc()
	log.Info().
		Str("component", "scheduler").
		Str("boundary", string(b)).
		Time("fired_at", firedAt).
		Time("next", next).
		Msg("market boundary reached")

	notify.Send(ctx, s.notifier, s.boundaryNotification(b, firedAt))

	if b == calendar.BoundaryOpen {
		// Settle the overnight queue at the open instead of one interval later
		go func() {
			defer s.wg.Done()
			s.runTick(ctx)
		}()
	}
}

func (s *Scheduler) boundaryNotification(b calendar.Boundary, at time.Time) notify.Notification {
	loc := s.calendar.Location()
	if b == calendar.BoundaryOpen {
		closeAt := s.calendar.NextClose(at)
		return notify.Notification{
			Recipient: notify.Broadcast,
			Type:      notify.TypeMarketOpen,
			Title:     "Market open",
			Message:   fmt.Sprintf("The market is open until %s. Queued orders are being executed.", closeAt.In(loc).Format("15:04 MST")),
			Metadata: map[string]interface{}{
				"opened_at":  at,
				"next_close": closeAt,
			},
		}
	}

	openAt := s.calendar.NextOpen(at)
	return notify.Notification{
		Recipient: notify.Broadcast,
		Type:      notify.TypeMarketClose,
		Title:     "Market closed",
		Message:   fmt.Sprintf("The market is closed. New orders will be queued and executed at %s.", openAt.In(loc).Format("Mon 02 Jan 15:04 MST")),
		Metadata: map[string]interface{}{
			"closed_at": at,
			"next_open": openAt,
		},
	}
}

// UpdateSchedule replaces the open or close time of day and re-arms that
// boundary's alarm. A sweep already running is not affected.
func (s *Scheduler) UpdateSchedule(b calendar.Boundary, tod calendar.TimeOfDay) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.calendar.SetBoundary(b, tod); err != nil {
		return &ConfigurationError{Err: err}
	}

	if s.running {
		s.armLocked(b, s.now())
	}

	log.Info().
		Str("component", "scheduler").
		Str("boundary", string(b)).
		Str("time", tod.String()).
		Time("next", s.calendar.NextBoundary(b, s.now())).
		Msg("market schedule updated")
	return nil
}

// Status reports whether the scheduler runs and the next boundaries
func (s *Scheduler) Status() types.SchedulerStatus {
	s.mu.Lock()
	running, lastSweep := s.running, s.lastSweep
	s.mu.Unlock()

	now := s.now()
	sched := s.calendar.Schedule()
	return types.SchedulerStatus{
		Running:    running,
		MarketOpen: s.calendar.IsOpen(now),
		NextOpen:   s.calendar.NextOpen(now),
		NextClose:  s.calendar.NextClose(now),
		OpenTime:   sched.Open.String(),
		CloseTime:  sched.Close.String(),
		Timezone:   sched.Location.String(),
		LastSweep:  lastSweep,
	}
}

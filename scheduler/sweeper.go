package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"library-lending/lending"
)

// Sweeps is the part of the lending engine the sweeper drives. Refresh runs
// before every sweep so a long-lived process acts on what other processes
// committed since the last pass.
type Sweeps interface {
	Now() time.Time
	Refresh(ctx context.Context) error
	SweepReservations(ctx context.Context, now time.Time) ([]lending.Expiry, error)
	SweepFines(ctx context.Context, now time.Time) (map[string]decimal.Decimal, error)
}

// Sweeper runs the reservation and fine sweeps on cron schedules.
type Sweeper struct {
	sweeps              Sweeps
	reservationSchedule string
	fineSchedule        string
	log                 *slog.Logger

	cron           *cron.Cron
	reservationJob cron.EntryID
	fineJob        cron.EntryID
	mu             sync.RWMutex
	isRunning      bool
	cancelFunc     context.CancelFunc
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec is a five-field cron expression or
// a descriptor such as "@every 1m".
func ValidateSchedule(spec string) error {
	_, err := parser.Parse(spec)
	return err
}

// NewSweeper creates a stopped sweeper. Either schedule may be empty to
// disable that sweep.
func NewSweeper(sweeps Sweeps, reservationSchedule, fineSchedule string, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	cronLog := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	return &Sweeper{
		sweeps:              sweeps,
		reservationSchedule: reservationSchedule,
		fineSchedule:        fineSchedule,
		log:                 logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
	}
}

// Start schedules both sweeps. The sweeper stops by itself when ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return nil
	}

	for _, spec := range []string{s.reservationSchedule, s.fineSchedule} {
		if spec == "" {
			continue
		}
		if err := ValidateSchedule(spec); err != nil {
			return fmt.Errorf("invalid cron schedule '%s': %w", spec, err)
		}
	}

	var runCtx context.Context
	runCtx, s.cancelFunc = context.WithCancel(ctx)

	var err error
	if s.reservationSchedule != "" {
		if s.reservationJob, err = s.cron.AddFunc(s.reservationSchedule, func() { s.runReservations(runCtx) }); err != nil {
			s.cancelFunc()
			return fmt.Errorf("failed to schedule reservation sweep: %w", err)
		}
	}
	if s.fineSchedule != "" {
		if s.fineJob, err = s.cron.AddFunc(s.fineSchedule, func() { s.runFines(runCtx) }); err != nil {
			s.cancelFunc()
			return fmt.Errorf("failed to schedule fine sweep: %w", err)
		}
	}

	s.cron.Start()
	s.isRunning = true
	s.log.Info("Sweeper started",
		"reservation_schedule", s.reservationSchedule,
		"fine_schedule", s.fineSchedule)

	// Monitor for context cancellation
	go func() {
		<-runCtx.Done()
		s.Stop()
	}()

	return nil
}

// Stop removes the jobs and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}

	done := s.cron.Stop()
	<-done.Done()
	for _, e := range s.cron.Entries() {
		s.cron.Remove(e.ID)
	}

	s.cancelFunc()
	s.isRunning = false
	s.cancelFunc = nil
	s.log.Info("Sweeper stopped")
}

func (s *Sweeper) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// NextRuns returns when each scheduled sweep fires next.
func (s *Sweeper) NextRuns() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := map[string]time.Time{}
	if !s.isRunning {
		return out
	}
	for _, e := range s.cron.Entries() {
		switch e.ID {
		case s.reservationJob:
			out["reservations"] = e.Next
		case s.fineJob:
			out["fines"] = e.Next
		}
	}
	return out
}

// RunNow performs both sweeps once, synchronously.
func (s *Sweeper) RunNow(ctx context.Context) {
	s.runReservations(ctx)
	s.runFines(ctx)
}

func (s *Sweeper) runReservations(ctx context.Context) {
	start := time.Now()
	if err := s.sweeps.Refresh(ctx); err != nil {
		s.log.Error("Reservation sweep skipped, reload failed", "err", err)
		return
	}
	expired, err := s.sweeps.SweepReservations(ctx, s.sweeps.Now())
	if err != nil {
		s.log.Error("Reservation sweep failed", "err", err)
	}
	s.log.Debug("Reservation sweep done",
		"expired", len(expired),
		"duration", time.Since(start).Round(time.Millisecond))
	for _, e := range expired {
		s.log.Info("Reservation expired", "member", e.MemberID, "book", e.BookID)
	}
}

func (s *Sweeper) runFines(ctx context.Context) {
	start := time.Now()
	if err := s.sweeps.Refresh(ctx); err != nil {
		s.log.Error("Fine sweep skipped, reload failed", "err", err)
		return
	}
	totals, err := s.sweeps.SweepFines(ctx, s.sweeps.Now())
	if err != nil {
		s.log.Error("Fine sweep failed", "err", err)
	}
	owing := 0
	for _, total := range totals {
		if total.IsPositive() {
			owing++
		}
	}
	s.log.Debug("Fine sweep done",
		"ledgers", len(totals),
		"owing", owing,
		"duration", time.Since(start).Round(time.Millisecond))
}

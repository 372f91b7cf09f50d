package worker

import (
	"context"
	"errors"
	"time"

	"ticket-service/config"
	"ticket-service/internal/clock"
	"ticket-service/internal/models"
	"ticket-service/internal/service"
	"ticket-service/internal/util"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const sweepLockKey = "sweeper:stale-pending"

// StaleLister finds Pending reservations that have sat untouched past a cutoff
// and marks the ones a sweep could not resolve.
type StaleLister interface {
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]models.StalePending, error)
	TouchPending(ctx context.Context, id int64) error
}

// Reconciler resolves stale reservations.
type Reconciler interface {
	SweepPoll(ctx context.Context, checkoutRef string) (*service.PollResult, error)
	AbandonInitiation(ctx context.Context, reservationID int64) (*service.Outcome, error)
}

// Locker is a distributed mutex shared by all replicas.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error)
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Scanned   int
	Resolved  int
	Abandoned int
	Errors    int
}

// Sweeper periodically reconciles Pending reservations whose callback never
// arrived. Only the replica holding the lock sweeps.
type Sweeper struct {
	lister     StaleLister
	reconciler Reconciler
	locker     Locker
	clock      clock.Clock
	cfg        config.BusinessConfig
	scheduler  gocron.Scheduler
	logger     *zap.Logger
}

// NewSweeper creates a new sweeper
func NewSweeper(lister StaleLister, reconciler Reconciler, locker Locker, clk clock.Clock, cfg config.BusinessConfig) *Sweeper {
	return &Sweeper{
		lister:     lister,
		reconciler: reconciler,
		locker:     locker,
		clock:      clk,
		cfg:        cfg,
		logger:     util.GetLogger(),
	}
}

// Start schedules the sweep. Runs never overlap within a process.
func (s *Sweeper) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.SweepInterval),
		gocron.NewTask(func() {
			if _, err := s.Run(ctx); err != nil {
				s.logger.Error("Sweep failed", zap.Error(err))
			}
		}),
		gocron.WithName("stale-pending-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return err
	}

	s.scheduler = sched
	sched.Start()
	s.logger.Info("Sweeper started", zap.Duration("interval", s.cfg.SweepInterval))
	return nil
}

// Stop waits for a running sweep to finish and stops the scheduler
func (s *Sweeper) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	s.logger.Info("Stopping sweeper...")
	return s.scheduler.Shutdown()
}

// Run performs one sweep if this replica wins the lock.
func (s *Sweeper) Run(ctx context.Context) (*SweepStats, error) {
	release, ok, err := s.locker.AcquireLock(ctx, sweepLockKey, s.lockTTL())
	if err != nil {
		util.SweepRunsTotal.WithLabelValues("lock_error").Inc()
		return nil, err
	}
	if !ok {
		util.SweepRunsTotal.WithLabelValues("skipped").Inc()
		return &SweepStats{}, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Failed to release sweep lock", zap.Error(err))
		}
	}()

	stats, err := s.sweep(ctx)
	if err != nil {
		util.SweepRunsTotal.WithLabelValues("error").Inc()
		return stats, err
	}
	util.SweepRunsTotal.WithLabelValues("ok").Inc()
	return stats, nil
}

func (s *Sweeper) sweep(ctx context.Context) (*SweepStats, error) {
	cutoff := s.clock.Now().Add(-s.cfg.PendingGrace)
	stale, err := s.lister.ListStalePending(ctx, cutoff, s.cfg.SweepBatch)
	if err != nil {
		return nil, err
	}

	stats := &SweepStats{Scanned: len(stale)}
	for _, p := range stale {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		if s.resolve(ctx, p, stats) {
			continue
		}
		// Unresolved rows go to the back of the queue until the grace period
		// passes again.
		if err := s.lister.TouchPending(ctx, p.ReservationID); err != nil {
			s.logger.Warn("Failed to touch stale reservation",
				zap.Int64("reservation_id", p.ReservationID),
				zap.Error(err))
		}
	}

	if stats.Scanned > 0 {
		s.logger.Info("Sweep finished",
			zap.Int("scanned", stats.Scanned),
			zap.Int("resolved", stats.Resolved),
			zap.Int("abandoned", stats.Abandoned),
			zap.Int("errors", stats.Errors))
	}
	return stats, nil
}

// resolve reconciles one stale reservation and reports whether it left Pending.
func (s *Sweeper) resolve(ctx context.Context, p models.StalePending, stats *SweepStats) bool {
	if p.CheckoutRef == nil {
		out, err := s.reconciler.AbandonInitiation(ctx, p.ReservationID)
		if err != nil {
			stats.Errors++
			s.logger.Error("Failed to abandon reservation",
				zap.Int64("reservation_id", p.ReservationID),
				zap.Error(err))
			return false
		}
		if out.Applied {
			stats.Abandoned++
		}
		return out.Status != models.ReservationStatusPending
	}

	res, err := s.reconciler.SweepPoll(ctx, *p.CheckoutRef)
	if err != nil {
		stats.Errors++
		fields := []zap.Field{
			zap.Int64("reservation_id", p.ReservationID),
			zap.String("checkout_ref", *p.CheckoutRef),
			zap.Error(err),
		}
		if errors.Is(err, models.ErrGatewayUnavailable) || errors.Is(err, models.ErrAuthFailure) {
			s.logger.Warn("Gateway unavailable during sweep", fields...)
		} else {
			s.logger.Error("Failed to reconcile stale reservation", fields...)
		}
		return false
	}
	if res.Outcome == nil {
		return false
	}
	if res.Outcome.Applied {
		stats.Resolved++
	}
	return res.Outcome.Status != models.ReservationStatusPending
}

func (s *Sweeper) lockTTL() time.Duration {
	if s.cfg.SweepInterval > 0 {
		return s.cfg.SweepInterval
	}
	return time.Minute
}

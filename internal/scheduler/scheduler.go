// Package scheduler turns durable pending timers into reminder events.
// It sweeps the timer table on a fixed cadence; deadlines survive
// restarts because they live in the store, not in in-memory timers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/garyjia/invoice-orchestrator/internal/domain/event"
	"github.com/garyjia/invoice-orchestrator/internal/domain/timer"
	"github.com/garyjia/invoice-orchestrator/internal/metrics"
	"github.com/garyjia/invoice-orchestrator/internal/queue"
	"github.com/garyjia/invoice-orchestrator/internal/repository"
)

// Scheduler sweeps due timers and emits reminder-due events.
type Scheduler struct {
	timers   *repository.TimerRepository
	queue    *queue.Queue
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu        sync.Mutex
	isRunning bool
	cron      *cron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a scheduler sweeping at the given interval.
func New(timers *repository.TimerRepository, q *queue.Queue, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		timers:   timers,
		queue:    q,
		interval: interval,
		metrics:  m,
		logger:   logger,
	}
}

// Start begins the periodic sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), s.sweep); err != nil {
		s.cancel()
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	s.cron.Start()
	s.isRunning = true

	s.logger.Info("Reminder scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop halts the sweep and waits for an in-flight run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}
	s.isRunning = false
	s.cancel()
	<-s.cron.Stop().Done()

	s.logger.Info("Reminder scheduler stopped")
}

// Name returns the worker name for identification.
func (s *Scheduler) Name() string {
	return "ReminderScheduler"
}

// sweep fires every due, unfired timer at most once. The fired flag keeps
// the next sweep from re-emitting a reminder the orchestrator has not
// consumed yet; the orchestrator's timer instruction resets or clears it.
func (s *Scheduler) sweep() {
	ctx := s.ctx

	due, err := s.timers.DueUnfired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("Failed to list due timers", zap.Error(err))
		return
	}

	for _, t := range due {
		if err := s.fire(ctx, t); err != nil {
			s.logger.Error("Failed to fire timer",
				zap.String("invoice_id", t.InvoiceID),
				zap.String("wait_kind", t.WaitKind.String()),
				zap.Error(err))
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, t *timer.PendingTimer) error {
	// Marked before the push: a crash in between is healed by the startup
	// fired-flag reset, which re-delivers the reminder exactly once.
	if err := s.timers.MarkFired(ctx, t.InvoiceID, t.WaitKind); err != nil {
		return err
	}

	if t.Silent() {
		// Payment waits carry no reminders; only the payment watcher
		// resolves them. The row stays for operational visibility.
		return nil
	}

	var kind event.Kind
	switch t.WaitKind {
	case timer.WaitValidation:
		kind = event.KindValidationReminderDue
	case timer.WaitApproval:
		kind = event.KindApprovalReminderDue
	default:
		return fmt.Errorf("unexpected wait kind %q", t.WaitKind)
	}

	payload := &event.ReminderDue{
		WaitKind:  t.WaitKind.String(),
		Count:     t.ReminderCount + 1,
		Exhausted: t.Exhausted(),
	}

	s.metrics.ReminderFired(t.WaitKind.String())
	s.logger.Info("Timer fired",
		zap.String("invoice_id", t.InvoiceID),
		zap.String("wait_kind", t.WaitKind.String()),
		zap.Int("count", payload.Count),
		zap.Bool("exhausted", payload.Exhausted))

	return s.queue.PushEvent(ctx, event.New(kind, t.InvoiceID, time.Now().UTC(), payload))
}

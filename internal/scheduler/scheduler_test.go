package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/invoice-orchestrator/internal/domain/event"
	"github.com/garyjia/invoice-orchestrator/internal/domain/timer"
	"github.com/garyjia/invoice-orchestrator/internal/metrics"
	"github.com/garyjia/invoice-orchestrator/internal/queue"
	"github.com/garyjia/invoice-orchestrator/internal/repository"
	"github.com/garyjia/invoice-orchestrator/pkg/database"
)

func newTestTimers(t *testing.T) *repository.TimerRepository {
	t.Helper()

	db, err := database.New(database.Config{
		Path:            filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.NewMigrator(db, zap.NewNop()).RunMigrations("../../migrations"))
	return repository.NewTimerRepository(db.DB, zap.NewNop())
}

func newTestScheduler(t *testing.T, timers *repository.TimerRepository, q *queue.Queue) *Scheduler {
	t.Helper()

	s := New(timers, q, time.Second, metrics.New(prometheus.NewRegistry()), zap.NewNop())
	s.ctx = context.Background()
	return s
}

func drainEvents(q *queue.Queue) []*event.Event {
	var events []*event.Event
	for {
		select {
		case env := <-q.C():
			events = append(events, env.Event)
		default:
			return events
		}
	}
}

func TestSweepFiresDueTimerAtMostOnce(t *testing.T) {
	timers := newTestTimers(t)
	q := queue.New(16)
	s := newTestScheduler(t, timers, q)

	ctx := context.Background()
	require.NoError(t, timers.Upsert(ctx, nil, &timer.PendingTimer{
		InvoiceID:    "inv-1",
		WaitKind:     timer.WaitApproval,
		Deadline:     time.Now().UTC().Add(-time.Hour),
		MaxReminders: timer.Unbounded,
		Interval:     24 * time.Hour,
	}))

	s.sweep()

	events := drainEvents(q)
	require.Len(t, events, 1)
	assert.Equal(t, event.KindApprovalReminderDue, events[0].Kind)
	assert.Equal(t, "inv-1", events[0].InvoiceID)

	payload, ok := events[0].Payload.(*event.ReminderDue)
	require.True(t, ok, "payload type %T", events[0].Payload)
	assert.Equal(t, 1, payload.Count)
	assert.False(t, payload.Exhausted)

	// Still past due, but already handed off: the fired flag keeps the
	// next sweep from emitting the same reminder again.
	s.sweep()
	assert.Empty(t, drainEvents(q))
}

func TestSweepAfterRestartRedeliversExactlyOnce(t *testing.T) {
	timers := newTestTimers(t)
	q := queue.New(16)
	s := newTestScheduler(t, timers, q)

	ctx := context.Background()
	require.NoError(t, timers.Upsert(ctx, nil, &timer.PendingTimer{
		InvoiceID:     "inv-1",
		WaitKind:      timer.WaitValidation,
		Deadline:      time.Now().UTC().Add(-time.Minute),
		ReminderCount: 1,
		MaxReminders:  1,
		Interval:      time.Hour,
	}))

	// A crash after MarkFired but before the event reaches the queue
	// loses the reminder; the startup flag reset replays it.
	require.NoError(t, timers.MarkFired(ctx, "inv-1", timer.WaitValidation))
	s.sweep()
	require.Empty(t, drainEvents(q))

	require.NoError(t, timers.ResetFired(ctx))
	s.sweep()

	events := drainEvents(q)
	require.Len(t, events, 1)
	assert.Equal(t, event.KindValidationReminderDue, events[0].Kind)

	payload, ok := events[0].Payload.(*event.ReminderDue)
	require.True(t, ok)
	assert.Equal(t, 2, payload.Count)
	assert.True(t, payload.Exhausted)

	s.sweep()
	assert.Empty(t, drainEvents(q))
}

func TestSweepSilentWaitEmitsNothing(t *testing.T) {
	timers := newTestTimers(t)
	q := queue.New(16)
	s := newTestScheduler(t, timers, q)

	ctx := context.Background()
	require.NoError(t, timers.Upsert(ctx, nil, &timer.PendingTimer{
		InvoiceID:    "inv-1",
		WaitKind:     timer.WaitPayment,
		Deadline:     time.Now().UTC().Add(-time.Minute),
		MaxReminders: 0,
		Interval:     time.Hour,
	}))

	s.sweep()

	assert.Empty(t, drainEvents(q))

	// The row is consumed, not re-examined every sweep.
	due, err := timers.DueUnfired(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)
}

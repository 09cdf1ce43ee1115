package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/invoice-orchestrator/internal/domain/timer"
)

// TimerRepository handles pending-timer database operations
type TimerRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTimerRepository creates a new timer repository
func NewTimerRepository(db *sql.DB, logger *zap.Logger) *TimerRepository {
	return &TimerRepository{
		db:     db,
		logger: logger,
	}
}

func (r *TimerRepository) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.db
}

// Upsert creates or replaces the timer for (invoice id, wait kind) and
// resets its fired flag.
func (r *TimerRepository) Upsert(ctx context.Context, tx *sql.Tx, t *timer.PendingTimer) error {
	query := `
		INSERT INTO pending_timers (invoice_id, wait_kind, deadline, reminder_count, max_reminders, interval_seconds, fired)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(invoice_id, wait_kind) DO UPDATE SET
			deadline = excluded.deadline,
			reminder_count = excluded.reminder_count,
			max_reminders = excluded.max_reminders,
			interval_seconds = excluded.interval_seconds,
			fired = 0
	`
	_, err := r.execer(tx).ExecContext(ctx, query,
		t.InvoiceID, t.WaitKind.String(), t.Deadline,
		t.ReminderCount, t.MaxReminders, int64(t.Interval.Seconds()),
	)
	if err != nil {
		r.logger.Error("Failed to upsert timer",
			zap.String("invoice_id", t.InvoiceID),
			zap.String("wait_kind", t.WaitKind.String()),
			zap.Error(err))
		return fmt.Errorf("failed to upsert timer: %w", err)
	}
	return nil
}

// DeleteForInvoice clears every outstanding wait for an invoice.
func (r *TimerRepository) DeleteForInvoice(ctx context.Context, tx *sql.Tx, invoiceID string) error {
	_, err := r.execer(tx).ExecContext(ctx, `DELETE FROM pending_timers WHERE invoice_id = ?`, invoiceID)
	if err != nil {
		r.logger.Error("Failed to delete timers", zap.String("invoice_id", invoiceID), zap.Error(err))
		return fmt.Errorf("failed to delete timers: %w", err)
	}
	return nil
}

// Get returns the timer for an invoice and wait kind, or nil.
func (r *TimerRepository) Get(ctx context.Context, invoiceID string, kind timer.WaitKind) (*timer.PendingTimer, error) {
	query := `
		SELECT invoice_id, wait_kind, deadline, reminder_count, max_reminders, interval_seconds, fired
		FROM pending_timers WHERE invoice_id = ? AND wait_kind = ?
	`
	t, err := r.scanTimer(r.db.QueryRowContext(ctx, query, invoiceID, kind.String()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get timer: %w", err)
	}
	return t, nil
}

// DueUnfired returns timers whose deadline has elapsed and that have not
// been handed to the orchestrator yet.
func (r *TimerRepository) DueUnfired(ctx context.Context, now time.Time) ([]*timer.PendingTimer, error) {
	query := `
		SELECT invoice_id, wait_kind, deadline, reminder_count, max_reminders, interval_seconds, fired
		FROM pending_timers
		WHERE deadline <= ? AND fired = 0
		ORDER BY deadline
	`
	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		r.logger.Error("Failed to list due timers", zap.Error(err))
		return nil, fmt.Errorf("failed to list due timers: %w", err)
	}
	defer rows.Close()

	var timers []*timer.PendingTimer
	for rows.Next() {
		t, err := r.scanTimer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan timer: %w", err)
		}
		timers = append(timers, t)
	}
	return timers, rows.Err()
}

// MarkFired flags a timer as handed off so the next sweep skips it. The
// orchestrator's timer set/clear instruction resets or removes the row.
func (r *TimerRepository) MarkFired(ctx context.Context, invoiceID string, kind timer.WaitKind) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pending_timers SET fired = 1 WHERE invoice_id = ? AND wait_kind = ?`,
		invoiceID, kind.String())
	if err != nil {
		return fmt.Errorf("failed to mark timer fired: %w", err)
	}
	return nil
}

// ResetFired clears all fired flags. Called once on startup so a timer
// that fired right before a crash is re-delivered exactly once.
func (r *TimerRepository) ResetFired(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `UPDATE pending_timers SET fired = 0`)
	if err != nil {
		return fmt.Errorf("failed to reset fired flags: %w", err)
	}
	return nil
}

func (r *TimerRepository) scanTimer(row rowScanner) (*timer.PendingTimer, error) {
	var t timer.PendingTimer
	var kind string
	var intervalSeconds int64
	var fired int

	err := row.Scan(&t.InvoiceID, &kind, &t.Deadline, &t.ReminderCount, &t.MaxReminders, &intervalSeconds, &fired)
	if err != nil {
		return nil, err
	}

	t.WaitKind = timer.WaitKind(kind)
	t.Interval = time.Duration(intervalSeconds) * time.Second
	t.Fired = fired == 1
	return &t, nil
}

package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/garyjia/invoice-orchestrator/internal/domain/event"
	"github.com/garyjia/invoice-orchestrator/internal/domain/invoice"
	"github.com/garyjia/invoice-orchestrator/internal/domain/lifecycle"
	"github.com/garyjia/invoice-orchestrator/internal/port"
	"github.com/garyjia/invoice-orchestrator/internal/queue"
	"github.com/garyjia/invoice-orchestrator/internal/repository"
)

// ApprovalWatcher polls the approval threads of invoices awaiting a
// decision and turns recognized replies into decision events.
type ApprovalWatcher struct {
	channel  port.ApprovalChannel
	invoices *repository.InvoiceRepository
	cursors  *repository.CursorRepository
	queue    *queue.Queue
	interval time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu        sync.Mutex
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewApprovalWatcher creates an approval-thread watcher.
func NewApprovalWatcher(
	channel port.ApprovalChannel,
	invoices *repository.InvoiceRepository,
	cursors *repository.CursorRepository,
	q *queue.Queue,
	interval time.Duration,
	logger *zap.Logger,
) *ApprovalWatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ApprovalWatcher{
		channel:  channel,
		invoices: invoices,
		cursors:  cursors,
		queue:    q,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		logger:   logger,
	}
}

// Start begins polling.
func (w *ApprovalWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isRunning {
		return fmt.Errorf("approval watcher is already running")
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.isRunning = true

	go w.loop()

	w.logger.Info("Approval watcher started", zap.Duration("interval", w.interval))
	return nil
}

// Stop halts polling.
func (w *ApprovalWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isRunning {
		return
	}
	w.isRunning = false
	w.cancel()
	<-w.done

	w.logger.Info("Approval watcher stopped")
}

// Name returns the worker name for identification.
func (w *ApprovalWatcher) Name() string {
	return "ApprovalWatcher"
}

func (w *ApprovalWatcher) loop() {
	defer close(w.done)

	for {
		if err := w.limiter.Wait(w.ctx); err != nil {
			return
		}
		if err := w.poll(w.ctx); err != nil {
			w.logger.Error("Approval poll failed", zap.Error(err))
		}
	}
}

func (w *ApprovalWatcher) poll(ctx context.Context) error {
	pending, err := w.invoices.ListByState(ctx, lifecycle.StateAwaitingApproval)
	if err != nil {
		return err
	}

	for _, inv := range pending {
		if inv.ThreadRef == "" {
			continue
		}
		if err := w.pollThread(ctx, inv); err != nil {
			w.logger.Error("Failed to poll approval thread",
				zap.String("invoice_id", inv.ID),
				zap.String("thread_ref", inv.ThreadRef),
				zap.Error(err))
		}
	}
	return nil
}

func (w *ApprovalWatcher) pollThread(ctx context.Context, inv *invoice.Invoice) error {
	cursorKey := "approval:" + inv.ThreadRef
	cursor, err := w.cursors.Get(ctx, cursorKey)
	if err != nil {
		return err
	}

	messages, nextCursor, err := w.channel.Watch(ctx, inv.ThreadRef, cursor)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, msg := range messages {
		processed, err := w.cursors.IsProcessed(ctx, msg.MessageRef)
		if err != nil {
			return err
		}
		if processed {
			continue
		}

		decision, ok := ParseDecision(msg.Text)
		if !ok {
			// Chatter in the thread; leave it alone.
			if err := w.cursors.MarkProcessed(ctx, msg.MessageRef, inv.ID); err != nil {
				return err
			}
			continue
		}

		evt := event.New(event.KindApprovalDecisionReceived, inv.ID, time.Now().UTC(), &event.ApprovalDecision{
			Decision:   decision.Verdict,
			CostCenter: decision.CostCenter,
			Reason:     decision.Reason,
			Approver:   msg.Sender,
		})

		w.logger.Info("Approval decision received",
			zap.String("invoice_id", inv.ID),
			zap.String("decision", string(decision.Verdict)),
			zap.String("approver", msg.Sender))

		wg.Add(1)
		msgRef := msg.MessageRef
		env := queue.Envelope{
			Event: evt,
			Ack: func() {
				defer wg.Done()
				if err := w.cursors.MarkProcessed(context.Background(), msgRef, inv.ID); err != nil {
					w.logger.Error("Failed to mark message processed",
						zap.String("message_ref", msgRef), zap.Error(err))
				}
			},
		}
		if err := w.queue.Push(ctx, env); err != nil {
			wg.Done()
			return err
		}
	}

	if !waitOrCancel(ctx, &wg) {
		return ctx.Err()
	}
	return w.cursors.Set(ctx, cursorKey, nextCursor)
}

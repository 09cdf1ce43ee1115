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

// PaymentWatcher watches the threads of invoices cleared for payment,
// extracts transaction ids from replies and confirms them against the
// payment network before completing the invoice.
type PaymentWatcher struct {
	channel  port.ApprovalChannel
	lookup   port.PaymentLookup
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

// NewPaymentWatcher creates a payment watcher.
func NewPaymentWatcher(
	channel port.ApprovalChannel,
	lookup port.PaymentLookup,
	invoices *repository.InvoiceRepository,
	cursors *repository.CursorRepository,
	q *queue.Queue,
	interval time.Duration,
	logger *zap.Logger,
) *PaymentWatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PaymentWatcher{
		channel:  channel,
		lookup:   lookup,
		invoices: invoices,
		cursors:  cursors,
		queue:    q,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		logger:   logger,
	}
}

// Start begins polling.
func (w *PaymentWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isRunning {
		return fmt.Errorf("payment watcher is already running")
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.isRunning = true

	go w.loop()

	w.logger.Info("Payment watcher started", zap.Duration("interval", w.interval))
	return nil
}

// Stop halts polling.
func (w *PaymentWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isRunning {
		return
	}
	w.isRunning = false
	w.cancel()
	<-w.done

	w.logger.Info("Payment watcher stopped")
}

// Name returns the worker name for identification.
func (w *PaymentWatcher) Name() string {
	return "PaymentWatcher"
}

func (w *PaymentWatcher) loop() {
	defer close(w.done)

	for {
		if err := w.limiter.Wait(w.ctx); err != nil {
			return
		}
		if err := w.poll(w.ctx); err != nil {
			w.logger.Error("Payment poll failed", zap.Error(err))
		}
	}
}

func (w *PaymentWatcher) poll(ctx context.Context) error {
	awaiting, err := w.invoices.ListByState(ctx, lifecycle.StateAwaitingPayment)
	if err != nil {
		return err
	}

	for _, inv := range awaiting {
		if inv.ThreadRef == "" {
			continue
		}
		if err := w.pollThread(ctx, inv); err != nil {
			w.logger.Error("Failed to poll payment thread",
				zap.String("invoice_id", inv.ID),
				zap.String("thread_ref", inv.ThreadRef),
				zap.Error(err))
		}
	}
	return nil
}

func (w *PaymentWatcher) pollThread(ctx context.Context, inv *invoice.Invoice) error {
	cursorKey := "payment:" + inv.ThreadRef
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

	// advance stays false while any message needs another look (pending
	// settlement, lookup hiccup); the whole batch is re-polled then,
	// deduped by message ref.
	advance := true

	var wg sync.WaitGroup
	for _, msg := range messages {
		processed, err := w.cursors.IsProcessed(ctx, msg.MessageRef)
		if err != nil {
			return err
		}
		if processed {
			continue
		}

		txID, ok := ParseTransactionID(msg.Text)
		if !ok {
			if err := w.cursors.MarkProcessed(ctx, msg.MessageRef, inv.ID); err != nil {
				return err
			}
			continue
		}

		result, err := w.lookup.Lookup(ctx, txID)
		if err != nil {
			w.logger.Warn("Payment lookup failed",
				zap.String("invoice_id", inv.ID),
				zap.String("transaction_id", txID),
				zap.Error(err))
			advance = false
			continue
		}

		switch result.Status {
		case port.PaymentConfirmed:
			// Cross-check only when the settlement currency matches the
			// invoice; an on-chain payment in another currency cannot be
			// compared without a rate source.
			if result.Currency == inv.Fields.Currency && result.Amount < inv.Fields.TotalAmount {
				w.logger.Warn("Settled amount below invoice total",
					zap.String("invoice_id", inv.ID),
					zap.Float64("settled", result.Amount),
					zap.Float64("invoice_total", inv.Fields.TotalAmount))
			}

			evt := event.New(event.KindPaymentTransactionObserved, inv.ID, time.Now().UTC(), &event.PaymentObserved{
				TransactionID: txID,
				Amount:        result.Amount,
				Currency:      result.Currency,
			})

			w.logger.Info("Payment confirmed",
				zap.String("invoice_id", inv.ID),
				zap.String("transaction_id", txID),
				zap.Float64("amount", result.Amount))

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

		case port.PaymentPending:
			// Not settled yet; retry on the next sweep.
			w.logger.Debug("Payment still pending",
				zap.String("invoice_id", inv.ID),
				zap.String("transaction_id", txID))
			advance = false

		case port.PaymentNotFound:
			w.logger.Warn("Transaction id not found",
				zap.String("invoice_id", inv.ID),
				zap.String("transaction_id", txID))
			if err := w.cursors.MarkProcessed(ctx, msg.MessageRef, inv.ID); err != nil {
				return err
			}
		}
	}

	if !waitOrCancel(ctx, &wg) {
		return ctx.Err()
	}
	if !advance {
		return nil
	}
	return w.cursors.Set(ctx, cursorKey, nextCursor)
}

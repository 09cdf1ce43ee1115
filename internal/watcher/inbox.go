// Package watcher contains the pollers that watch external sources and
// translate what they see into domain events. Watchers persist cursors
// and advance them only after the orchestrator acknowledges the events,
// so delivery is at-least-once and dedup happens on message ids.
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

const inboxCursorKey = "inbox"

// InboxWatcher polls the mailbox for new invoice emails and for replies
// carrying missing information.
type InboxWatcher struct {
	source   port.MailboxSource
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

// NewInboxWatcher creates a mailbox watcher polling at the given interval.
func NewInboxWatcher(
	source port.MailboxSource,
	invoices *repository.InvoiceRepository,
	cursors *repository.CursorRepository,
	q *queue.Queue,
	interval time.Duration,
	logger *zap.Logger,
) *InboxWatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &InboxWatcher{
		source:   source,
		invoices: invoices,
		cursors:  cursors,
		queue:    q,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		logger:   logger,
	}
}

// Start begins polling.
func (w *InboxWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isRunning {
		return fmt.Errorf("inbox watcher is already running")
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.isRunning = true

	go w.loop()

	w.logger.Info("Inbox watcher started", zap.Duration("interval", w.interval))
	return nil
}

// Stop halts polling.
func (w *InboxWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isRunning {
		return
	}
	w.isRunning = false
	w.cancel()
	<-w.done

	w.logger.Info("Inbox watcher stopped")
}

// Name returns the worker name for identification.
func (w *InboxWatcher) Name() string {
	return "InboxWatcher"
}

func (w *InboxWatcher) loop() {
	defer close(w.done)

	for {
		if err := w.limiter.Wait(w.ctx); err != nil {
			return
		}
		if err := w.poll(w.ctx); err != nil {
			w.logger.Error("Inbox poll failed", zap.Error(err))
		}
	}
}

func (w *InboxWatcher) poll(ctx context.Context) error {
	cursor, err := w.cursors.Get(ctx, inboxCursorKey)
	if err != nil {
		return err
	}

	messages, nextCursor, err := w.source.Poll(ctx, cursor)
	if err != nil {
		return fmt.Errorf("failed to poll mailbox: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, msg := range messages {
		processed, err := w.cursors.IsProcessed(ctx, msg.MessageID)
		if err != nil {
			return err
		}
		if processed {
			continue
		}
		if err := w.handle(ctx, msg, &wg); err != nil {
			return err
		}
	}

	// The cursor only moves after every emitted event is durably
	// committed; a crash before that replays the batch, deduped by
	// message id.
	if !waitOrCancel(ctx, &wg) {
		return ctx.Err()
	}
	return w.cursors.Set(ctx, inboxCursorKey, nextCursor)
}

func (w *InboxWatcher) handle(ctx context.Context, msg port.InboxMessage, wg *sync.WaitGroup) error {
	if att, ok := pickInvoiceAttachment(msg); ok {
		return w.emitEmailReceived(ctx, msg, att, wg)
	}

	// A bare reply only matters when the thread belongs to an invoice
	// waiting on missing information.
	inv, err := w.invoices.GetBySourceThread(ctx, msg.ThreadID)
	if err != nil {
		return err
	}
	if inv == nil || inv.State != lifecycle.StateAwaitingInfo {
		return w.cursors.MarkProcessed(ctx, msg.MessageID, "")
	}

	fields, ok := ParseFieldUpdates(msg.Body)
	if !ok {
		// Chatter carrying no recognizable field never becomes an event;
		// the validation wait keeps running against its original deadline.
		return w.cursors.MarkProcessed(ctx, msg.MessageID, inv.ID)
	}

	evt := event.New(event.KindValidationInfoReceived, inv.ID, time.Now().UTC(), &event.ValidationInfoReceived{
		Fields: fields,
	})

	w.logger.Info("Validation info received",
		zap.String("invoice_id", inv.ID),
		zap.String("message_id", msg.MessageID))

	return w.push(ctx, evt, msg.MessageID, inv.ID, wg)
}

func (w *InboxWatcher) emitEmailReceived(ctx context.Context, msg port.InboxMessage, att port.Attachment, wg *sync.WaitGroup) error {
	invoiceID := invoice.DeriveID(msg.MessageID, att.Data)

	evt := event.New(event.KindInvoiceEmailReceived, invoiceID, time.Now().UTC(), &event.EmailReceived{
		MessageID:  msg.MessageID,
		ThreadID:   msg.ThreadID,
		Sender:     msg.Sender,
		Subject:    msg.Subject,
		Attachment: att.Data,
		MimeType:   att.MimeType,
	})

	w.logger.Info("Invoice email received",
		zap.String("invoice_id", invoiceID),
		zap.String("message_id", msg.MessageID),
		zap.String("sender", msg.Sender),
		zap.String("attachment", att.Filename))

	return w.push(ctx, evt, msg.MessageID, invoiceID, wg)
}

func (w *InboxWatcher) push(ctx context.Context, evt *event.Event, messageID, invoiceID string, wg *sync.WaitGroup) error {
	wg.Add(1)
	env := queue.Envelope{
		Event: evt,
		Ack: func() {
			defer wg.Done()
			if err := w.cursors.MarkProcessed(context.Background(), messageID, invoiceID); err != nil {
				w.logger.Error("Failed to mark message processed",
					zap.String("message_id", messageID), zap.Error(err))
			}
		},
	}
	if err := w.queue.Push(ctx, env); err != nil {
		wg.Done()
		return err
	}
	return nil
}

func pickInvoiceAttachment(msg port.InboxMessage) (port.Attachment, bool) {
	for _, att := range msg.Attachments {
		if looksLikeInvoiceDocument(att.Filename, att.MimeType) {
			return att, true
		}
	}
	return port.Attachment{}, false
}

// waitOrCancel waits for all pending acks or for the context to end.
func waitOrCancel(ctx context.Context, wg *sync.WaitGroup) bool {
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

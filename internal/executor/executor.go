// Package executor delivers side-effecting commands to external sinks.
// Delivery is at-most-once per token: a command whose intent is already
// marked delivered is skipped, so replays after a crash are harmless.
package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/garyjia/invoice-orchestrator/internal/domain/command"
	"github.com/garyjia/invoice-orchestrator/internal/domain/event"
	"github.com/garyjia/invoice-orchestrator/internal/metrics"
	"github.com/garyjia/invoice-orchestrator/internal/port"
	"github.com/garyjia/invoice-orchestrator/internal/queue"
	"github.com/garyjia/invoice-orchestrator/internal/repository"
)

// Config holds the executor's retry and concurrency parameters.
type Config struct {
	Workers             int
	MaxAttempts         int
	InitialBackoff      time.Duration
	ConfidenceThreshold float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:             4,
		MaxAttempts:         5,
		InitialBackoff:      2 * time.Second,
		ConfidenceThreshold: 0.6,
	}
}

// Executor runs commands against the external sinks with bounded retries
// and a circuit breaker per sink.
type Executor struct {
	cfg     Config
	actions *repository.ActionRepository
	queue   *queue.Queue
	metrics *metrics.Metrics
	logger  *zap.Logger

	intelligence port.DocumentIntelligence
	mailbox      port.MailboxSource
	tracking     port.TrackingSink
	channel      port.ApprovalChannel

	intelBreaker    *gobreaker.CircuitBreaker[*port.ExtractionResult]
	mailboxBreaker  *gobreaker.CircuitBreaker[string]
	trackingBreaker *gobreaker.CircuitBreaker[string]
	channelBreaker  *gobreaker.CircuitBreaker[string]

	tasks chan command.Command

	mu        sync.Mutex
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an executor wired to the given sinks.
func New(
	cfg Config,
	actions *repository.ActionRepository,
	q *queue.Queue,
	intelligence port.DocumentIntelligence,
	mailbox port.MailboxSource,
	tracking port.TrackingSink,
	channel port.ApprovalChannel,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}

	return &Executor{
		cfg:             cfg,
		actions:         actions,
		queue:           q,
		metrics:         m,
		logger:          logger,
		intelligence:    intelligence,
		mailbox:         mailbox,
		tracking:        tracking,
		channel:         channel,
		intelBreaker:    gobreaker.NewCircuitBreaker[*port.ExtractionResult](breakerSettings("document-intelligence")),
		mailboxBreaker:  gobreaker.NewCircuitBreaker[string](breakerSettings("mailbox")),
		trackingBreaker: gobreaker.NewCircuitBreaker[string](breakerSettings("tracking")),
		channelBreaker:  gobreaker.NewCircuitBreaker[string](breakerSettings("approval-channel")),
		tasks:           make(chan command.Command, 256),
	}
}

func breakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}

// Start launches the worker pool.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isRunning {
		return fmt.Errorf("executor is already running")
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.isRunning = true

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.workerLoop()
	}

	e.logger.Info("Action executor started", zap.Int("workers", e.cfg.Workers))
	return nil
}

// Stop drains the worker pool.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isRunning {
		return
	}
	e.isRunning = false
	e.cancel()
	e.wg.Wait()

	e.logger.Info("Action executor stopped")
}

// Name returns the worker name for identification.
func (e *Executor) Name() string {
	return "ActionExecutor"
}

// Submit queues a command for execution.
func (e *Executor) Submit(ctx context.Context, cmd command.Command) {
	select {
	case e.tasks <- cmd:
	case <-ctx.Done():
	}
}

func (e *Executor) workerLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case cmd := <-e.tasks:
			e.run(cmd)
		}
	}
}

func (e *Executor) run(cmd command.Command) {
	ctx := e.ctx

	delivered, err := e.actions.IsDelivered(ctx, cmd.Token)
	if err != nil {
		e.logger.Error("Failed to check intent status", zap.String("token", cmd.Token), zap.Error(err))
		return
	}
	if delivered {
		e.logger.Debug("Skipping already delivered command", zap.String("token", cmd.Token))
		return
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := e.actions.IncrementAttempts(ctx, cmd.Token); err != nil {
			e.logger.Warn("Failed to record attempt", zap.String("token", cmd.Token), zap.Error(err))
		}

		ref, err := e.dispatch(ctx, cmd)
		if err == nil {
			e.deliver(ctx, cmd, ref)
			return
		}
		lastErr = err

		if isPermanent(err) {
			break
		}
		if !e.sleep(backoff(e.cfg.InitialBackoff, attempt)) {
			return
		}
		e.logger.Warn("Retrying command",
			zap.String("token", cmd.Token),
			zap.String("kind", cmd.Kind.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	e.fail(ctx, cmd, lastErr)
}

// deliver marks the token delivered and reports the result back into the
// event queue so the orchestrator can progress the invoice.
func (e *Executor) deliver(ctx context.Context, cmd command.Command, ref string) {
	if err := e.actions.MarkDelivered(ctx, cmd.Token, ref); err != nil {
		// The external effect is applied but the mark is lost; the
		// restart retry will re-check IsDelivered and skip.
		e.logger.Error("Failed to mark intent delivered", zap.String("token", cmd.Token), zap.Error(err))
		return
	}
	e.metrics.ActionDelivered(cmd.Kind.String())

	if cmd.Kind == command.KindExtractDocument {
		// Extraction reports through its own result events pushed by
		// dispatchExtract; no delivery event is needed.
		return
	}

	evt := event.New(event.KindActionDelivered, cmd.InvoiceID, time.Now().UTC(), &event.ActionDelivered{
		Token:      cmd.Token,
		ActionKind: cmd.Kind.String(),
		Ref:        ref,
	})
	if err := e.queue.PushEvent(ctx, evt); err != nil {
		e.logger.Error("Failed to push delivery event", zap.String("token", cmd.Token), zap.Error(err))
	}
}

func (e *Executor) fail(ctx context.Context, cmd command.Command, cause error) {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	if err := e.actions.MarkFailed(ctx, cmd.Token, reason); err != nil {
		e.logger.Error("Failed to mark intent failed", zap.String("token", cmd.Token), zap.Error(err))
	}
	e.metrics.ActionFailed(cmd.Kind.String())
	e.logger.Error("Command failed permanently",
		zap.String("token", cmd.Token),
		zap.String("kind", cmd.Kind.String()),
		zap.String("reason", reason))

	evt := event.New(event.KindActionFailed, cmd.InvoiceID, time.Now().UTC(), &event.ActionFailed{
		Token:      cmd.Token,
		ActionKind: cmd.Kind.String(),
		Reason:     reason,
	})
	if err := e.queue.PushEvent(ctx, evt); err != nil {
		e.logger.Error("Failed to push failure event", zap.String("token", cmd.Token), zap.Error(err))
	}
}

func (e *Executor) dispatch(ctx context.Context, cmd command.Command) (string, error) {
	switch cmd.Kind {
	case command.KindExtractDocument:
		return "", e.dispatchExtract(ctx, cmd)

	case command.KindWriteTrackingRow, command.KindUpdateTrackingStatus:
		row := trackingRowFromPayload(cmd.InvoiceID, cmd.Payload)
		return e.trackingBreaker.Execute(func() (string, error) {
			return e.tracking.Upsert(ctx, row)
		})

	case command.KindPostApprovalRequest:
		return e.channelBreaker.Execute(func() (string, error) {
			return e.channel.Post(ctx, "", cmd.Payload["text"])
		})

	case command.KindPostThreadReminder, command.KindPostCostCenterPrompt, command.KindNotifyClearedForPayment:
		return e.channelBreaker.Execute(func() (string, error) {
			return e.channel.Post(ctx, cmd.Payload["thread_ref"], cmd.Payload["text"])
		})

	case command.KindRequestMissingInfo:
		return e.mailboxBreaker.Execute(func() (string, error) {
			return e.mailbox.Reply(ctx, cmd.Payload["thread_id"], cmd.Payload["text"])
		})

	default:
		return "", fmt.Errorf("%w: %s", errUnknownCommand, cmd.Kind)
	}
}

// dispatchExtract runs document extraction and pushes the result event
// itself: success and unreadable-document outcomes both conclude the
// command, only transient intelligence errors are retried.
func (e *Executor) dispatchExtract(ctx context.Context, cmd command.Command) error {
	data, err := base64.StdEncoding.DecodeString(cmd.Payload["document_b64"])
	if err != nil {
		return fmt.Errorf("%w: bad document encoding: %v", errUnknownCommand, err)
	}

	result, err := e.intelBreaker.Execute(func() (*port.ExtractionResult, error) {
		return e.intelligence.Extract(ctx, data, cmd.Payload["mime"])
	})
	if err != nil {
		if errors.Is(err, port.ErrDocumentUnreadable) || errors.Is(err, port.ErrUnsupportedFormat) {
			evt := event.New(event.KindExtractionFailed, cmd.InvoiceID, time.Now().UTC(), &event.ExtractionFailed{
				Reason: err.Error(),
			})
			if pushErr := e.queue.PushEvent(ctx, evt); pushErr != nil {
				return pushErr
			}
			return nil
		}
		return err
	}

	evt := event.New(event.KindExtractionCompleted, cmd.InvoiceID, time.Now().UTC(), &event.ExtractionCompleted{
		Fields:        result.Fields,
		Confidence:    result.Confidence,
		LowConfidence: result.Confidence < e.cfg.ConfidenceThreshold,
	})
	return e.queue.PushEvent(ctx, evt)
}

var errUnknownCommand = errors.New("unknown command kind")

func isPermanent(err error) bool {
	return errors.Is(err, errUnknownCommand)
}

func (e *Executor) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-e.ctx.Done():
		return false
	}
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > 2*time.Minute {
			return 2 * time.Minute
		}
	}
	return d
}

func trackingRowFromPayload(invoiceID string, payload map[string]string) port.TrackingRow {
	amount, _ := strconv.ParseFloat(payload["total_amount"], 64)
	return port.TrackingRow{
		InvoiceID:     invoiceID,
		Vendor:        payload["vendor"],
		InvoiceNumber: payload["invoice_number"],
		InvoiceDate:   payload["invoice_date"],
		DueDate:       payload["due_date"],
		TotalAmount:   amount,
		Currency:      payload["currency"],
		Status:        payload["status"],
		Approver:      payload["approver"],
		CostCenter:    payload["cost_center"],
		Reason:        payload["reason"],
		TransactionID: payload["transaction_id"],
	}
}

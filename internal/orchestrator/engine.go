package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/garyjia/invoice-orchestrator/internal/domain/command"
	"github.com/garyjia/invoice-orchestrator/internal/domain/event"
	"github.com/garyjia/invoice-orchestrator/internal/metrics"
	"github.com/garyjia/invoice-orchestrator/internal/queue"
	"github.com/garyjia/invoice-orchestrator/internal/repository"
	"github.com/garyjia/invoice-orchestrator/pkg/database"
)

// CommandDispatcher hands commands to the action executor.
type CommandDispatcher interface {
	Submit(ctx context.Context, cmd command.Command)
}

// Engine consumes domain events and applies the transition function.
// Processing is serialized per invoice id; different invoices proceed
// fully in parallel through independent events.
type Engine struct {
	db          *database.DB
	queue       *queue.Queue
	invoiceRepo *repository.InvoiceRepository
	timerRepo   *repository.TimerRepository
	actionRepo  *repository.ActionRepository
	dispatcher  CommandDispatcher
	policy      Policy
	metrics     *metrics.Metrics
	logger      *zap.Logger

	locks keyedMutex

	mu        sync.Mutex
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewEngine creates the orchestrator engine.
func NewEngine(
	db *database.DB,
	q *queue.Queue,
	invoiceRepo *repository.InvoiceRepository,
	timerRepo *repository.TimerRepository,
	actionRepo *repository.ActionRepository,
	dispatcher CommandDispatcher,
	policy Policy,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		db:          db,
		queue:       q,
		invoiceRepo: invoiceRepo,
		timerRepo:   timerRepo,
		actionRepo:  actionRepo,
		dispatcher:  dispatcher,
		policy:      policy,
		metrics:     m,
		logger:      logger,
	}
}

// Start recovers in-flight work and begins consuming the event queue.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isRunning {
		return fmt.Errorf("engine is already running")
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.isRunning = true

	if err := e.recover(e.ctx); err != nil {
		e.isRunning = false
		e.cancel()
		return fmt.Errorf("failed to recover engine state: %w", err)
	}

	go e.consumeLoop()

	e.logger.Info("Orchestrator engine started")
	return nil
}

// Stop halts event consumption.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isRunning {
		return
	}
	e.isRunning = false
	e.cancel()
	<-e.done

	e.logger.Info("Orchestrator engine stopped")
}

// Name returns the worker name for identification.
func (e *Engine) Name() string {
	return "OrchestratorEngine"
}

// recover replays crash-interrupted work: timers that fired without
// being processed fire again exactly once, and command intents written
// but never confirmed delivered are retried through their tokens.
func (e *Engine) recover(ctx context.Context) error {
	if err := e.timerRepo.ResetFired(ctx); err != nil {
		return err
	}

	intents, err := e.actionRepo.Pending(ctx)
	if err != nil {
		return err
	}
	for _, intent := range intents {
		e.logger.Info("Retrying pending action intent",
			zap.String("token", intent.Token),
			zap.String("kind", intent.Kind.String()))
		e.dispatcher.Submit(ctx, intent.Command())
	}
	return nil
}

func (e *Engine) consumeLoop() {
	defer close(e.done)

	for {
		select {
		case <-e.ctx.Done():
			return
		case env := <-e.queue.C():
			if env.Event == nil {
				continue
			}
			if err := e.Process(e.ctx, env); err != nil {
				e.logger.Error("Failed to process event",
					zap.String("event_id", env.Event.ID),
					zap.String("event_kind", env.Event.Kind.String()),
					zap.String("invoice_id", env.Event.InvoiceID),
					zap.Error(err))
			}
		}
	}
}

// Process applies a single event: load, decide, persist, ack, dispatch.
// The per-invoice lock makes transitions linearizable per invoice.
func (e *Engine) Process(ctx context.Context, env queue.Envelope) error {
	evt := env.Event
	e.metrics.EventConsumed(evt.Kind.String())

	unlock := e.locks.lock(evt.InvoiceID)
	defer unlock()

	inv, err := e.invoiceRepo.GetByID(ctx, evt.InvoiceID)
	if err != nil {
		return err
	}

	outcome, err := Decide(inv, evt, e.policy)
	if err != nil {
		// An illegal transition means the event no longer matches the
		// record; it is logged and dropped, state stays unchanged.
		e.metrics.EventDiscarded(evt.Kind.String())
		e.logger.Warn("Event rejected by transition function",
			zap.String("event_kind", evt.Kind.String()),
			zap.String("invoice_id", evt.InvoiceID),
			zap.Error(err))
		e.ack(env)
		return nil
	}

	if outcome.Discarded {
		e.metrics.EventDiscarded(evt.Kind.String())
		e.logger.Debug("Event discarded",
			zap.String("event_kind", evt.Kind.String()),
			zap.String("invoice_id", evt.InvoiceID),
			zap.String("reason", outcome.DiscardReason))
		e.ack(env)
		return nil
	}

	isNew := inv == nil

	err = e.db.WithTransaction(func(tx *sql.Tx) error {
		if isNew {
			if err := e.invoiceRepo.Create(ctx, tx, outcome.Invoice); err != nil {
				return err
			}
		} else {
			if err := e.invoiceRepo.Update(ctx, tx, outcome.Invoice); err != nil {
				return err
			}
		}

		for _, hop := range outcome.Hops {
			if err := e.invoiceRepo.RecordTransition(ctx, tx, outcome.Invoice.ID, hop.From, hop.To, evt.Kind.String()); err != nil {
				return err
			}
		}

		switch outcome.Timer.Op {
		case TimerSet:
			// A non-terminal invoice holds at most one outstanding wait.
			if err := e.timerRepo.DeleteForInvoice(ctx, tx, outcome.Invoice.ID); err != nil {
				return err
			}
			if err := e.timerRepo.Upsert(ctx, tx, outcome.Timer.Timer); err != nil {
				return err
			}
		case TimerClear:
			if err := e.timerRepo.DeleteForInvoice(ctx, tx, outcome.Invoice.ID); err != nil {
				return err
			}
		}

		// Intents are written before the executor runs: a crash between
		// commit and delivery is replayed through the same tokens.
		for _, cmd := range outcome.Commands {
			if err := e.actionRepo.CreateIntent(ctx, tx, cmd); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist outcome: %w", err)
	}

	e.ack(env)

	for _, hop := range outcome.Hops {
		e.metrics.Transition(hop.From.String(), hop.To.String())
		e.logger.Info("Invoice transitioned",
			zap.String("invoice_id", outcome.Invoice.ID),
			zap.String("from", hop.From.String()),
			zap.String("to", hop.To.String()),
			zap.String("event_kind", evt.Kind.String()))
	}

	for _, cmd := range outcome.Commands {
		e.dispatcher.Submit(ctx, cmd)
	}
	return nil
}

// Abort force-terminates an invoice by queueing an operator abort event.
func (e *Engine) Abort(ctx context.Context, evt *event.Event) error {
	return e.queue.PushEvent(ctx, evt)
}

func (e *Engine) ack(env queue.Envelope) {
	if env.Ack != nil {
		env.Ack()
	}
}

// keyedMutex serializes work per invoice id. Entries are reference
// counted and removed once the last holder releases, so the map stays
// proportional to in-flight invoices rather than all invoices ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()

		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

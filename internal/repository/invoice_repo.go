package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/garyjia/invoice-orchestrator/internal/domain/invoice"
	"github.com/garyjia/invoice-orchestrator/internal/domain/lifecycle"
)

// ErrVersionConflict is returned when an optimistic-lock update loses.
var ErrVersionConflict = errors.New("invoice version conflict")

// Transition is one recorded hop in an invoice's state history.
type Transition struct {
	FromState lifecycle.State
	ToState   lifecycle.State
	EventKind string
}

// InvoiceRepository handles invoice database operations
type InvoiceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewInvoiceRepository creates a new invoice repository
func NewInvoiceRepository(db *sql.DB, logger *zap.Logger) *InvoiceRepository {
	return &InvoiceRepository{
		db:     db,
		logger: logger,
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *InvoiceRepository) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.db
}

const invoiceColumns = `id, source_message_id, source_thread_id, sender,
	vendor, invoice_number, invoice_date, due_date, line_items,
	total_amount, currency, payment_details,
	state, missing_fields, decision, decision_reason, approver,
	cost_center, transaction_id, thread_ref, tracking_row_ref,
	failure_reason, action_seq, retry_count,
	created_at, last_transition_at, version`

// Create inserts a new invoice record
func (r *InvoiceRepository) Create(ctx context.Context, tx *sql.Tx, inv *invoice.Invoice) error {
	lineItems, err := json.Marshal(inv.Fields.LineItems)
	if err != nil {
		return fmt.Errorf("failed to marshal line items: %w", err)
	}
	missing, err := json.Marshal(inv.MissingFields)
	if err != nil {
		return fmt.Errorf("failed to marshal missing fields: %w", err)
	}
	actionSeq, err := json.Marshal(inv.ActionSeq)
	if err != nil {
		return fmt.Errorf("failed to marshal action seq: %w", err)
	}

	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	inv.Version = 1
	_, err = r.execer(tx).ExecContext(ctx, query,
		inv.ID, inv.SourceMessageID, inv.SourceThreadID, inv.Sender,
		inv.Fields.Vendor, inv.Fields.InvoiceNumber, inv.Fields.InvoiceDate, inv.Fields.DueDate, string(lineItems),
		inv.Fields.TotalAmount, inv.Fields.Currency, inv.Fields.PaymentDetails,
		inv.State.String(), string(missing), string(inv.Decision), inv.DecisionReason, inv.Approver,
		inv.CostCenter, inv.TransactionID, inv.ThreadRef, inv.TrackingRowRef,
		inv.FailureReason, string(actionSeq), inv.RetryCount,
		inv.CreatedAt, inv.LastTransitionAt, inv.Version,
	)
	if err != nil {
		r.logger.Error("Failed to create invoice", zap.String("invoice_id", inv.ID), zap.Error(err))
		return fmt.Errorf("failed to create invoice: %w", err)
	}

	return nil
}

// Update writes the invoice back with an optimistic version check.
// Returns ErrVersionConflict if another writer got there first.
func (r *InvoiceRepository) Update(ctx context.Context, tx *sql.Tx, inv *invoice.Invoice) error {
	lineItems, err := json.Marshal(inv.Fields.LineItems)
	if err != nil {
		return fmt.Errorf("failed to marshal line items: %w", err)
	}
	missing, err := json.Marshal(inv.MissingFields)
	if err != nil {
		return fmt.Errorf("failed to marshal missing fields: %w", err)
	}
	actionSeq, err := json.Marshal(inv.ActionSeq)
	if err != nil {
		return fmt.Errorf("failed to marshal action seq: %w", err)
	}

	query := `
		UPDATE invoices SET
			source_thread_id = ?, sender = ?,
			vendor = ?, invoice_number = ?, invoice_date = ?, due_date = ?, line_items = ?,
			total_amount = ?, currency = ?, payment_details = ?,
			state = ?, missing_fields = ?, decision = ?, decision_reason = ?, approver = ?,
			cost_center = ?, transaction_id = ?, thread_ref = ?, tracking_row_ref = ?,
			failure_reason = ?, action_seq = ?, retry_count = ?,
			last_transition_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`

	result, err := r.execer(tx).ExecContext(ctx, query,
		inv.SourceThreadID, inv.Sender,
		inv.Fields.Vendor, inv.Fields.InvoiceNumber, inv.Fields.InvoiceDate, inv.Fields.DueDate, string(lineItems),
		inv.Fields.TotalAmount, inv.Fields.Currency, inv.Fields.PaymentDetails,
		inv.State.String(), string(missing), string(inv.Decision), inv.DecisionReason, inv.Approver,
		inv.CostCenter, inv.TransactionID, inv.ThreadRef, inv.TrackingRowRef,
		inv.FailureReason, string(actionSeq), inv.RetryCount,
		inv.LastTransitionAt,
		inv.ID, inv.Version,
	)
	if err != nil {
		r.logger.Error("Failed to update invoice", zap.String("invoice_id", inv.ID), zap.Error(err))
		return fmt.Errorf("failed to update invoice: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: invoice %s version %d", ErrVersionConflict, inv.ID, inv.Version)
	}

	inv.Version++
	return nil
}

// GetByID retrieves an invoice by id, or nil when absent.
func (r *InvoiceRepository) GetByID(ctx context.Context, id string) (*invoice.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = ?`
	inv, err := r.scanInvoice(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get invoice by id", zap.String("invoice_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

// GetByThreadRef resolves the invoice owning an approval thread.
func (r *InvoiceRepository) GetByThreadRef(ctx context.Context, threadRef string) (*invoice.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE thread_ref = ?`
	inv, err := r.scanInvoice(r.db.QueryRowContext(ctx, query, threadRef))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get invoice by thread ref", zap.String("thread_ref", threadRef), zap.Error(err))
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

// GetBySourceThread resolves the invoice ingested from a mail thread.
func (r *InvoiceRepository) GetBySourceThread(ctx context.Context, threadID string) (*invoice.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE source_thread_id = ? ORDER BY created_at DESC LIMIT 1`
	inv, err := r.scanInvoice(r.db.QueryRowContext(ctx, query, threadID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

// ListByState returns invoices currently in any of the given states.
func (r *InvoiceRepository) ListByState(ctx context.Context, states ...lifecycle.State) ([]*invoice.Invoice, error) {
	if len(states) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE state IN (` + placeholders + `) ORDER BY created_at`

	args := make([]any, len(states))
	for i, s := range states {
		args[i] = s.String()
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list invoices by state", zap.Error(err))
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*invoice.Invoice
	for rows.Next() {
		inv, err := r.scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// RecordTransition appends a row to the invoice's state history.
func (r *InvoiceRepository) RecordTransition(ctx context.Context, tx *sql.Tx, invoiceID string, from, to lifecycle.State, eventKind string) error {
	query := `INSERT INTO transition_history (invoice_id, from_state, to_state, event_kind) VALUES (?, ?, ?, ?)`
	_, err := r.execer(tx).ExecContext(ctx, query, invoiceID, from.String(), to.String(), eventKind)
	if err != nil {
		r.logger.Error("Failed to record transition",
			zap.String("invoice_id", invoiceID),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Error(err))
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// History returns the ordered transition history for an invoice.
func (r *InvoiceRepository) History(ctx context.Context, invoiceID string) ([]Transition, error) {
	query := `SELECT from_state, to_state, event_kind FROM transition_history WHERE invoice_id = ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var history []Transition
	for rows.Next() {
		var tr Transition
		var from, to string
		if err := rows.Scan(&from, &to, &tr.EventKind); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		tr.FromState = lifecycle.State(from)
		tr.ToState = lifecycle.State(to)
		history = append(history, tr)
	}
	return history, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *InvoiceRepository) scanInvoice(row rowScanner) (*invoice.Invoice, error) {
	var inv invoice.Invoice
	var state, decision, lineItems, missing, actionSeq string

	err := row.Scan(
		&inv.ID, &inv.SourceMessageID, &inv.SourceThreadID, &inv.Sender,
		&inv.Fields.Vendor, &inv.Fields.InvoiceNumber, &inv.Fields.InvoiceDate, &inv.Fields.DueDate, &lineItems,
		&inv.Fields.TotalAmount, &inv.Fields.Currency, &inv.Fields.PaymentDetails,
		&state, &missing, &decision, &inv.DecisionReason, &inv.Approver,
		&inv.CostCenter, &inv.TransactionID, &inv.ThreadRef, &inv.TrackingRowRef,
		&inv.FailureReason, &actionSeq, &inv.RetryCount,
		&inv.CreatedAt, &inv.LastTransitionAt, &inv.Version,
	)
	if err != nil {
		return nil, err
	}

	inv.State = lifecycle.State(state)
	inv.Decision = invoice.Decision(decision)
	if err := json.Unmarshal([]byte(lineItems), &inv.Fields.LineItems); err != nil {
		return nil, fmt.Errorf("failed to unmarshal line items: %w", err)
	}
	if err := json.Unmarshal([]byte(missing), &inv.MissingFields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal missing fields: %w", err)
	}
	if err := json.Unmarshal([]byte(actionSeq), &inv.ActionSeq); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action seq: %w", err)
	}

	return &inv, nil
}

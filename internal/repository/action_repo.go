package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/invoice-orchestrator/internal/domain/command"
)

// Intent statuses. An intent is written before its command is executed;
// delivered marks the external effect as applied.
const (
	IntentPending   = "pending"
	IntentDelivered = "delivered"
	IntentFailed    = "failed"
)

// ActionIntent is the durable two-phase record of a command: written as
// "pending" in the same transaction as the state change, marked
// "delivered" after the sink call succeeds.
type ActionIntent struct {
	Token       string
	InvoiceID   string
	Kind        command.Kind
	Payload     map[string]string
	Status      string
	Attempts    int
	Ref         string
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

// Command rebuilds the executable command from the intent.
func (i *ActionIntent) Command() command.Command {
	return command.Command{
		Token:     i.Token,
		InvoiceID: i.InvoiceID,
		Kind:      i.Kind,
		Payload:   i.Payload,
	}
}

// ActionRepository handles action-intent database operations
type ActionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewActionRepository creates a new action repository
func NewActionRepository(db *sql.DB, logger *zap.Logger) *ActionRepository {
	return &ActionRepository{
		db:     db,
		logger: logger,
	}
}

func (r *ActionRepository) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.db
}

// CreateIntent records a command as pending. A token that already exists
// is left untouched: the occurrence counter guarantees a token is issued
// once per logical action, so a duplicate insert is a replay.
func (r *ActionRepository) CreateIntent(ctx context.Context, tx *sql.Tx, cmd command.Command) error {
	payload, err := json.Marshal(cmd.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO action_intents (token, invoice_id, kind, payload, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token) DO NOTHING
	`
	_, err = r.execer(tx).ExecContext(ctx, query, cmd.Token, cmd.InvoiceID, cmd.Kind.String(), string(payload), IntentPending)
	if err != nil {
		r.logger.Error("Failed to create action intent", zap.String("token", cmd.Token), zap.Error(err))
		return fmt.Errorf("failed to create action intent: %w", err)
	}
	return nil
}

// IsDelivered reports whether the token's effect is already applied.
func (r *ActionRepository) IsDelivered(ctx context.Context, token string) (bool, error) {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM action_intents WHERE token = ?`, token).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check token: %w", err)
	}
	return status == IntentDelivered, nil
}

// MarkDelivered records a successful sink call and the sink's reference.
func (r *ActionRepository) MarkDelivered(ctx context.Context, token, ref string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE action_intents SET status = ?, ref = ?, delivered_at = ? WHERE token = ?`,
		IntentDelivered, ref, time.Now().UTC(), token)
	if err != nil {
		r.logger.Error("Failed to mark intent delivered", zap.String("token", token), zap.Error(err))
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return nil
}

// MarkFailed records a permanently failed intent.
func (r *ActionRepository) MarkFailed(ctx context.Context, token, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE action_intents SET status = ?, failure_reason = ? WHERE token = ?`,
		IntentFailed, reason, token)
	if err != nil {
		r.logger.Error("Failed to mark intent failed", zap.String("token", token), zap.Error(err))
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	return nil
}

// IncrementAttempts bumps the retry counter for observability.
func (r *ActionRepository) IncrementAttempts(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE action_intents SET attempts = attempts + 1 WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to increment attempts: %w", err)
	}
	return nil
}

// Pending returns intents written but never confirmed delivered. On
// restart these are safely retried through their original tokens.
func (r *ActionRepository) Pending(ctx context.Context) ([]*ActionIntent, error) {
	query := `
		SELECT token, invoice_id, kind, payload, status, attempts, ref, created_at
		FROM action_intents WHERE status = ? ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query, IntentPending)
	if err != nil {
		r.logger.Error("Failed to list pending intents", zap.Error(err))
		return nil, fmt.Errorf("failed to list pending intents: %w", err)
	}
	defer rows.Close()

	var intents []*ActionIntent
	for rows.Next() {
		var intent ActionIntent
		var kind, payload string
		if err := rows.Scan(&intent.Token, &intent.InvoiceID, &kind, &payload, &intent.Status, &intent.Attempts, &intent.Ref, &intent.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		intent.Kind = command.Kind(kind)
		if err := json.Unmarshal([]byte(payload), &intent.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		intents = append(intents, &intent)
	}
	return intents, rows.Err()
}

// DeliveredCount returns how many actions of a kind were delivered for
// an invoice. Used by tests to assert at-most-once effects.
func (r *ActionRepository) DeliveredCount(ctx context.Context, invoiceID string, kind command.Kind) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM action_intents WHERE invoice_id = ? AND kind = ? AND status = ?`,
		invoiceID, kind.String(), IntentDelivered).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count delivered: %w", err)
	}
	return count, nil
}

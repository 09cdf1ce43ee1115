package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CursorRepository persists per-watcher cursors and the set of source
// messages already turned into events, so watchers resume correctly
// after a restart instead of replaying their sources from scratch.
type CursorRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCursorRepository creates a new cursor repository
func NewCursorRepository(db *sql.DB, logger *zap.Logger) *CursorRepository {
	return &CursorRepository{
		db:     db,
		logger: logger,
	}
}

// Get returns the persisted cursor for a watcher, empty when unset.
func (r *CursorRepository) Get(ctx context.Context, watcher string) (string, error) {
	var cursor string
	err := r.db.QueryRowContext(ctx, `SELECT cursor FROM watch_cursors WHERE watcher = ?`, watcher).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get cursor: %w", err)
	}
	return cursor, nil
}

// Set stores the cursor for a watcher.
func (r *CursorRepository) Set(ctx context.Context, watcher, cursor string) error {
	query := `
		INSERT INTO watch_cursors (watcher, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(watcher) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query, watcher, cursor, time.Now().UTC())
	if err != nil {
		r.logger.Error("Failed to set cursor", zap.String("watcher", watcher), zap.Error(err))
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}

// IsProcessed reports whether a source message was already consumed.
func (r *CursorRepository) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM processed_messages WHERE message_id = ?`, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check processed message: %w", err)
	}
	return true, nil
}

// MarkProcessed records a source message as consumed.
func (r *CursorRepository) MarkProcessed(ctx context.Context, messageID, invoiceID string) error {
	query := `INSERT INTO processed_messages (message_id, invoice_id) VALUES (?, ?) ON CONFLICT(message_id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, messageID, invoiceID)
	if err != nil {
		r.logger.Error("Failed to mark message processed", zap.String("message_id", messageID), zap.Error(err))
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	return nil
}

// Package port declares the interfaces the orchestration core expects
// from its external collaborators. The core is transport-agnostic over
// these; adapters live under internal/adapter.
package port

import (
	"context"
	"errors"

	"github.com/garyjia/invoice-orchestrator/internal/domain/invoice"
)

// ExtractionResult is the structured output of the document
// intelligence service.
type ExtractionResult struct {
	Fields     invoice.Fields
	Confidence float64
}

// Typed extraction failures. Anything else returned by an implementation
// is treated as transient and retried by the executor.
var (
	ErrDocumentUnreadable = errors.New("document unreadable")
	ErrUnsupportedFormat  = errors.New("unsupported document format")
)

// DocumentIntelligence extracts structured invoice fields from raw
// document bytes.
type DocumentIntelligence interface {
	Extract(ctx context.Context, data []byte, mimeType string) (*ExtractionResult, error)
}

// InboxMessage is one message observed in the mailbox.
type InboxMessage struct {
	MessageID   string
	ThreadID    string
	Sender      string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Attachment is a named blob attached to an inbox message.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// MailboxSource produces messages since a cursor. The consumer advances
// the cursor only after successful processing, so delivery is
// at-least-once and the watcher must dedupe.
type MailboxSource interface {
	Poll(ctx context.Context, cursor string) (messages []InboxMessage, nextCursor string, err error)
	// Reply posts a message into an existing mail thread (used for
	// missing-info requests back to the invoice sender).
	Reply(ctx context.Context, threadID, body string) (messageRef string, err error)
}

// TrackingRow is the ledger projection of an invoice.
type TrackingRow struct {
	InvoiceID     string
	Vendor        string
	InvoiceNumber string
	InvoiceDate   string
	DueDate       string
	TotalAmount   float64
	Currency      string
	Status        string
	Approver      string
	CostCenter    string
	Reason        string
	TransactionID string
}

// TrackingSink appends or updates a ledger row keyed by invoice id.
// Upsert is idempotent by invoice id.
type TrackingSink interface {
	Upsert(ctx context.Context, row TrackingRow) (rowRef string, err error)
}

// ChannelMessage is one message observed in an approval thread.
type ChannelMessage struct {
	MessageRef string
	ThreadRef  string
	Sender     string
	Text       string
}

// ApprovalChannel posts into and watches the human approval conversation.
type ApprovalChannel interface {
	// Post sends text; an empty threadRef opens a new thread. Returns a
	// reference usable as the thread handle.
	Post(ctx context.Context, threadRef, text string) (messageRef string, err error)
	// Watch returns messages newer than the cursor for a thread.
	Watch(ctx context.Context, threadRef, cursor string) (messages []ChannelMessage, nextCursor string, err error)
}

// PaymentStatus is the lookup verdict for a transaction id.
type PaymentStatus string

const (
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentPending   PaymentStatus = "pending"
	PaymentNotFound  PaymentStatus = "not_found"
)

// PaymentLookupResult carries the verdict plus the settled amount for
// cross-checking against the invoice total.
type PaymentLookupResult struct {
	Status   PaymentStatus
	Amount   float64
	Currency string
}

// PaymentLookup resolves a transaction id against the payment network.
type PaymentLookup interface {
	Lookup(ctx context.Context, transactionID string) (*PaymentLookupResult, error)
}

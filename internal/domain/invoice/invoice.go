package invoice

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/garyjia/invoice-orchestrator/internal/domain/lifecycle"
)

// Decision is the approver's verdict on an invoice
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// LineItem is a single ordered position on an invoice
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

// Fields holds the extracted document fields. Zero values mean
// "not extracted yet"; RequiredMissing reports which are still absent.
type Fields struct {
	Vendor         string     `json:"vendor"`
	InvoiceNumber  string     `json:"invoice_number"`
	InvoiceDate    string     `json:"invoice_date"` // YYYY-MM-DD
	DueDate        string     `json:"due_date"`     // YYYY-MM-DD
	LineItems      []LineItem `json:"line_items"`
	TotalAmount    float64    `json:"total_amount"`
	Currency       string     `json:"currency"`
	PaymentDetails string     `json:"payment_details"` // bank / account reference
}

// Invoice is the central aggregate. The durable store owns the canonical
// record; everything else works on read-derived copies and writes back
// through the orchestrator.
type Invoice struct {
	ID              string
	SourceMessageID string
	SourceThreadID  string
	Sender          string

	Fields Fields

	State            lifecycle.State
	MissingFields    []string
	Decision         Decision
	DecisionReason   string
	Approver         string
	CostCenter       string
	TransactionID    string
	ThreadRef        string // approval conversation handle
	TrackingRowRef   string // ledger entry handle
	FailureReason    string
	ActionSeq        map[string]int // action kind -> occurrences issued
	RetryCount       int
	CreatedAt        time.Time
	LastTransitionAt time.Time
	Version          int64
}

// requiredFields are the fields an invoice must carry before it can be
// staged for approval.
var requiredFields = []string{
	"vendor",
	"invoice_number",
	"invoice_date",
	"total_amount",
	"currency",
	"payment_details",
}

// New creates an invoice in the INGESTED state.
func New(id, messageID, threadID, sender string, now time.Time) *Invoice {
	return &Invoice{
		ID:               id,
		SourceMessageID:  messageID,
		SourceThreadID:   threadID,
		Sender:           sender,
		State:            lifecycle.StateIngested,
		Decision:         DecisionPending,
		ActionSeq:        make(map[string]int),
		CreatedAt:        now,
		LastTransitionAt: now,
	}
}

// DeriveID builds a stable invoice id from the source message id and the
// attachment content so re-sent emails dedupe to the same invoice.
func DeriveID(messageID string, attachment []byte) string {
	h := sha256.New()
	h.Write([]byte(messageID))
	h.Write(attachment)
	return "inv-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// RequiredMissing returns the required fields not yet present.
func (f Fields) RequiredMissing() []string {
	var missing []string
	if f.Vendor == "" {
		missing = append(missing, "vendor")
	}
	if f.InvoiceNumber == "" {
		missing = append(missing, "invoice_number")
	}
	if f.InvoiceDate == "" {
		missing = append(missing, "invoice_date")
	}
	if f.TotalAmount == 0 {
		missing = append(missing, "total_amount")
	}
	if f.Currency == "" {
		missing = append(missing, "currency")
	}
	if f.PaymentDetails == "" {
		missing = append(missing, "payment_details")
	}
	return missing
}

// Merge overlays non-empty fields from other onto f, returning the result.
// Existing values are never blanked by an empty incoming value.
func (f Fields) Merge(other Fields) Fields {
	merged := f
	if other.Vendor != "" {
		merged.Vendor = other.Vendor
	}
	if other.InvoiceNumber != "" {
		merged.InvoiceNumber = other.InvoiceNumber
	}
	if other.InvoiceDate != "" {
		merged.InvoiceDate = other.InvoiceDate
	}
	if other.DueDate != "" {
		merged.DueDate = other.DueDate
	}
	if len(other.LineItems) > 0 {
		merged.LineItems = other.LineItems
	}
	if other.TotalAmount != 0 {
		merged.TotalAmount = other.TotalAmount
	}
	if other.Currency != "" {
		merged.Currency = other.Currency
	}
	if other.PaymentDetails != "" {
		merged.PaymentDetails = other.PaymentDetails
	}
	return merged
}

// NextOccurrence increments and returns the occurrence counter for an
// action kind. Occurrence counters make idempotency tokens deterministic.
func (inv *Invoice) NextOccurrence(kind string) int {
	if inv.ActionSeq == nil {
		inv.ActionSeq = make(map[string]int)
	}
	inv.ActionSeq[kind]++
	return inv.ActionSeq[kind]
}

// Clone returns a deep copy so the transition function can mutate freely.
func (inv *Invoice) Clone() *Invoice {
	cp := *inv
	cp.MissingFields = append([]string(nil), inv.MissingFields...)
	cp.Fields.LineItems = append([]LineItem(nil), inv.Fields.LineItems...)
	cp.ActionSeq = make(map[string]int, len(inv.ActionSeq))
	for k, v := range inv.ActionSeq {
		cp.ActionSeq[k] = v
	}
	return &cp
}

package command

import "fmt"

// Kind identifies a side-effecting action kind
type Kind string

const (
	KindExtractDocument         Kind = "extract_document"
	KindWriteTrackingRow        Kind = "write_tracking_row"
	KindUpdateTrackingStatus    Kind = "update_tracking_status"
	KindPostApprovalRequest     Kind = "post_approval_request"
	KindRequestMissingInfo      Kind = "request_missing_info"
	KindPostThreadReminder      Kind = "post_thread_reminder"
	KindPostCostCenterPrompt    Kind = "post_cost_center_prompt"
	KindNotifyClearedForPayment Kind = "notify_cleared_for_payment"
)

// String returns the string representation of the command kind
func (k Kind) String() string {
	return string(k)
}

// Command is an instruction to the action executor. Token is the
// idempotency key: re-executing a command whose token is already marked
// delivered produces no external effect.
type Command struct {
	Token     string
	InvoiceID string
	Kind      Kind
	// Payload carries the command-specific data the sink needs. Kept as
	// a flat string map so intents serialize cleanly into the store.
	Payload map[string]string
}

// Token derives the deterministic idempotency token for the occurrence'th
// issue of an action kind against an invoice.
func Token(invoiceID string, kind Kind, occurrence int) string {
	return fmt.Sprintf("%s:%s:%d", invoiceID, kind, occurrence)
}

// New builds a command with its derived token.
func New(invoiceID string, kind Kind, occurrence int, payload map[string]string) Command {
	if payload == nil {
		payload = make(map[string]string)
	}
	return Command{
		Token:     Token(invoiceID, kind, occurrence),
		InvoiceID: invoiceID,
		Kind:      kind,
		Payload:   payload,
	}
}

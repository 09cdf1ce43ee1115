package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/garyjia/invoice-orchestrator/internal/domain/invoice"
)

// Kind identifies the type of domain event
type Kind string

const (
	KindInvoiceEmailReceived       Kind = "invoice.email_received"
	KindExtractionCompleted        Kind = "invoice.extraction_completed"
	KindExtractionFailed           Kind = "invoice.extraction_failed"
	KindValidationInfoReceived     Kind = "invoice.validation_info_received"
	KindValidationReminderDue      Kind = "invoice.validation_reminder_due"
	KindApprovalDecisionReceived   Kind = "invoice.approval_decision_received"
	KindApprovalReminderDue        Kind = "invoice.approval_reminder_due"
	KindPaymentTransactionObserved Kind = "invoice.payment_transaction_observed"
	KindActionDelivered            Kind = "action.delivered"
	KindActionFailed               Kind = "action.failed"
	KindOperatorAbort              Kind = "invoice.operator_abort"
)

// String returns the string representation of the event kind
func (k Kind) String() string {
	return string(k)
}

// IsValid checks if the event kind is one of the defined constants
func (k Kind) IsValid() bool {
	switch k {
	case KindInvoiceEmailReceived,
		KindExtractionCompleted,
		KindExtractionFailed,
		KindValidationInfoReceived,
		KindValidationReminderDue,
		KindApprovalDecisionReceived,
		KindApprovalReminderDue,
		KindPaymentTransactionObserved,
		KindActionDelivered,
		KindActionFailed,
		KindOperatorAbort:
		return true
	default:
		return false
	}
}

// Event is a tagged domain event. OccurredAt is the single source of time
// for the transition function: replaying the same event reproduces the
// same deadlines and tokens.
type Event struct {
	ID            string
	Kind          Kind
	InvoiceID     string
	OccurredAt    time.Time
	CorrelationID string
	Payload       any
}

// New creates a domain event with a generated id.
func New(kind Kind, invoiceID string, occurredAt time.Time, payload any) *Event {
	return &Event{
		ID:            uuid.NewString(),
		Kind:          kind,
		InvoiceID:     invoiceID,
		OccurredAt:    occurredAt,
		CorrelationID: uuid.NewString(),
		Payload:       payload,
	}
}

// EmailReceived carries a newly observed invoice email.
type EmailReceived struct {
	MessageID  string
	ThreadID   string
	Sender     string
	Subject    string
	Attachment []byte
	MimeType   string
}

// ExtractionCompleted carries the structured fields returned by the
// document intelligence service. LowConfidence marks results that need
// human confirmation and are treated like missing fields.
type ExtractionCompleted struct {
	Fields        invoice.Fields
	Confidence    float64
	LowConfidence bool
}

// ExtractionFailed carries an unrecoverable extraction failure.
type ExtractionFailed struct {
	Reason string
}

// ValidationInfoReceived carries fields supplied by the sender in reply
// to a missing-info request.
type ValidationInfoReceived struct {
	Fields invoice.Fields
}

// ApprovalDecision carries a recognized decision reply from the approval
// thread. CostCenter may be empty on an approve, in which case the
// orchestrator re-prompts without transitioning.
type ApprovalDecision struct {
	Decision   invoice.Decision
	CostCenter string
	Reason     string
	Approver   string
}

// ReminderDue fires when a pending timer's deadline elapses. Exhausted is
// set once the bounded reminder budget is spent.
type ReminderDue struct {
	WaitKind  string
	Count     int
	Exhausted bool
}

// PaymentObserved carries a confirmed payment transaction.
type PaymentObserved struct {
	TransactionID string
	Amount        float64
	Currency      string
}

// ActionDelivered confirms a side-effecting command was delivered. Ref is
// the sink's handle for the effect (message ref, row ref).
type ActionDelivered struct {
	Token      string
	ActionKind string
	Ref        string
}

// ActionFailed reports a command whose retry budget is exhausted.
type ActionFailed struct {
	Token      string
	ActionKind string
	Reason     string
}

// OperatorAbort is an explicit force-termination by an operator.
type OperatorAbort struct {
	Reason string
}

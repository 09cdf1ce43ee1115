package orchestrator

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/garyjia/invoice-orchestrator/internal/domain/command"
	"github.com/garyjia/invoice-orchestrator/internal/domain/event"
	"github.com/garyjia/invoice-orchestrator/internal/domain/invoice"
	"github.com/garyjia/invoice-orchestrator/internal/domain/lifecycle"
	"github.com/garyjia/invoice-orchestrator/internal/domain/timer"
)

var (
	// ErrIllegalTransition is returned when an event would move an
	// invoice along an edge that is not in the lifecycle graph.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrUnknownEvent is returned for event kinds Decide does not handle.
	ErrUnknownEvent = errors.New("unknown event kind")
)

// Policy holds the wait and reminder parameters applied by the
// transition function. All values are injected so Decide stays
// deterministic and replayable.
type Policy struct {
	ValidationBusinessDays   int
	ValidationMaxReminders   int
	ApprovalReminderInterval time.Duration
}

// DefaultPolicy mirrors the product defaults: three business days with a
// single reminder for missing info, approval nudges every 24h forever.
func DefaultPolicy() Policy {
	return Policy{
		ValidationBusinessDays:   3,
		ValidationMaxReminders:   1,
		ApprovalReminderInterval: 24 * time.Hour,
	}
}

// TimerOp instructs the engine what to do with the invoice's pending timer.
type TimerOp int

const (
	TimerNone TimerOp = iota
	TimerSet
	TimerClear
)

// TimerChange is the optional pending-timer instruction of an outcome.
type TimerChange struct {
	Op    TimerOp
	Timer *timer.PendingTimer
}

// Hop is one state change produced by a single event. An event may chain
// hops (APPROVED immediately enters AWAITING_PAYMENT).
type Hop struct {
	From lifecycle.State
	To   lifecycle.State
}

// Outcome is the full result of applying one event to one invoice.
type Outcome struct {
	Invoice       *invoice.Invoice
	Hops          []Hop
	Commands      []command.Command
	Timer         TimerChange
	Discarded     bool
	DiscardReason string
}

// Decide is the transition function: given the current invoice record
// and a domain event it produces the new record, the commands to hand to
// the action executor and a pending-timer instruction. It is pure: all
// non-determinism (time, references) arrives inside the event, so
// replaying the same inputs reproduces the same outputs.
//
// inv is nil only for events that create an invoice. Events that do not
// match an expected shape for the current state return a discarded
// outcome and leave state untouched.
func Decide(inv *invoice.Invoice, evt *event.Event, policy Policy) (*Outcome, error) {
	o := &Outcome{}
	if inv != nil {
		o.Invoice = inv.Clone()
	}

	switch evt.Kind {
	case event.KindInvoiceEmailReceived:
		return o.onEmailReceived(evt)
	case event.KindExtractionCompleted:
		return o.onExtractionCompleted(evt, policy)
	case event.KindExtractionFailed:
		return o.onExtractionFailed(evt)
	case event.KindValidationInfoReceived:
		return o.onValidationInfoReceived(evt, policy)
	case event.KindValidationReminderDue:
		return o.onValidationReminderDue(evt, policy)
	case event.KindActionDelivered:
		return o.onActionDelivered(evt, policy)
	case event.KindApprovalReminderDue:
		return o.onApprovalReminderDue(evt, policy)
	case event.KindApprovalDecisionReceived:
		return o.onApprovalDecision(evt, policy)
	case event.KindPaymentTransactionObserved:
		return o.onPaymentObserved(evt)
	case event.KindActionFailed:
		return o.onActionFailed(evt)
	case event.KindOperatorAbort:
		return o.onOperatorAbort(evt)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, evt.Kind)
	}
}

func (o *Outcome) discard(reason string) (*Outcome, error) {
	o.Discarded = true
	o.DiscardReason = reason
	o.Hops = nil
	o.Commands = nil
	o.Timer = TimerChange{}
	return o, nil
}

func (o *Outcome) moveTo(target lifecycle.State, at time.Time) error {
	from := o.Invoice.State
	if !from.CanTransition(target) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, target)
	}
	o.Invoice.State = target
	o.Invoice.LastTransitionAt = at
	o.Hops = append(o.Hops, Hop{From: from, To: target})
	return nil
}

func (o *Outcome) issue(kind command.Kind, payload map[string]string) {
	occ := o.Invoice.NextOccurrence(kind.String())
	o.Commands = append(o.Commands, command.New(o.Invoice.ID, kind, occ, payload))
}

func (o *Outcome) setTimer(t *timer.PendingTimer) {
	o.Timer = TimerChange{Op: TimerSet, Timer: t}
}

func (o *Outcome) clearTimer() {
	o.Timer = TimerChange{Op: TimerClear}
}

func (o *Outcome) onEmailReceived(evt *event.Event) (*Outcome, error) {
	p, ok := evt.Payload.(*event.EmailReceived)
	if !ok {
		return o.discard("malformed email payload")
	}
	if o.Invoice != nil {
		// Same invoice id means the same message and attachment were
		// seen before; re-sent mails are deduplicated here.
		return o.discard("invoice already exists")
	}

	o.Invoice = invoice.New(evt.InvoiceID, p.MessageID, p.ThreadID, p.Sender, evt.OccurredAt)
	if err := o.moveTo(lifecycle.StateExtracting, evt.OccurredAt); err != nil {
		return nil, err
	}

	o.issue(command.KindExtractDocument, map[string]string{
		"mime":         p.MimeType,
		"document_b64": base64.StdEncoding.EncodeToString(p.Attachment),
	})
	return o, nil
}

func (o *Outcome) onExtractionCompleted(evt *event.Event, policy Policy) (*Outcome, error) {
	p, ok := evt.Payload.(*event.ExtractionCompleted)
	if !ok || o.Invoice == nil {
		return o.discard("malformed extraction payload")
	}
	if o.Invoice.State != lifecycle.StateExtracting {
		return o.discard("extraction result outside EXTRACTING")
	}

	o.Invoice.Fields = o.Invoice.Fields.Merge(p.Fields)
	if err := o.moveTo(lifecycle.StateValidating, evt.OccurredAt); err != nil {
		return nil, err
	}

	return o.evaluateValidation(evt, policy, p.LowConfidence)
}

func (o *Outcome) onExtractionFailed(evt *event.Event) (*Outcome, error) {
	p, ok := evt.Payload.(*event.ExtractionFailed)
	if !ok || o.Invoice == nil {
		return o.discard("malformed extraction failure payload")
	}
	if o.Invoice.State != lifecycle.StateExtracting {
		return o.discard("extraction failure outside EXTRACTING")
	}
	return o.fail(evt, "extraction failed: "+p.Reason)
}

func (o *Outcome) onValidationInfoReceived(evt *event.Event, policy Policy) (*Outcome, error) {
	p, ok := evt.Payload.(*event.ValidationInfoReceived)
	if !ok || o.Invoice == nil {
		return o.discard("malformed validation info payload")
	}
	if o.Invoice.State != lifecycle.StateAwaitingInfo {
		return o.discard("validation info outside AWAITING_INFO")
	}

	o.Invoice.Fields = o.Invoice.Fields.Merge(p.Fields)
	if err := o.moveTo(lifecycle.StateValidating, evt.OccurredAt); err != nil {
		return nil, err
	}
	return o.evaluateValidation(evt, policy, false)
}

// evaluateValidation runs immediately after any move into VALIDATING: no
// extra event is needed to progress to STAGED or AWAITING_INFO.
func (o *Outcome) evaluateValidation(evt *event.Event, policy Policy, lowConfidence bool) (*Outcome, error) {
	missing := o.Invoice.Fields.RequiredMissing()
	if lowConfidence {
		// Low-confidence extraction needs human confirmation and is
		// treated the same as missing fields.
		missing = append(missing, "manual_confirmation")
	}
	o.Invoice.MissingFields = missing

	if len(missing) == 0 {
		if err := o.moveTo(lifecycle.StateStaged, evt.OccurredAt); err != nil {
			return nil, err
		}
		o.issue(command.KindWriteTrackingRow, o.trackingPayload("staged"))
		o.issue(command.KindPostApprovalRequest, map[string]string{
			"text": o.approvalRequestText(),
		})
		// The approval wait begins once the request is confirmed
		// posted; until then the pending intent is the outstanding work.
		o.clearTimer()
		return o, nil
	}

	if err := o.moveTo(lifecycle.StateAwaitingInfo, evt.OccurredAt); err != nil {
		return nil, err
	}
	o.issue(command.KindRequestMissingInfo, map[string]string{
		"thread_id": o.Invoice.SourceThreadID,
		"text":      o.missingInfoText(missing),
	})

	deadline := timer.AddBusinessDays(evt.OccurredAt, policy.ValidationBusinessDays)
	o.setTimer(&timer.PendingTimer{
		InvoiceID:     o.Invoice.ID,
		WaitKind:      timer.WaitValidation,
		Deadline:      deadline,
		ReminderCount: 0,
		MaxReminders:  policy.ValidationMaxReminders,
		Interval:      deadline.Sub(evt.OccurredAt),
	})
	return o, nil
}

func (o *Outcome) onValidationReminderDue(evt *event.Event, policy Policy) (*Outcome, error) {
	p, ok := evt.Payload.(*event.ReminderDue)
	if !ok || o.Invoice == nil {
		return o.discard("malformed reminder payload")
	}
	if o.Invoice.State != lifecycle.StateAwaitingInfo {
		return o.discard("validation reminder outside AWAITING_INFO")
	}

	if p.Exhausted {
		return o.fail(evt, "no response")
	}

	if err := o.moveTo(lifecycle.StateAwaitingInfo, evt.OccurredAt); err != nil {
		return nil, err
	}
	o.issue(command.KindRequestMissingInfo, map[string]string{
		"thread_id": o.Invoice.SourceThreadID,
		"text":      o.missingInfoText(o.Invoice.MissingFields),
	})

	deadline := timer.AddBusinessDays(evt.OccurredAt, policy.ValidationBusinessDays)
	o.setTimer(&timer.PendingTimer{
		InvoiceID:     o.Invoice.ID,
		WaitKind:      timer.WaitValidation,
		Deadline:      deadline,
		ReminderCount: p.Count,
		MaxReminders:  policy.ValidationMaxReminders,
		Interval:      deadline.Sub(evt.OccurredAt),
	})
	return o, nil
}

func (o *Outcome) onActionDelivered(evt *event.Event, policy Policy) (*Outcome, error) {
	p, ok := evt.Payload.(*event.ActionDelivered)
	if !ok || o.Invoice == nil {
		return o.discard("malformed delivery payload")
	}

	switch command.Kind(p.ActionKind) {
	case command.KindWriteTrackingRow:
		o.Invoice.TrackingRowRef = p.Ref
		return o, nil

	case command.KindPostApprovalRequest:
		if o.Invoice.State != lifecycle.StateStaged {
			return o.discard("approval request confirmed outside STAGED")
		}
		o.Invoice.ThreadRef = p.Ref
		if err := o.moveTo(lifecycle.StateAwaitingApproval, evt.OccurredAt); err != nil {
			return nil, err
		}
		o.setTimer(&timer.PendingTimer{
			InvoiceID:     o.Invoice.ID,
			WaitKind:      timer.WaitApproval,
			Deadline:      evt.OccurredAt.Add(policy.ApprovalReminderInterval),
			ReminderCount: 0,
			MaxReminders:  timer.Unbounded,
			Interval:      policy.ApprovalReminderInterval,
		})
		return o, nil

	default:
		// Deliveries of reminders, prompts and status updates carry no
		// state meaning; the intent record already captured them.
		return o, nil
	}
}

func (o *Outcome) onApprovalReminderDue(evt *event.Event, policy Policy) (*Outcome, error) {
	p, ok := evt.Payload.(*event.ReminderDue)
	if !ok || o.Invoice == nil {
		return o.discard("malformed reminder payload")
	}
	if o.Invoice.State != lifecycle.StateAwaitingApproval {
		return o.discard("approval reminder outside AWAITING_APPROVAL")
	}

	if err := o.moveTo(lifecycle.StateAwaitingApproval, evt.OccurredAt); err != nil {
		return nil, err
	}
	o.issue(command.KindPostThreadReminder, map[string]string{
		"thread_ref": o.Invoice.ThreadRef,
		"text": fmt.Sprintf("Reminder #%d: invoice %s from %s is still pending approval. Reply APPROVE <cost_center> or REJECT <reason>.",
			p.Count, o.Invoice.Fields.InvoiceNumber, o.Invoice.Fields.Vendor),
	})
	o.setTimer(&timer.PendingTimer{
		InvoiceID:     o.Invoice.ID,
		WaitKind:      timer.WaitApproval,
		Deadline:      evt.OccurredAt.Add(policy.ApprovalReminderInterval),
		ReminderCount: p.Count,
		MaxReminders:  timer.Unbounded,
		Interval:      policy.ApprovalReminderInterval,
	})
	return o, nil
}

func (o *Outcome) onApprovalDecision(evt *event.Event, policy Policy) (*Outcome, error) {
	p, ok := evt.Payload.(*event.ApprovalDecision)
	if !ok || o.Invoice == nil {
		return o.discard("malformed decision payload")
	}
	if o.Invoice.State != lifecycle.StateAwaitingApproval {
		return o.discard("decision outside AWAITING_APPROVAL")
	}

	switch p.Decision {
	case invoice.DecisionRejected:
		o.Invoice.Decision = invoice.DecisionRejected
		o.Invoice.DecisionReason = p.Reason
		o.Invoice.Approver = p.Approver
		if err := o.moveTo(lifecycle.StateRejected, evt.OccurredAt); err != nil {
			return nil, err
		}
		o.issue(command.KindUpdateTrackingStatus, o.trackingPayload("rejected"))
		o.clearTimer()
		return o, nil

	case invoice.DecisionApproved:
		if p.CostCenter == "" {
			// An approve with no cost center does not transition; the
			// approver is re-prompted in the same thread.
			o.issue(command.KindPostCostCenterPrompt, map[string]string{
				"thread_ref": o.Invoice.ThreadRef,
				"text":       "A cost center is required to approve. Please reply APPROVE <cost_center>.",
			})
			return o, nil
		}

		o.Invoice.Decision = invoice.DecisionApproved
		o.Invoice.CostCenter = p.CostCenter
		o.Invoice.Approver = p.Approver
		o.Invoice.DecisionReason = p.Reason
		if err := o.moveTo(lifecycle.StateApproved, evt.OccurredAt); err != nil {
			return nil, err
		}
		if err := o.moveTo(lifecycle.StateAwaitingPayment, evt.OccurredAt); err != nil {
			return nil, err
		}
		o.issue(command.KindUpdateTrackingStatus, o.trackingPayload("approved"))
		o.issue(command.KindNotifyClearedForPayment, map[string]string{
			"thread_ref": o.Invoice.ThreadRef,
			"text": fmt.Sprintf("Invoice %s approved for cost center %s and cleared for payment. Reply with the transaction id once paid.",
				o.Invoice.Fields.InvoiceNumber, p.CostCenter),
		})
		// The payment wait is reminder-free: only the payment watcher
		// resolves it, but the timer row keeps the wait visible.
		o.setTimer(&timer.PendingTimer{
			InvoiceID:    o.Invoice.ID,
			WaitKind:     timer.WaitPayment,
			Deadline:     evt.OccurredAt.Add(policy.ApprovalReminderInterval),
			MaxReminders: 0,
			Interval:     policy.ApprovalReminderInterval,
		})
		return o, nil

	default:
		return o.discard("unrecognized decision")
	}
}

func (o *Outcome) onPaymentObserved(evt *event.Event) (*Outcome, error) {
	p, ok := evt.Payload.(*event.PaymentObserved)
	if !ok || o.Invoice == nil {
		return o.discard("malformed payment payload")
	}
	if o.Invoice.State != lifecycle.StateAwaitingPayment {
		return o.discard("payment observed outside AWAITING_PAYMENT")
	}

	o.Invoice.TransactionID = p.TransactionID
	if err := o.moveTo(lifecycle.StateCompleted, evt.OccurredAt); err != nil {
		return nil, err
	}
	o.issue(command.KindUpdateTrackingStatus, o.trackingPayload("completed"))
	o.clearTimer()
	return o, nil
}

func (o *Outcome) onActionFailed(evt *event.Event) (*Outcome, error) {
	p, ok := evt.Payload.(*event.ActionFailed)
	if !ok || o.Invoice == nil {
		return o.discard("malformed action failure payload")
	}
	if o.Invoice.State.IsTerminal() {
		return o.discard("action failure for terminal invoice")
	}
	return o.fail(evt, fmt.Sprintf("action %s failed: %s", p.ActionKind, p.Reason))
}

func (o *Outcome) onOperatorAbort(evt *event.Event) (*Outcome, error) {
	p, ok := evt.Payload.(*event.OperatorAbort)
	if !ok || o.Invoice == nil {
		return o.discard("malformed abort payload")
	}
	if o.Invoice.State.IsTerminal() {
		return o.discard("abort for terminal invoice")
	}
	reason := p.Reason
	if reason == "" {
		reason = "operator abort"
	}
	return o.fail(evt, reason)
}

func (o *Outcome) fail(evt *event.Event, reason string) (*Outcome, error) {
	o.Invoice.FailureReason = reason
	if err := o.moveTo(lifecycle.StateFailed, evt.OccurredAt); err != nil {
		return nil, err
	}
	if o.Invoice.TrackingRowRef != "" {
		o.issue(command.KindUpdateTrackingStatus, o.trackingPayload("failed"))
	}
	o.clearTimer()
	return o, nil
}

func (o *Outcome) trackingPayload(status string) map[string]string {
	inv := o.Invoice
	return map[string]string{
		"status":         status,
		"vendor":         inv.Fields.Vendor,
		"invoice_number": inv.Fields.InvoiceNumber,
		"invoice_date":   inv.Fields.InvoiceDate,
		"due_date":       inv.Fields.DueDate,
		"total_amount":   strconv.FormatFloat(inv.Fields.TotalAmount, 'f', -1, 64),
		"currency":       inv.Fields.Currency,
		"approver":       inv.Approver,
		"cost_center":    inv.CostCenter,
		"reason":         firstNonEmpty(inv.DecisionReason, inv.FailureReason),
		"transaction_id": inv.TransactionID,
	}
}

func (o *Outcome) approvalRequestText() string {
	inv := o.Invoice
	return fmt.Sprintf(
		"New invoice pending approval\nVendor: %s\nInvoice: %s\nAmount: %s %s\nDue: %s\n\nReply APPROVE <cost_center> to approve or REJECT <reason> to reject.",
		inv.Fields.Vendor, inv.Fields.InvoiceNumber,
		strconv.FormatFloat(inv.Fields.TotalAmount, 'f', 2, 64), inv.Fields.Currency,
		inv.Fields.DueDate,
	)
}

func (o *Outcome) missingInfoText(missing []string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Invoice %s is missing required information:\n", o.Invoice.Fields.InvoiceNumber))
	for _, f := range missing {
		b.WriteString("- " + f + "\n")
	}
	b.WriteString("\nPlease reply with the missing details so processing can continue.")
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

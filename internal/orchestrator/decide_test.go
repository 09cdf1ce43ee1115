package orchestrator

import (
	"strings"
	"testing"
	"time"

	"github.com/garyjia/invoice-orchestrator/internal/domain/command"
	"github.com/garyjia/invoice-orchestrator/internal/domain/event"
	"github.com/garyjia/invoice-orchestrator/internal/domain/invoice"
	"github.com/garyjia/invoice-orchestrator/internal/domain/lifecycle"
	"github.com/garyjia/invoice-orchestrator/internal/domain/timer"
)

var testTime = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC) // a Monday

func completeFields() invoice.Fields {
	return invoice.Fields{
		Vendor:         "Acme Corp",
		InvoiceNumber:  "INV-1001",
		InvoiceDate:    "2025-05-30",
		DueDate:        "2025-06-30",
		TotalAmount:    1250.50,
		Currency:       "USD",
		PaymentDetails: "IBAN DE89370400440532013000",
	}
}

func emailEvent(invoiceID string) *event.Event {
	return event.New(event.KindInvoiceEmailReceived, invoiceID, testTime, &event.EmailReceived{
		MessageID:  "msg-1",
		ThreadID:   "thread-1",
		Sender:     "billing@acme.example",
		Subject:    "Invoice INV-1001",
		Attachment: []byte("%PDF-1.4 fake"),
		MimeType:   "application/pdf",
	})
}

func mustDecide(t *testing.T, inv *invoice.Invoice, evt *event.Event) *Outcome {
	t.Helper()
	out, err := Decide(inv, evt, DefaultPolicy())
	if err != nil {
		t.Fatalf("Decide(%s) returned error: %v", evt.Kind, err)
	}
	if out.Discarded {
		t.Fatalf("Decide(%s) discarded: %s", evt.Kind, out.DiscardReason)
	}
	return out
}

func commandKinds(out *Outcome) []command.Kind {
	kinds := make([]command.Kind, 0, len(out.Commands))
	for _, c := range out.Commands {
		kinds = append(kinds, c.Kind)
	}
	return kinds
}

func findCommand(out *Outcome, kind command.Kind) (command.Command, bool) {
	for _, c := range out.Commands {
		if c.Kind == kind {
			return c, true
		}
	}
	return command.Command{}, false
}

func TestDecide_HappyPath(t *testing.T) {
	// Email arrives: new invoice enters EXTRACTING with an extract command.
	out := mustDecide(t, nil, emailEvent("inv-happy"))
	if out.Invoice.State != lifecycle.StateExtracting {
		t.Fatalf("state after email = %s, want EXTRACTING", out.Invoice.State)
	}
	if len(out.Hops) != 1 || out.Hops[0].From != lifecycle.StateIngested {
		t.Fatalf("unexpected hops after email: %+v", out.Hops)
	}
	if _, ok := findCommand(out, command.KindExtractDocument); !ok {
		t.Fatalf("expected extract command, got %v", commandKinds(out))
	}
	inv := out.Invoice

	// Extraction completes with all fields: straight to STAGED.
	out = mustDecide(t, inv, event.New(event.KindExtractionCompleted, inv.ID, testTime, &event.ExtractionCompleted{
		Fields:     completeFields(),
		Confidence: 0.95,
	}))
	if out.Invoice.State != lifecycle.StateStaged {
		t.Fatalf("state after extraction = %s, want STAGED", out.Invoice.State)
	}
	if len(out.Hops) != 2 {
		t.Fatalf("expected EXTRACTING->VALIDATING->STAGED, got %+v", out.Hops)
	}
	if _, ok := findCommand(out, command.KindWriteTrackingRow); !ok {
		t.Fatalf("expected tracking row command, got %v", commandKinds(out))
	}
	if _, ok := findCommand(out, command.KindPostApprovalRequest); !ok {
		t.Fatalf("expected approval request command, got %v", commandKinds(out))
	}
	inv = out.Invoice

	// Tracking row delivery records the ref without a transition.
	out = mustDecide(t, inv, event.New(event.KindActionDelivered, inv.ID, testTime, &event.ActionDelivered{
		ActionKind: command.KindWriteTrackingRow.String(),
		Ref:        "Invoices!A2",
	}))
	if len(out.Hops) != 0 {
		t.Fatalf("tracking delivery must not transition, got %+v", out.Hops)
	}
	if out.Invoice.TrackingRowRef != "Invoices!A2" {
		t.Fatalf("tracking ref = %q", out.Invoice.TrackingRowRef)
	}
	inv = out.Invoice

	// Approval request confirmed posted: AWAITING_APPROVAL with an
	// unbounded reminder timer.
	out = mustDecide(t, inv, event.New(event.KindActionDelivered, inv.ID, testTime, &event.ActionDelivered{
		ActionKind: command.KindPostApprovalRequest.String(),
		Ref:        "om_thread_1",
	}))
	if out.Invoice.State != lifecycle.StateAwaitingApproval {
		t.Fatalf("state after approval post = %s, want AWAITING_APPROVAL", out.Invoice.State)
	}
	if out.Invoice.ThreadRef != "om_thread_1" {
		t.Fatalf("thread ref = %q", out.Invoice.ThreadRef)
	}
	if out.Timer.Op != TimerSet || out.Timer.Timer.WaitKind != timer.WaitApproval {
		t.Fatalf("expected approval timer, got %+v", out.Timer)
	}
	if out.Timer.Timer.MaxReminders != timer.Unbounded {
		t.Fatalf("approval reminders must be unbounded, got %d", out.Timer.Timer.MaxReminders)
	}
	inv = out.Invoice

	// Approve with a cost center: APPROVED chains into AWAITING_PAYMENT.
	out = mustDecide(t, inv, event.New(event.KindApprovalDecisionReceived, inv.ID, testTime, &event.ApprovalDecision{
		Decision:   invoice.DecisionApproved,
		CostCenter: "CC-443",
		Approver:   "ou_finance_lead",
	}))
	if out.Invoice.State != lifecycle.StateAwaitingPayment {
		t.Fatalf("state after approval = %s, want AWAITING_PAYMENT", out.Invoice.State)
	}
	if len(out.Hops) != 2 || out.Hops[0].To != lifecycle.StateApproved {
		t.Fatalf("expected APPROVED then AWAITING_PAYMENT, got %+v", out.Hops)
	}
	if _, ok := findCommand(out, command.KindUpdateTrackingStatus); !ok {
		t.Fatalf("expected tracking status update, got %v", commandKinds(out))
	}
	if _, ok := findCommand(out, command.KindNotifyClearedForPayment); !ok {
		t.Fatalf("expected cleared-for-payment notice, got %v", commandKinds(out))
	}
	if out.Timer.Op != TimerSet || !out.Timer.Timer.Silent() {
		t.Fatalf("payment wait must be reminder-free, got %+v", out.Timer)
	}
	inv = out.Invoice

	// Confirmed payment completes the invoice.
	out = mustDecide(t, inv, event.New(event.KindPaymentTransactionObserved, inv.ID, testTime, &event.PaymentObserved{
		TransactionID: "0x" + strings.Repeat("ab", 32),
		Amount:        1250.50,
		Currency:      "USD",
	}))
	if out.Invoice.State != lifecycle.StateCompleted {
		t.Fatalf("state after payment = %s, want COMPLETED", out.Invoice.State)
	}
	if out.Timer.Op != TimerClear {
		t.Fatalf("expected timer clear at completion, got %+v", out.Timer)
	}

	// The tracking row was created exactly once over the whole run.
	if inv.ActionSeq[command.KindWriteTrackingRow.String()] != 1 {
		t.Errorf("tracking row issued %d times, want 1", inv.ActionSeq[command.KindWriteTrackingRow.String()])
	}
	if inv.ActionSeq[command.KindPostApprovalRequest.String()] != 1 {
		t.Errorf("approval request issued %d times, want 1", inv.ActionSeq[command.KindPostApprovalRequest.String()])
	}
}

func TestDecide_MissingFieldsFlow(t *testing.T) {
	out := mustDecide(t, nil, emailEvent("inv-missing"))
	inv := out.Invoice

	fields := completeFields()
	fields.PaymentDetails = ""
	fields.Currency = ""

	out = mustDecide(t, inv, event.New(event.KindExtractionCompleted, inv.ID, testTime, &event.ExtractionCompleted{
		Fields:     fields,
		Confidence: 0.9,
	}))
	if out.Invoice.State != lifecycle.StateAwaitingInfo {
		t.Fatalf("state = %s, want AWAITING_INFO", out.Invoice.State)
	}
	if len(out.Invoice.MissingFields) != 2 {
		t.Fatalf("missing fields = %v", out.Invoice.MissingFields)
	}
	req, ok := findCommand(out, command.KindRequestMissingInfo)
	if !ok {
		t.Fatalf("expected missing-info request, got %v", commandKinds(out))
	}
	if req.Payload["thread_id"] != "thread-1" {
		t.Errorf("request targets thread %q, want thread-1", req.Payload["thread_id"])
	}

	// The wait is three business days: Monday + 3 = Thursday.
	if out.Timer.Op != TimerSet || out.Timer.Timer.WaitKind != timer.WaitValidation {
		t.Fatalf("expected validation timer, got %+v", out.Timer)
	}
	wantDeadline := time.Date(2025, 6, 5, 10, 0, 0, 0, time.UTC)
	if !out.Timer.Timer.Deadline.Equal(wantDeadline) {
		t.Errorf("deadline = %v, want %v", out.Timer.Timer.Deadline, wantDeadline)
	}
	inv = out.Invoice

	// Sender replies with the missing pieces: validation passes.
	out = mustDecide(t, inv, event.New(event.KindValidationInfoReceived, inv.ID, testTime, &event.ValidationInfoReceived{
		Fields: invoice.Fields{Currency: "USD", PaymentDetails: "Account 12345678"},
	}))
	if out.Invoice.State != lifecycle.StateStaged {
		t.Fatalf("state after info = %s, want STAGED", out.Invoice.State)
	}
	if len(out.Invoice.MissingFields) != 0 {
		t.Errorf("missing fields not cleared: %v", out.Invoice.MissingFields)
	}
}

func TestDecide_ValidationReminderThenTimeout(t *testing.T) {
	out := mustDecide(t, nil, emailEvent("inv-timeout"))
	inv := out.Invoice

	fields := completeFields()
	fields.Vendor = ""
	out = mustDecide(t, inv, event.New(event.KindExtractionCompleted, inv.ID, testTime, &event.ExtractionCompleted{
		Fields: fields, Confidence: 0.9,
	}))
	inv = out.Invoice
	requestsSoFar := inv.ActionSeq[command.KindRequestMissingInfo.String()]

	// First reminder: re-request in the same thread, stay AWAITING_INFO.
	out = mustDecide(t, inv, event.New(event.KindValidationReminderDue, inv.ID, testTime.Add(72*time.Hour), &event.ReminderDue{
		WaitKind: timer.WaitValidation.String(), Count: 1,
	}))
	if out.Invoice.State != lifecycle.StateAwaitingInfo {
		t.Fatalf("state after reminder = %s, want AWAITING_INFO", out.Invoice.State)
	}
	if _, ok := findCommand(out, command.KindRequestMissingInfo); !ok {
		t.Fatalf("expected repeated request, got %v", commandKinds(out))
	}
	if got := out.Invoice.ActionSeq[command.KindRequestMissingInfo.String()]; got != requestsSoFar+1 {
		t.Errorf("request occurrence = %d, want %d", got, requestsSoFar+1)
	}
	if out.Timer.Op != TimerSet || out.Timer.Timer.ReminderCount != 1 {
		t.Fatalf("reminder count not carried: %+v", out.Timer)
	}
	inv = out.Invoice

	// Budget exhausted: the invoice fails with "no response".
	out = mustDecide(t, inv, event.New(event.KindValidationReminderDue, inv.ID, testTime.Add(144*time.Hour), &event.ReminderDue{
		WaitKind: timer.WaitValidation.String(), Count: 2, Exhausted: true,
	}))
	if out.Invoice.State != lifecycle.StateFailed {
		t.Fatalf("state after exhaustion = %s, want FAILED", out.Invoice.State)
	}
	if out.Invoice.FailureReason != "no response" {
		t.Errorf("failure reason = %q, want %q", out.Invoice.FailureReason, "no response")
	}
	if out.Timer.Op != TimerClear {
		t.Errorf("expected timer clear on failure, got %+v", out.Timer)
	}
}

func TestDecide_LowConfidenceNeedsConfirmation(t *testing.T) {
	out := mustDecide(t, nil, emailEvent("inv-lowconf"))
	inv := out.Invoice

	out = mustDecide(t, inv, event.New(event.KindExtractionCompleted, inv.ID, testTime, &event.ExtractionCompleted{
		Fields:        completeFields(),
		Confidence:    0.3,
		LowConfidence: true,
	}))
	if out.Invoice.State != lifecycle.StateAwaitingInfo {
		t.Fatalf("state = %s, want AWAITING_INFO", out.Invoice.State)
	}
	found := false
	for _, f := range out.Invoice.MissingFields {
		if f == "manual_confirmation" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing fields = %v, want manual_confirmation entry", out.Invoice.MissingFields)
	}
}

func TestDecide_RejectRecordsReason(t *testing.T) {
	inv := stagedAwaitingApproval(t, "inv-reject")

	out := mustDecide(t, inv, event.New(event.KindApprovalDecisionReceived, inv.ID, testTime, &event.ApprovalDecision{
		Decision: invoice.DecisionRejected,
		Reason:   "duplicate invoice",
		Approver: "ou_finance_lead",
	}))
	if out.Invoice.State != lifecycle.StateRejected {
		t.Fatalf("state = %s, want REJECTED", out.Invoice.State)
	}
	if out.Invoice.DecisionReason != "duplicate invoice" {
		t.Errorf("reason = %q", out.Invoice.DecisionReason)
	}
	if _, ok := findCommand(out, command.KindUpdateTrackingStatus); !ok {
		t.Fatalf("expected tracking status update, got %v", commandKinds(out))
	}
	if out.Timer.Op != TimerClear {
		t.Errorf("expected timer clear, got %+v", out.Timer)
	}
}

func TestDecide_ApproveWithoutCostCenterReprompts(t *testing.T) {
	inv := stagedAwaitingApproval(t, "inv-nocc")

	out := mustDecide(t, inv, event.New(event.KindApprovalDecisionReceived, inv.ID, testTime, &event.ApprovalDecision{
		Decision: invoice.DecisionApproved,
		Approver: "ou_finance_lead",
	}))
	if out.Invoice.State != lifecycle.StateAwaitingApproval {
		t.Fatalf("state = %s, must stay AWAITING_APPROVAL", out.Invoice.State)
	}
	if len(out.Hops) != 0 {
		t.Fatalf("approve without cost center must not transition, got %+v", out.Hops)
	}
	if _, ok := findCommand(out, command.KindPostCostCenterPrompt); !ok {
		t.Fatalf("expected cost center prompt, got %v", commandKinds(out))
	}
}

func TestDecide_DuplicateEmailDiscarded(t *testing.T) {
	out := mustDecide(t, nil, emailEvent("inv-dup"))

	dup, err := Decide(out.Invoice, emailEvent("inv-dup"), DefaultPolicy())
	if err != nil {
		t.Fatalf("duplicate email returned error: %v", err)
	}
	if !dup.Discarded {
		t.Fatal("duplicate email must be discarded")
	}
}

func TestDecide_OutOfStateEventsDiscarded(t *testing.T) {
	out := mustDecide(t, nil, emailEvent("inv-order"))
	inv := out.Invoice // EXTRACTING

	tests := []struct {
		name string
		evt  *event.Event
	}{
		{"decision before staging", event.New(event.KindApprovalDecisionReceived, inv.ID, testTime, &event.ApprovalDecision{
			Decision: invoice.DecisionApproved, CostCenter: "CC-1",
		})},
		{"payment before approval", event.New(event.KindPaymentTransactionObserved, inv.ID, testTime, &event.PaymentObserved{
			TransactionID: "0x" + strings.Repeat("cd", 32),
		})},
		{"validation info outside awaiting info", event.New(event.KindValidationInfoReceived, inv.ID, testTime, &event.ValidationInfoReceived{
			Fields: completeFields(),
		})},
		{"approval reminder outside awaiting approval", event.New(event.KindApprovalReminderDue, inv.ID, testTime, &event.ReminderDue{
			WaitKind: timer.WaitApproval.String(), Count: 1,
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decide(inv, tt.evt, DefaultPolicy())
			if err != nil {
				t.Fatalf("Decide() error: %v", err)
			}
			if !got.Discarded {
				t.Error("out-of-state event must be discarded")
			}
			if got.Invoice.State != lifecycle.StateExtracting {
				t.Errorf("state changed to %s", got.Invoice.State)
			}
		})
	}
}

func TestDecide_ApprovalReminderRepeats(t *testing.T) {
	inv := stagedAwaitingApproval(t, "inv-nudge")

	out := mustDecide(t, inv, event.New(event.KindApprovalReminderDue, inv.ID, testTime.Add(24*time.Hour), &event.ReminderDue{
		WaitKind: timer.WaitApproval.String(), Count: 3,
	}))
	if out.Invoice.State != lifecycle.StateAwaitingApproval {
		t.Fatalf("state = %s", out.Invoice.State)
	}
	cmd, ok := findCommand(out, command.KindPostThreadReminder)
	if !ok {
		t.Fatalf("expected thread reminder, got %v", commandKinds(out))
	}
	if cmd.Payload["thread_ref"] != inv.ThreadRef {
		t.Errorf("reminder thread = %q, want %q", cmd.Payload["thread_ref"], inv.ThreadRef)
	}
	if out.Timer.Op != TimerSet || out.Timer.Timer.ReminderCount != 3 {
		t.Fatalf("timer not rescheduled with count: %+v", out.Timer)
	}
}

func TestDecide_OperatorAbort(t *testing.T) {
	inv := stagedAwaitingApproval(t, "inv-abort")

	out := mustDecide(t, inv, event.New(event.KindOperatorAbort, inv.ID, testTime, &event.OperatorAbort{
		Reason: "vendor blacklisted",
	}))
	if out.Invoice.State != lifecycle.StateFailed {
		t.Fatalf("state = %s, want FAILED", out.Invoice.State)
	}
	if out.Invoice.FailureReason != "vendor blacklisted" {
		t.Errorf("failure reason = %q", out.Invoice.FailureReason)
	}
}

func TestDecide_TokensAreDeterministic(t *testing.T) {
	out1 := mustDecide(t, nil, emailEvent("inv-token"))
	out2 := mustDecide(t, nil, emailEvent("inv-token"))

	if out1.Commands[0].Token != out2.Commands[0].Token {
		t.Errorf("replayed decision produced different tokens: %q vs %q",
			out1.Commands[0].Token, out2.Commands[0].Token)
	}
	want := command.Token("inv-token", command.KindExtractDocument, 1)
	if out1.Commands[0].Token != want {
		t.Errorf("token = %q, want %q", out1.Commands[0].Token, want)
	}
}

// stagedAwaitingApproval walks a fresh invoice to AWAITING_APPROVAL.
func stagedAwaitingApproval(t *testing.T, id string) *invoice.Invoice {
	t.Helper()

	out := mustDecide(t, nil, emailEvent(id))
	out = mustDecide(t, out.Invoice, event.New(event.KindExtractionCompleted, id, testTime, &event.ExtractionCompleted{
		Fields: completeFields(), Confidence: 0.95,
	}))
	out = mustDecide(t, out.Invoice, event.New(event.KindActionDelivered, id, testTime, &event.ActionDelivered{
		ActionKind: command.KindWriteTrackingRow.String(), Ref: "Invoices!A2",
	}))
	out = mustDecide(t, out.Invoice, event.New(event.KindActionDelivered, id, testTime, &event.ActionDelivered{
		ActionKind: command.KindPostApprovalRequest.String(), Ref: "om_thread_" + id,
	}))
	if out.Invoice.State != lifecycle.StateAwaitingApproval {
		t.Fatalf("setup reached %s, want AWAITING_APPROVAL", out.Invoice.State)
	}
	return out.Invoice
}

package watcher

import (
	"strings"
	"testing"

	"github.com/garyjia/invoice-orchestrator/internal/domain/invoice"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name           string
		text           string
		wantOK         bool
		wantVerdict    invoice.Decision
		wantCostCenter string
		wantReason     string
	}{
		{
			name:        "plain approve",
			text:        "approve",
			wantOK:      true,
			wantVerdict: invoice.DecisionApproved,
		},
		{
			name:           "approve with cc prefix",
			text:           "APPROVE CC-443",
			wantOK:         true,
			wantVerdict:    invoice.DecisionApproved,
			wantCostCenter: "443",
		},
		{
			name:           "approve with cost center phrase",
			text:           "approved, cost center: 7788",
			wantOK:         true,
			wantVerdict:    invoice.DecisionApproved,
			wantCostCenter: "7788",
		},
		{
			name:           "approve with bare numeric cost center",
			text:           "ok to pay 1234",
			wantOK:         true,
			wantVerdict:    invoice.DecisionApproved,
			wantCostCenter: "1234",
		},
		{
			name:        "lgtm counts as approve",
			text:        "lgtm",
			wantOK:      true,
			wantVerdict: invoice.DecisionApproved,
		},
		{
			name:        "plain reject",
			text:        "Reject",
			wantOK:      true,
			wantVerdict: invoice.DecisionRejected,
		},
		{
			name:        "reject with reason",
			text:        "rejected because duplicate invoice",
			wantOK:      true,
			wantVerdict: invoice.DecisionRejected,
			wantReason:  "duplicate invoice",
		},
		{
			name:        "do not pay phrasing",
			text:        "do not pay this one",
			wantOK:      true,
			wantVerdict: invoice.DecisionRejected,
		},
		{
			name:        "reject wins over approve on ambiguous text",
			text:        "can't approve this, reject it",
			wantOK:      true,
			wantVerdict: invoice.DecisionRejected,
		},
		{
			name:   "chatter carries no verdict",
			text:   "who is handling this vendor?",
			wantOK: false,
		},
		{
			name:   "empty text",
			text:   "",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseDecision(tt.text)
			if ok != tt.wantOK {
				t.Fatalf("ParseDecision(%q) ok = %v, want %v", tt.text, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Verdict != tt.wantVerdict {
				t.Errorf("Verdict = %v, want %v", got.Verdict, tt.wantVerdict)
			}
			if got.CostCenter != tt.wantCostCenter {
				t.Errorf("CostCenter = %q, want %q", got.CostCenter, tt.wantCostCenter)
			}
			if got.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestParseTransactionID(t *testing.T) {
	hash := "0x" + strings.Repeat("a1", 32)

	tests := []struct {
		name   string
		text   string
		want   string
		wantOK bool
	}{
		{"bare hash", hash, hash, true},
		{"hash inside sentence", "paid, tx " + hash + " confirmed", hash, true},
		{"too short", "0x" + strings.Repeat("a1", 16), "", false},
		{"no hash", "payment sent yesterday", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTransactionID(tt.text)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseTransactionID(%q) = (%q, %v), want (%q, %v)",
					tt.text, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestParseFieldUpdates(t *testing.T) {
	text := strings.Join([]string{
		"Hi, here are the missing details:",
		"vendor: Acme Corp",
		"Invoice Number = INV-9",
		"due_date: 2025-07-01",
		"total: USD 1,234.56",
		"IBAN: DE89370400440532013000",
		"color: blue",
	}, "\n")

	got, ok := ParseFieldUpdates(text)
	if !ok {
		t.Fatal("recognized fields reported as absent")
	}

	if got.Vendor != "Acme Corp" {
		t.Errorf("Vendor = %q", got.Vendor)
	}
	if got.InvoiceNumber != "INV-9" {
		t.Errorf("InvoiceNumber = %q", got.InvoiceNumber)
	}
	if got.DueDate != "2025-07-01" {
		t.Errorf("DueDate = %q", got.DueDate)
	}
	if got.TotalAmount != 1234.56 {
		t.Errorf("TotalAmount = %v", got.TotalAmount)
	}
	if got.Currency != "USD" {
		t.Errorf("Currency = %q", got.Currency)
	}
	if got.PaymentDetails != "DE89370400440532013000" {
		t.Errorf("PaymentDetails = %q", got.PaymentDetails)
	}
}

func TestParseFieldUpdatesIgnoresProse(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		wantOK bool
	}{
		{"bare acknowledgement", "thanks, will check and get back to you", false},
		{"empty reply", "", false},
		{"colon line with unknown key", "color: blue", false},
		{"single recognized field", "currency: EUR", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseFieldUpdates(tt.text)
			if ok != tt.wantOK {
				t.Fatalf("ParseFieldUpdates(%q) ok = %v, want %v", tt.text, ok, tt.wantOK)
			}
			if !ok && len(got.RequiredMissing()) != 6 {
				t.Errorf("unrecognized reply produced fields: %+v", got)
			}
		})
	}
}

func TestLooksLikeInvoiceDocument(t *testing.T) {
	tests := []struct {
		filename string
		mimeType string
		want     bool
	}{
		{"invoice.pdf", "application/pdf", true},
		{"scan.png", "image/png", true},
		{"photo.JPG", "application/octet-stream", true},
		{"invoice", "application/pdf", true},
		{"notes.txt", "text/plain", false},
		{"archive.zip", "application/zip", false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			if got := looksLikeInvoiceDocument(tt.filename, tt.mimeType); got != tt.want {
				t.Errorf("looksLikeInvoiceDocument(%q, %q) = %v, want %v",
					tt.filename, tt.mimeType, got, tt.want)
			}
		})
	}
}

package watcher

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/garyjia/invoice-orchestrator/internal/domain/invoice"
)

// Reply parsing for the human-facing channels. Decisions, cost centers,
// reasons and transaction ids are all free text typed by approvers, so
// recognition is keyword and pattern based. Anything unrecognized is
// ignored rather than guessed at.

var (
	approvePattern    = regexp.MustCompile(`(?i)\b(approve[d]?|lgtm|looks good|ok to pay|accept(ed)?)\b`)
	rejectPattern     = regexp.MustCompile(`(?i)\b(reject(ed)?|den(y|ied)|decline[d]?|do not pay)\b`)
	costCenterPattern = regexp.MustCompile(`(?i)(cc[-\s:]?\s*\w+|cost\s*center[:\s]*\w+|\b\d{3,6}\b)`)
	reasonPattern     = regexp.MustCompile(`(?i)(?:because|due to|reason[:\s])\s+(.+)`)
	txHashPattern     = regexp.MustCompile(`0x[a-fA-F0-9]{64}`)

	fieldLinePattern = regexp.MustCompile(`(?i)^\s*([a-z _-]+?)\s*[:=]\s*(.+?)\s*$`)
)

// Decision is a parsed approval reply.
type Decision struct {
	Verdict    invoice.Decision
	CostCenter string
	Reason     string
}

// ParseDecision recognizes an approve or reject in a channel reply.
// Returns false when the text carries neither verdict.
func ParseDecision(text string) (Decision, bool) {
	var d Decision

	// Reject wins on ambiguous text like "can't approve, reject".
	switch {
	case rejectPattern.MatchString(text):
		d.Verdict = invoice.DecisionRejected
	case approvePattern.MatchString(text):
		d.Verdict = invoice.DecisionApproved
	default:
		return d, false
	}

	if m := costCenterPattern.FindString(text); m != "" {
		d.CostCenter = normalizeCostCenter(m)
	}
	if m := reasonPattern.FindStringSubmatch(text); len(m) > 1 {
		d.Reason = strings.TrimSpace(m[1])
	}
	return d, true
}

func normalizeCostCenter(raw string) string {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	for _, prefix := range []string{"cost center", "cc"} {
		if strings.HasPrefix(lower, prefix) {
			s = s[len(prefix):]
			break
		}
	}
	return strings.ToUpper(strings.Trim(s, " :-\t"))
}

// ParseTransactionID extracts a payment transaction hash from a reply.
func ParseTransactionID(text string) (string, bool) {
	m := txHashPattern.FindString(text)
	return m, m != ""
}

// ParseFieldUpdates reads "key: value" lines from a mail reply into
// invoice fields. Unknown keys are skipped; the orchestrator merges the
// result onto the stored fields, so partial answers are fine. Returns
// false when no recognized field is present, so a bare acknowledgement
// is never mistaken for an answer.
func ParseFieldUpdates(text string) (invoice.Fields, bool) {
	var f invoice.Fields
	found := false

	for _, line := range strings.Split(text, "\n") {
		m := fieldLinePattern.FindStringSubmatch(line)
		if len(m) != 3 {
			continue
		}
		key := strings.ToLower(strings.Join(strings.Fields(strings.NewReplacer("_", " ", "-", " ").Replace(m[1])), " "))
		value := strings.TrimSpace(m[2])

		switch key {
		case "vendor", "supplier":
			f.Vendor = value
			found = true
		case "invoice number", "invoice no", "invoice":
			f.InvoiceNumber = value
			found = true
		case "invoice date", "date":
			f.InvoiceDate = value
			found = true
		case "due date", "due":
			f.DueDate = value
			found = true
		case "total", "total amount", "amount":
			if amount, ok := parseAmount(value); ok {
				f.TotalAmount = amount
				found = true
			}
			if cur := parseCurrency(value); cur != "" {
				f.Currency = cur
				found = true
			}
		case "currency":
			f.Currency = strings.ToUpper(value)
			found = true
		case "payment details", "bank", "bank details", "iban", "account":
			f.PaymentDetails = value
			found = true
		}
	}
	return f, found
}

var amountPattern = regexp.MustCompile(`[\d,]+(?:\.\d+)?`)

func parseAmount(value string) (float64, bool) {
	m := amountPattern.FindString(value)
	if m == "" {
		return 0, false
	}
	amount, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return amount, true
}

var currencyPattern = regexp.MustCompile(`(?i)\b(USD|EUR|GBP|CNY|JPY|HKD|SGD|AUD|CAD|CHF)\b`)

func parseCurrency(value string) string {
	return strings.ToUpper(currencyPattern.FindString(value))
}

// looksLikeInvoiceDocument reports whether an attachment should be
// ingested as an invoice candidate.
func looksLikeInvoiceDocument(filename, mimeType string) bool {
	switch mimeType {
	case "application/pdf", "image/png", "image/jpeg":
		return true
	}
	lower := strings.ToLower(filename)
	for _, ext := range []string{".pdf", ".png", ".jpg", ".jpeg"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

package timer

import "time"

// WaitKind names the wait a pending timer tracks.
type WaitKind string

const (
	WaitValidation WaitKind = "validation"
	WaitApproval   WaitKind = "approval"
	WaitPayment    WaitKind = "payment"
)

// String returns the string representation of the wait kind
func (k WaitKind) String() string {
	return string(k)
}

// Unbounded marks a reminder policy with no cap (approval waits).
const Unbounded = -1

// PendingTimer is a durable record of an outstanding wait. One row per
// (invoice id, wait kind). MaxReminders: a non-negative value bounds the
// reminder count (validation waits), Unbounded repeats indefinitely
// (approval waits), zero emits no reminders at all (payment waits, which
// only a watcher resolves).
type PendingTimer struct {
	InvoiceID     string
	WaitKind      WaitKind
	Deadline      time.Time
	ReminderCount int
	MaxReminders  int
	Interval      time.Duration
	Fired         bool
}

// Exhausted reports whether the reminder budget is spent.
func (t *PendingTimer) Exhausted() bool {
	return t.MaxReminders >= 0 && t.ReminderCount >= t.MaxReminders
}

// Silent reports whether this wait emits no reminder events.
func (t *PendingTimer) Silent() bool {
	return t.MaxReminders == 0
}

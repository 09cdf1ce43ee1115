package timer

import "testing"

func TestPendingTimerBudget(t *testing.T) {
	tests := []struct {
		name          string
		max           int
		count         int
		wantExhausted bool
		wantSilent    bool
	}{
		{"validation with budget left", 1, 0, false, false},
		{"validation budget spent", 1, 1, true, false},
		{"unbounded approval never exhausts", Unbounded, 100, false, false},
		{"silent payment wait", 0, 0, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pt := &PendingTimer{MaxReminders: tt.max, ReminderCount: tt.count}
			if got := pt.Exhausted(); got != tt.wantExhausted {
				t.Errorf("Exhausted() = %v, want %v", got, tt.wantExhausted)
			}
			if got := pt.Silent(); got != tt.wantSilent {
				t.Errorf("Silent() = %v, want %v", got, tt.wantSilent)
			}
		})
	}
}

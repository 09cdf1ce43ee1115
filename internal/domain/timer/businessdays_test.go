package timer

import (
	"testing"
	"time"
)

func TestAddBusinessDays(t *testing.T) {
	tests := []struct {
		name     string
		start    string
		days     int
		expected string
	}{
		{"monday plus three", "2025-06-02", 3, "2025-06-05"},
		{"wednesday spans weekend", "2025-06-04", 3, "2025-06-09"},
		{"friday plus one skips weekend", "2025-06-06", 1, "2025-06-09"},
		{"saturday start lands monday", "2025-06-07", 1, "2025-06-09"},
		{"zero days is identity", "2025-06-02", 0, "2025-06-02"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, err := time.Parse("2006-01-02", tt.start)
			if err != nil {
				t.Fatalf("bad start date: %v", err)
			}
			got := AddBusinessDays(start, tt.days)
			if got.Format("2006-01-02") != tt.expected {
				t.Errorf("AddBusinessDays(%s, %d) = %s, want %s", tt.start, tt.days, got.Format("2006-01-02"), tt.expected)
			}
		})
	}
}

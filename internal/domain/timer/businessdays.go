package timer

import "time"

// AddBusinessDays returns t advanced by n week days, skipping Saturdays
// and Sundays. Validation waits are quoted in business days.
func AddBusinessDays(t time.Time, n int) time.Time {
	result := t
	for added := 0; added < n; {
		result = result.AddDate(0, 0, 1)
		switch result.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		default:
			added++
		}
	}
	return result
}

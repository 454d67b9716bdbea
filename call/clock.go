package call

import "time"

// TimeProvider supplies the current time. Call durations are measured
// against it, so tests inject a fixed clock instead of sleeping.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider implements TimeProvider using the system clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

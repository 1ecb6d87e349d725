package clock

import "time"

// Clock abstracts time for deterministic tests and strict UTC usage.
type Clock interface {
	NowUTC() time.Time
}

// SystemUTC is the production clock.
type SystemUTC struct{}

func (SystemUTC) NowUTC() time.Time {
	return time.Now().UTC()
}

// Timer schedules wakeups without binding callers to real wall-clock waits.
type Timer interface {
	After(d time.Duration) <-chan time.Time
}

// SystemTimer is the production timer.
type SystemTimer struct{}

func (SystemTimer) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

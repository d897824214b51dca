package game

import "time"

// Clock abstracts wall time and one-shot timers so phase timing can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable one-shot callback.
type Timer interface {
	Stop() bool
}

// SystemClock uses the time package.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

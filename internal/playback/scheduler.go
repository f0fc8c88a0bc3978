package playback

import "time"

// Timer is a pending callback that can be cancelled
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d. Controllers hold at most one pending
// timer at a time.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallClock struct{}

func (wallClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// WallClock schedules on real timers
var WallClock Scheduler = wallClock{}

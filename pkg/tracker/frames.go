package tracker

import (
	"sync"
	"time"
)

// DefaultFrameInterval approximates one display refresh at 60Hz.
const DefaultFrameInterval = 16 * time.Millisecond

// FrameScheduler runs fn on the next frame.
type FrameScheduler interface {
	RequestFrame(fn func())
}

// TimerFrames schedules frames on a fixed interval.
type TimerFrames struct {
	Interval time.Duration
}

func (f TimerFrames) RequestFrame(fn func()) {
	interval := f.Interval
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	time.AfterFunc(interval, fn)
}

// ManualFrames holds requested frames until Flush is called.
type ManualFrames struct {
	mu      sync.Mutex
	pending []func()
}

func (f *ManualFrames) RequestFrame(fn func()) {
	f.mu.Lock()
	f.pending = append(f.pending, fn)
	f.mu.Unlock()
}

// Pending returns the number of frames waiting to run.
func (f *ManualFrames) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Flush runs every pending frame and returns how many ran.
func (f *ManualFrames) Flush() int {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	return len(pending)
}

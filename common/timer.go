package common

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

type TimerHandle struct {
	timer   *time.Timer
	lock    sync.Mutex
	stopped bool
}

var activeTimersCount int64

func ActiveTimersCount() int64 {
	return atomic.LoadInt64(&activeTimersCount)
}

// Stop stops the timer without waiting for it to complete if it's already running
func (t *TimerHandle) Stop() {
	t.timer.Stop()
}

func (t *TimerHandle) WaitComplete() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.stopped = true
}

func ScheduleTimer(delay time.Duration, randomise bool, action func()) *TimerHandle {
	atomic.AddInt64(&activeTimersCount, 1)
	if randomise {
		// The first time, we schedule a random delay, to stop all timers at startup firing at the same time
		delay = time.Duration(rand.Intn(int(delay)))
	}
	var handle TimerHandle
	handle.timer = time.AfterFunc(delay, func() {
		handle.lock.Lock()
		defer handle.lock.Unlock()
		if handle.stopped {
			return
		}
		defer atomic.AddInt64(&activeTimersCount, -1)
		action()
	})
	return &handle
}

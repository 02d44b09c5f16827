//go:build !linux

package vmi

import (
	"sync/atomic"
	"time"
)

// Without futexes the waiter sleeps in short bounded slices.
const bellPollInterval = 200 * time.Microsecond

func waitBell(bell *uint32, seq uint32, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for atomic.LoadUint32(bell) == seq {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		time.Sleep(min(remaining, bellPollInterval))
	}
}

func wakeBell(*uint32) {}

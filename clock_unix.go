//go:build unix

package vmi

import "golang.org/x/sys/unix"

// monotonicNow returns CLOCK_MONOTONIC in nanoseconds. Both processes
// sharing a segment read the same clock, so heartbeats compare directly.
func monotonicNow() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}

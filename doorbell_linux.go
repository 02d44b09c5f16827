//go:build linux

package vmi

import (
	"math"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) futex ops so waiters in another process that mapped
// the same segment are woken.
const (
	futexWait = 0
	futexWake = 1
)

// waitBell parks until *bell != seq, a wake, or timeout.
func waitBell(bell *uint32, seq uint32, timeout time.Duration) {
	ts := unix.NsecToTimespec(int64(timeout))
	// EAGAIN (value already changed), EINTR and ETIMEDOUT all mean "re-check".
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(bell)), futexWait, uintptr(seq),
		uintptr(unsafe.Pointer(&ts)), 0, 0)
}

func wakeBell(bell *uint32) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(bell)), futexWake, uintptr(math.MaxInt32),
		0, 0, 0)
}

//go:build unix

package vmi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"golang.org/x/sys/unix"
)

var (
	cachedPageSize int
	cachedPageMask uint64 // For fast alignment checks: addr & mask == 0
	pageSizeOnce   sync.Once
)

// hostPageSize returns the system page size, cached for performance
func hostPageSize() int {
	pageSizeOnce.Do(func() {
		cachedPageSize = unix.Getpagesize()
		cachedPageMask = uint64(cachedPageSize - 1)
	})
	return cachedPageSize
}

// hostPageAlign rounds size up to a multiple of the host page size.
func hostPageAlign(size uint64) uint64 {
	hostPageSize()
	return (size + cachedPageMask) &^ cachedPageMask
}

// CreateSegment creates (or truncates) the file at path, maps it shared and
// formats it for vcpus rings of capacity slots.
func CreateSegment(path string, vcpus, capacity uint32) (*Segment, error) {
	layout, err := ComputeLayout(vcpus, capacity)
	if err != nil {
		return nil, err
	}
	size := hostPageAlign(layout.TotalSize)
	// Security: Prevent integer overflow on 32-bit mmap lengths
	if size > math.MaxInt32 {
		return nil, fmt.Errorf("vmi: segment too large (%d bytes): %w", size, ErrBadLayout)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment %s: %w", path, err)
	}
	defer f.Close()

	if err := unix.Ftruncate(int(f.Fd()), int64(size)); err != nil {
		return nil, fmt.Errorf("failed to size segment %s to %d bytes: %w", path, size, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map segment %s: %w", path, err)
	}

	seg, err := NewSegment(mem, vcpus, capacity)
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	seg.path = path
	seg.unmap = func() error { return unix.Munmap(mem) }
	return seg, nil
}

// OpenSegment maps an existing segment created by CreateSegment.
func OpenSegment(path string) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat segment %s: %w", path, err)
	}
	size := fi.Size()
	if size < hdrOffsets {
		return nil, fmt.Errorf("vmi: segment %s is %d bytes: %w", path, size, ErrBadMagic)
	}
	if size > math.MaxInt32 {
		return nil, fmt.Errorf("vmi: segment %s too large (%d bytes): %w", path, size, ErrBadLayout)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map segment %s: %w", path, err)
	}
	seg, err := MapSegment(mem)
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	seg.path = path
	seg.unmap = func() error { return unix.Munmap(mem) }
	return seg, nil
}

// WaitSegment retries OpenSegment until the creator has published the header
// or ctx ends. Layout and version errors are not retried.
func WaitSegment(ctx context.Context, path string, interval time.Duration) (*Segment, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	var seg *Segment
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(0),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return interval
		}),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, os.ErrNotExist) || errors.Is(err, ErrBadMagic)
		}),
	)
	var lastErr error
	err := r.Do(func() error {
		seg, lastErr = OpenSegment(path)
		return lastErr
	})
	if err != nil {
		if ctx.Err() != nil && lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ctx.Err(), lastErr)
		}
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return seg, nil
}

// RemoveSegment unlinks the backing file of a segment created by this process.
func RemoveSegment(seg *Segment) error {
	if seg == nil || seg.path == "" {
		return nil
	}
	if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove segment %s: %w", seg.path, err)
	}
	return nil
}

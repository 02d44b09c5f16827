package vmi

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"
)

// Ring region layout. Cursors are on separate cache lines; each side only
// stores to its own line.
//
//	0   u64 write cursor (producer)
//	8   u32 write doorbell, bumped after every push
//	12  u32 consumers parked on the write doorbell
//	64  u64 read cursor (consumer)
//	72  u32 read doorbell, bumped after every pop
//	76  u32 producers parked on the read doorbell
//	128 slots
//
// A side only issues a wake when the parked count is non-zero. Waiters
// register before sampling the doorbell, so a bump that misses the count is
// seen by the waiter's sample.
const (
	ringOffWrite        = 0
	ringOffWriteBell    = 8
	ringOffWriteWaiters = 12
	ringOffRead         = 64
	ringOffReadBell     = 72
	ringOffReadWaiters  = 76
	ringHeaderSize      = 128
)

// maxWaitSlice bounds a single doorbell wait so callers can re-check
// liveness and cancellation.
const maxWaitSlice = 20 * time.Millisecond

// Ring is a fixed-capacity single-producer single-consumer queue of SlotSize
// records living in shared memory. Cursors increase monotonically; the slot
// index is cursor & (capacity-1). write-read never exceeds capacity.
type Ring struct {
	capacity uint64
	mask     uint64
	slots    []byte

	write        *uint64
	writeBell    *uint32
	writeWaiters *uint32
	read         *uint64
	readBell     *uint32
	readWaiters  *uint32
}

func ringSize(capacity uint32) uint64 {
	return ringHeaderSize + uint64(capacity)*SlotSize
}

// newRing views mem as a ring. mem must be 8-byte aligned and ringSize long.
func newRing(mem []byte, capacity uint32) (*Ring, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("vmi: ring capacity %d is not a power of two: %w", capacity, ErrBadLayout)
	}
	if uint64(len(mem)) < ringSize(capacity) {
		return nil, fmt.Errorf("vmi: ring region %d bytes, need %d: %w", len(mem), ringSize(capacity), ErrBadLayout)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return nil, fmt.Errorf("vmi: ring region not 8-byte aligned: %w", ErrBadLayout)
	}
	return &Ring{
		capacity:  uint64(capacity),
		mask:      uint64(capacity) - 1,
		slots:     mem[ringHeaderSize:ringSize(capacity)],
		write:        (*uint64)(unsafe.Pointer(&mem[ringOffWrite])),
		writeBell:    (*uint32)(unsafe.Pointer(&mem[ringOffWriteBell])),
		writeWaiters: (*uint32)(unsafe.Pointer(&mem[ringOffWriteWaiters])),
		read:         (*uint64)(unsafe.Pointer(&mem[ringOffRead])),
		readBell:     (*uint32)(unsafe.Pointer(&mem[ringOffReadBell])),
		readWaiters:  (*uint32)(unsafe.Pointer(&mem[ringOffReadWaiters])),
	}, nil
}

// Capacity returns the number of slots.
func (r *Ring) Capacity() uint64 { return r.capacity }

func (r *Ring) slot(cursor uint64) []byte {
	off := (cursor & r.mask) * SlotSize
	return r.slots[off : off+SlotSize]
}

// Len returns the number of unread records, or ErrRingCorrupt when the peer
// left the cursors in a state that violates the capacity invariant.
func (r *Ring) Len() (uint64, error) {
	w := atomic.LoadUint64(r.write)
	rd := atomic.LoadUint64(r.read)
	if w-rd > r.capacity {
		return 0, fmt.Errorf("vmi: write=%d read=%d capacity=%d: %w", w, rd, r.capacity, ErrRingCorrupt)
	}
	return w - rd, nil
}

// TryPush copies rec into the next slot. It never overwrites unread data:
// when the ring is full (or corrupt) it returns false.
func (r *Ring) TryPush(rec []byte) bool {
	w := atomic.LoadUint64(r.write)
	rd := atomic.LoadUint64(r.read)
	if w-rd >= r.capacity {
		return false
	}
	dst := r.slot(w)
	n := copy(dst, rec)
	clear(dst[n:])
	atomic.StoreUint64(r.write, w+1)
	ringBell(r.writeBell, r.writeWaiters)
	return true
}

// TryPop copies the oldest unread record into dst.
func (r *Ring) TryPop(dst []byte) bool {
	rd := atomic.LoadUint64(r.read)
	w := atomic.LoadUint64(r.write)
	if w == rd || w-rd > r.capacity {
		return false
	}
	copy(dst, r.slot(rd))
	atomic.StoreUint64(r.read, rd+1)
	ringBell(r.readBell, r.readWaiters)
	return true
}

func (r *Ring) readable() bool {
	w := atomic.LoadUint64(r.write)
	rd := atomic.LoadUint64(r.read)
	return w != rd && w-rd <= r.capacity
}

func (r *Ring) writable() bool {
	w := atomic.LoadUint64(r.write)
	rd := atomic.LoadUint64(r.read)
	return w-rd < r.capacity
}

// WaitReadable blocks until a record is available or timeout elapses.
func (r *Ring) WaitReadable(timeout time.Duration) bool {
	return waitFor(r.writeBell, r.writeWaiters, r.readable, timeout)
}

// WaitWritable blocks until a slot is free or timeout elapses.
func (r *Ring) WaitWritable(timeout time.Duration) bool {
	return waitFor(r.readBell, r.readWaiters, r.writable, timeout)
}

// Notify wakes anyone parked in WaitReadable without publishing a record.
func (r *Ring) Notify() {
	ringBell(r.writeBell, r.writeWaiters)
}

func ringBell(bell, waiters *uint32) {
	atomic.AddUint32(bell, 1)
	if atomic.LoadUint32(waiters) != 0 {
		wakeBell(bell)
	}
}

func waitFor(bell, waiters *uint32, ready func() bool, timeout time.Duration) bool {
	atomic.AddUint32(waiters, 1)
	defer atomic.AddUint32(waiters, ^uint32(0))
	deadline := time.Now().Add(timeout)
	for {
		seq := atomic.LoadUint32(bell)
		if ready() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		waitBell(bell, seq, remaining)
	}
}

package vmi

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T, capacity uint32) *Ring {
	t.Helper()
	seg, err := NewHeapSegment(1, capacity)
	require.NoError(t, err)
	return seg.EventRing(0)
}

func record(n uint64) []byte {
	rec := make([]byte, SlotSize)
	le.PutUint64(rec, n)
	rec[SlotSize-1] = byte(n)
	return rec
}

func TestRingFIFO(t *testing.T) {
	r := newTestRing(t, 4)
	assert.Equal(t, uint64(4), r.Capacity())

	for i := uint64(1); i <= 4; i++ {
		require.True(t, r.TryPush(record(i)), "push %d", i)
	}
	n, err := r.Len()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)

	// The ring is full: the fifth record is rejected and the fourth is intact.
	assert.False(t, r.TryPush(record(5)))

	got := make([]byte, SlotSize)
	for i := uint64(1); i <= 4; i++ {
		require.True(t, r.TryPop(got))
		assert.Equal(t, record(i), got)
	}
	assert.False(t, r.TryPop(got))
}

func TestRingWrapAround(t *testing.T) {
	r := newTestRing(t, 2)
	got := make([]byte, SlotSize)
	for i := uint64(0); i < 10; i++ {
		require.True(t, r.TryPush(record(i)))
		require.True(t, r.TryPop(got))
		assert.Equal(t, i, le.Uint64(got))
	}
}

func TestRingShortRecordIsZeroPadded(t *testing.T) {
	r := newTestRing(t, 2)
	require.True(t, r.TryPush(record(0xff)))
	got := make([]byte, SlotSize)
	require.True(t, r.TryPop(got))

	require.True(t, r.TryPush(record(0xff)))
	require.True(t, r.TryPush([]byte{1, 2, 3}))
	require.True(t, r.TryPop(got))
	require.True(t, r.TryPop(got))
	assert.Equal(t, []byte{1, 2, 3}, got[:3])
	assert.Zero(t, got[SlotSize-1])
}

func TestRingCorruptCursors(t *testing.T) {
	r := newTestRing(t, 4)
	atomic.StoreUint64(r.write, 100)

	_, err := r.Len()
	assert.ErrorIs(t, err, ErrRingCorrupt)
	assert.False(t, r.TryPop(make([]byte, SlotSize)))
	assert.False(t, r.TryPush(record(1)))
}

func TestRingCapacityMustBePowerOfTwo(t *testing.T) {
	_, err := newRing(make([]byte, ringSize(3)), 3)
	assert.ErrorIs(t, err, ErrBadLayout)
	_, err = newRing(make([]byte, 16), 4)
	assert.ErrorIs(t, err, ErrBadLayout)
}

func TestRingWaitTimesOut(t *testing.T) {
	r := newTestRing(t, 2)
	start := time.Now()
	assert.False(t, r.WaitReadable(30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	assert.True(t, r.WaitWritable(time.Millisecond))
}

func TestRingNotifyWakesReader(t *testing.T) {
	r := newTestRing(t, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		r.TryPush(record(7))
	}()
	assert.True(t, r.WaitReadable(2*time.Second))
	wg.Wait()
}

func TestRingConcurrentSPSC(t *testing.T) {
	const total = 20000
	r := newTestRing(t, 8)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(0); i < total; {
			if r.TryPush(record(i)) {
				i++
				continue
			}
			r.WaitWritable(10 * time.Millisecond)
		}
	}()

	got := make([]byte, SlotSize)
	for want := uint64(0); want < total; {
		if !r.TryPop(got) {
			r.WaitReadable(10 * time.Millisecond)
			continue
		}
		if le.Uint64(got) != want || got[SlotSize-1] != byte(want) {
			t.Fatalf("record %d: got %d", want, le.Uint64(got))
		}
		want++
	}
	wg.Wait()

	n, err := r.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRingWakesOnlyParkedWaiters(t *testing.T) {
	r := newTestRing(t, 4)
	require.True(t, r.TryPush(record(1)))
	assert.Zero(t, atomic.LoadUint32(r.writeWaiters))

	got := make([]byte, SlotSize)
	require.True(t, r.TryPop(got))
	assert.Zero(t, atomic.LoadUint32(r.readWaiters))

	woke := make(chan bool, 1)
	go func() { woke <- r.WaitReadable(5 * time.Second) }()
	require.Eventually(t, func() bool { return atomic.LoadUint32(r.writeWaiters) == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	require.True(t, r.TryPush(record(2)))
	assert.True(t, <-woke)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, atomic.LoadUint32(r.writeWaiters))
}

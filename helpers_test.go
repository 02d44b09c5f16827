package vmi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testMemSize = 8 << 20

// Page tables built by buildPageTables:
//
//	0x4000_0000 1G page -> 0x0
//	0x0060_0000 2M page -> 0x20_0000
//	0x0040_0000 4K page -> 0x60_0000
//	0x0040_1000 4K page -> 0x50_0000 (read-only)
//	0x0080_0000 not present
const (
	ptPML4 = 0x1000
	ptPDPT = 0x2000
	ptPD   = 0x3000
	ptPT   = 0x4000
)

func newTestGuest(t *testing.T, vcpus uint32) (*MemoryBackend, *Guest) {
	t.Helper()
	backend, err := NewMemoryBackend(vcpus, Region{Base: 0, Size: testMemSize, Perms: MemRead | MemWrite | MemExec})
	require.NoError(t, err)
	guest, err := NewGuest(backend, vcpus, backend.Regions())
	require.NoError(t, err)
	return backend, guest
}

func buildPageTables(t *testing.T, backend *MemoryBackend) Registers {
	t.Helper()
	put := func(addr, val uint64) {
		var b [8]byte
		le.PutUint64(b[:], val)
		require.NoError(t, backend.WritePhysical(addr, b[:]))
	}
	put(ptPML4, ptPDPT|pteP|pteRW)
	put(ptPDPT, ptPD|pteP|pteRW)
	put(ptPDPT+1*8, 0|pteP|pteRW|ptePS)
	put(ptPD+2*8, ptPT|pteP|pteRW)
	put(ptPD+3*8, 0x200000|pteP|pteRW|ptePS)
	put(ptPT, 0x600000|pteP|pteRW)
	put(ptPT+1*8, 0x500000|pteP)
	return Registers{CR0: cr0PG | 1, CR3: ptPML4, CR4: cr4PAE, EFER: eferLME | eferLMA}
}

func mustPolicy(t *testing.T, rules ...Rule) *Policy {
	t.Helper()
	p, err := NewPolicy(rules...)
	require.NoError(t, err)
	return p
}

type testEnv struct {
	seg     *Segment
	backend *MemoryBackend
	guest   *Guest
	mgr     *Manager
}

func newTestEnv(t *testing.T, vcpus uint32, policy *Policy, cfg ManagerConfig) *testEnv {
	t.Helper()
	return newTestEnvCapacity(t, vcpus, 8, policy, cfg)
}

func newTestEnvCapacity(t *testing.T, vcpus, capacity uint32, policy *Policy, cfg ManagerConfig) *testEnv {
	t.Helper()
	seg, err := NewHeapSegment(vcpus, capacity)
	require.NoError(t, err)
	backend, guest := newTestGuest(t, vcpus)
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	if cfg.LivenessTimeout == 0 {
		cfg.LivenessTimeout = time.Minute
	}
	mgr, err := NewManager(seg, guest, policy, cfg)
	require.NoError(t, err)
	return &testEnv{seg: seg, backend: backend, guest: guest, mgr: mgr}
}

// attachRaw marks a client as attached without running one, so the test
// can drive the rings itself.
func (e *testEnv) attachRaw() {
	e.seg.TouchHeartbeat(monotonicNow())
	e.seg.SetClientState(ClientAttached)
}

// runClient serves the segment with h until the test ends.
func (e *testEnv) runClient(t *testing.T, h Handler) *Client {
	t.Helper()
	c := NewClient(e.seg, ClientOptions{Logger: zaptest.NewLogger(t), QueryTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, h) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return c
}

type exitResult struct {
	verdict Verdict
	err     error
}

func handleAsync(m *Manager, vcpu uint32, exit *ExitRecord) <-chan exitResult {
	ch := make(chan exitResult, 1)
	go func() {
		v, err := m.HandleExit(context.Background(), vcpu, exit)
		ch <- exitResult{v, err}
	}()
	return ch
}

func popEvent(t *testing.T, r *Ring) Event {
	t.Helper()
	var rec [SlotSize]byte
	deadline := time.Now().Add(2 * time.Second)
	for !r.TryPop(rec[:]) {
		require.True(t, time.Now().Before(deadline), "no event published")
		r.WaitReadable(10 * time.Millisecond)
	}
	ev, err := decodeEvent(rec[:])
	require.NoError(t, err)
	return ev
}

func pushResponse(t *testing.T, r *Ring, resp Response) {
	t.Helper()
	var rec [SlotSize]byte
	encodeResponse(rec[:], &resp)
	require.True(t, r.TryPush(rec[:]))
}

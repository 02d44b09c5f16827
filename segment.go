package vmi

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
)

// Segment header layout (little endian). Both processes derive every offset
// from (vcpus, capacity) and cross-check the explicit offsets stored here.
//
//	0   u64 magic, stored last by the creator
//	8   u32 protocol version
//	12  u32 vcpu count
//	16  u32 ring capacity (slots, power of two)
//	20  u32 event slot size
//	24  u32 response slot size
//	28  u32 header size
//	32  [16] session uuid
//	48  u64 client heartbeat (CLOCK_MONOTONIC ns, written by the client)
//	56  u32 client state
//	60  u32 reserved
//	64  per vcpu: u64 event ring offset, u64 response ring offset
const (
	segmentMagic uint64 = 0x000100494d564f47 // "GOVMI\x00\x01\x00"

	// ProtocolVersion is bumped on any wire or layout change.
	ProtocolVersion uint32 = 2

	MaxVCPUs        = 256
	MaxRingCapacity = 1 << 16

	hdrMagic       = 0
	hdrVersion     = 8
	hdrVCPUs       = 12
	hdrCapacity    = 16
	hdrEventSlot   = 20
	hdrRespSlot    = 24
	hdrHeaderSize  = 28
	hdrSession     = 32
	hdrHeartbeat   = 48
	hdrClientState = 56
	hdrOffsets     = 64
	hdrEntrySize   = 16
	cacheLine      = 64
)

// ClientState is published by the analysis client in the segment header.
type ClientState uint32

const (
	ClientAbsent ClientState = iota
	ClientAttached
	ClientDetached
)

func (s ClientState) String() string {
	switch s {
	case ClientAbsent:
		return "absent"
	case ClientAttached:
		return "attached"
	case ClientDetached:
		return "detached"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Layout is the byte layout of a segment.
type Layout struct {
	VCPUs      uint32
	Capacity   uint32
	HeaderSize uint64
	RingSize   uint64
	TotalSize  uint64
}

func alignUp(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }

// ComputeLayout derives the segment layout for vcpus rings of capacity slots.
func ComputeLayout(vcpus, capacity uint32) (Layout, error) {
	if vcpus == 0 || vcpus > MaxVCPUs {
		return Layout{}, fmt.Errorf("vmi: vcpu count %d (must be 1-%d): %w", vcpus, MaxVCPUs, ErrBadLayout)
	}
	if capacity == 0 || capacity > MaxRingCapacity || capacity&(capacity-1) != 0 {
		return Layout{}, fmt.Errorf("vmi: ring capacity %d (power of two up to %d): %w", capacity, MaxRingCapacity, ErrBadLayout)
	}
	l := Layout{
		VCPUs:      vcpus,
		Capacity:   capacity,
		HeaderSize: alignUp(hdrOffsets+hdrEntrySize*uint64(vcpus), cacheLine),
		RingSize:   ringSize(capacity),
	}
	l.TotalSize = l.HeaderSize + 2*uint64(vcpus)*l.RingSize
	return l, nil
}

// EventRingOffset is the byte offset of vcpu's Event Ring.
func (l Layout) EventRingOffset(vcpu uint32) uint64 {
	return l.HeaderSize + 2*uint64(vcpu)*l.RingSize
}

// ResponseRingOffset is the byte offset of vcpu's Response Ring.
func (l Layout) ResponseRingOffset(vcpu uint32) uint64 {
	return l.EventRingOffset(vcpu) + l.RingSize
}

// Segment is the shared memory region carrying every vCPU's rings.
type Segment struct {
	mem       []byte
	layout    Layout
	session   uuid.UUID
	events    []*Ring
	responses []*Ring

	heartbeat   *uint64
	clientState *uint32

	path      string
	unmap     func() error
	closeOnce sync.Once
	closeErr  error
}

// NewSegment formats mem as a fresh segment. The magic is stored last so a
// client polling the region never observes a half-written header.
func NewSegment(mem []byte, vcpus, capacity uint32) (*Segment, error) {
	layout, err := ComputeLayout(vcpus, capacity)
	if err != nil {
		return nil, err
	}
	if uint64(len(mem)) < layout.TotalSize {
		return nil, fmt.Errorf("vmi: segment of %d bytes, layout needs %d: %w", len(mem), layout.TotalSize, ErrBadLayout)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return nil, fmt.Errorf("vmi: segment base not 8-byte aligned: %w", ErrBadLayout)
	}

	clear(mem[:layout.TotalSize])
	session := uuid.New()
	le.PutUint32(mem[hdrVersion:], ProtocolVersion)
	le.PutUint32(mem[hdrVCPUs:], vcpus)
	le.PutUint32(mem[hdrCapacity:], capacity)
	le.PutUint32(mem[hdrEventSlot:], SlotSize)
	le.PutUint32(mem[hdrRespSlot:], SlotSize)
	le.PutUint32(mem[hdrHeaderSize:], uint32(layout.HeaderSize))
	copy(mem[hdrSession:hdrSession+16], session[:])
	for i := uint32(0); i < vcpus; i++ {
		entry := hdrOffsets + hdrEntrySize*uint64(i)
		le.PutUint64(mem[entry:], layout.EventRingOffset(i))
		le.PutUint64(mem[entry+8:], layout.ResponseRingOffset(i))
	}

	s, err := bindSegment(mem, layout)
	if err != nil {
		return nil, err
	}
	s.session = session
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&mem[hdrMagic])), segmentMagic)
	return s, nil
}

// MapSegment validates an already formatted region and binds its rings.
func MapSegment(mem []byte) (*Segment, error) {
	if len(mem) < hdrOffsets {
		return nil, fmt.Errorf("vmi: segment of %d bytes is smaller than the header: %w", len(mem), ErrBadLayout)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return nil, fmt.Errorf("vmi: segment base not 8-byte aligned: %w", ErrBadLayout)
	}
	if magic := atomic.LoadUint64((*uint64)(unsafe.Pointer(&mem[hdrMagic]))); magic != segmentMagic {
		return nil, fmt.Errorf("vmi: magic 0x%016x: %w", magic, ErrBadMagic)
	}
	if v := le.Uint32(mem[hdrVersion:]); v != ProtocolVersion {
		return nil, fmt.Errorf("vmi: segment speaks version %d, want %d: %w", v, ProtocolVersion, ErrVersionMismatch)
	}
	if es, rs := le.Uint32(mem[hdrEventSlot:]), le.Uint32(mem[hdrRespSlot:]); es != SlotSize || rs != SlotSize {
		return nil, fmt.Errorf("vmi: slot sizes %d/%d, want %d: %w", es, rs, SlotSize, ErrBadLayout)
	}

	layout, err := ComputeLayout(le.Uint32(mem[hdrVCPUs:]), le.Uint32(mem[hdrCapacity:]))
	if err != nil {
		return nil, err
	}
	if hs := uint64(le.Uint32(mem[hdrHeaderSize:])); hs != layout.HeaderSize {
		return nil, fmt.Errorf("vmi: header size %d, want %d: %w", hs, layout.HeaderSize, ErrBadLayout)
	}
	if uint64(len(mem)) < layout.TotalSize {
		return nil, fmt.Errorf("vmi: segment of %d bytes, layout needs %d: %w", len(mem), layout.TotalSize, ErrBadLayout)
	}
	for i := uint32(0); i < layout.VCPUs; i++ {
		entry := hdrOffsets + hdrEntrySize*uint64(i)
		ev, rs := le.Uint64(mem[entry:]), le.Uint64(mem[entry+8:])
		if ev != layout.EventRingOffset(i) || rs != layout.ResponseRingOffset(i) {
			return nil, fmt.Errorf("vmi: vcpu %d ring offsets 0x%x/0x%x: %w", i, ev, rs, ErrBadLayout)
		}
	}

	s, err := bindSegment(mem, layout)
	if err != nil {
		return nil, err
	}
	copy(s.session[:], mem[hdrSession:hdrSession+16])
	return s, nil
}

// NewHeapSegment formats a segment in process memory, for in-process clients
// and tests.
func NewHeapSegment(vcpus, capacity uint32) (*Segment, error) {
	layout, err := ComputeLayout(vcpus, capacity)
	if err != nil {
		return nil, err
	}
	// Allocate words so the base is 8-byte aligned.
	words := make([]uint64, (layout.TotalSize+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), layout.TotalSize)
	return NewSegment(mem, vcpus, capacity)
}

func bindSegment(mem []byte, layout Layout) (*Segment, error) {
	s := &Segment{
		mem:         mem,
		layout:      layout,
		events:      make([]*Ring, layout.VCPUs),
		responses:   make([]*Ring, layout.VCPUs),
		heartbeat:   (*uint64)(unsafe.Pointer(&mem[hdrHeartbeat])),
		clientState: (*uint32)(unsafe.Pointer(&mem[hdrClientState])),
	}
	for i := uint32(0); i < layout.VCPUs; i++ {
		ev := layout.EventRingOffset(i)
		ring, err := newRing(mem[ev:ev+layout.RingSize], layout.Capacity)
		if err != nil {
			return nil, err
		}
		s.events[i] = ring

		rs := layout.ResponseRingOffset(i)
		ring, err = newRing(mem[rs:rs+layout.RingSize], layout.Capacity)
		if err != nil {
			return nil, err
		}
		s.responses[i] = ring
	}
	return s, nil
}

// Layout returns the segment layout.
func (s *Segment) Layout() Layout { return s.layout }

// VCPUs returns the number of vCPUs with rings in the segment.
func (s *Segment) VCPUs() uint32 { return s.layout.VCPUs }

// Session identifies this segment instance.
func (s *Segment) Session() uuid.UUID { return s.session }

// Path is the backing file, empty for heap segments.
func (s *Segment) Path() string { return s.path }

// EventRing returns vcpu's hypervisor-to-client ring.
func (s *Segment) EventRing(vcpu uint32) *Ring {
	if vcpu >= s.layout.VCPUs {
		return nil
	}
	return s.events[vcpu]
}

// ResponseRing returns vcpu's client-to-hypervisor ring.
func (s *Segment) ResponseRing(vcpu uint32) *Ring {
	if vcpu >= s.layout.VCPUs {
		return nil
	}
	return s.responses[vcpu]
}

// MonotonicNow returns the clock heartbeats are stamped with.
func MonotonicNow() int64 { return monotonicNow() }

// ClientHeartbeat returns the last heartbeat published by the client.
func (s *Segment) ClientHeartbeat() int64 {
	return int64(atomic.LoadUint64(s.heartbeat))
}

// TouchHeartbeat publishes a client heartbeat.
func (s *Segment) TouchHeartbeat(now int64) {
	atomic.StoreUint64(s.heartbeat, uint64(now))
}

// ClientState returns the state published by the client.
func (s *Segment) ClientState() ClientState {
	return ClientState(atomic.LoadUint32(s.clientState))
}

// SetClientState publishes the client state and wakes every vCPU waiting on
// a response so it re-checks liveness.
func (s *Segment) SetClientState(state ClientState) {
	atomic.StoreUint32(s.clientState, uint32(state))
	for _, r := range s.responses {
		r.Notify()
	}
}

// Close unmaps the segment. Idempotent.
func (s *Segment) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		if s.unmap != nil {
			s.closeErr = s.unmap()
		}
	})
	return s.closeErr
}

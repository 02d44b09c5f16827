package vmi

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemPerm represents guest memory permissions.
type MemPerm uint

const (
	MemRead  MemPerm = 1 << 0
	MemWrite MemPerm = 1 << 1
	MemExec  MemPerm = 1 << 2

	memPermMask = MemRead | MemWrite | MemExec
)

func (p MemPerm) String() string {
	b := []byte("---")
	if p&MemRead != 0 {
		b[0] = 'r'
	}
	if p&MemWrite != 0 {
		b[1] = 'w'
	}
	if p&MemExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Region is one entry of the guest physical memory map.
type Region struct {
	Base  uint64
	Size  uint64
	Perms MemPerm
}

// End returns the first address past the region.
func (r Region) End() uint64 { return r.Base + r.Size }

func (r Region) contains(addr uint64) bool { return addr >= r.Base && addr-r.Base < r.Size }

// Backend is the VMM's guest memory and vCPU state accessor. Calls are only
// made with ranges the Guest already validated against the memory map, and
// never span two regions.
type Backend interface {
	ReadPhysical(gpa uint64, p []byte) error
	WritePhysical(gpa uint64, p []byte) error
	Registers(vcpu uint32) (Registers, error)
	SetRegisters(vcpu uint32, regs Registers) error
	SetSingleStep(vcpu uint32, enabled bool) error
	InjectException(vcpu uint32, vector uint8, errorCode uint32, hasErrorCode bool) error
	// SetPermissions updates second-level (EPT/NPT) permissions.
	SetPermissions(gpa, length uint64, perms MemPerm) error
}

// InjectedException records an exception queued by MemoryBackend.
type InjectedException struct {
	Vector       uint8
	ErrorCode    uint32
	HasErrorCode bool
}

// PermissionChange records a SetPermissions call on MemoryBackend.
type PermissionChange struct {
	GPA    uint64
	Length uint64
	Perms  MemPerm
}

type memRegion struct {
	Region
	data []byte
}

// MemoryBackend is a Backend over process memory. The simulator and the
// tests use it in place of a real VMM.
type MemoryBackend struct {
	mu         sync.Mutex
	regions    []memRegion
	regs       []Registers
	singleStep []bool
	injected   [][]InjectedException
	perms      []PermissionChange
}

// NewMemoryBackend allocates host memory for every region.
func NewMemoryBackend(vcpus uint32, regions ...Region) (*MemoryBackend, error) {
	if vcpus == 0 || vcpus > MaxVCPUs {
		return nil, fmt.Errorf("vmi: vcpu count %d: %w", vcpus, ErrInvalidArgument)
	}
	b := &MemoryBackend{
		regs:       make([]Registers, vcpus),
		singleStep: make([]bool, vcpus),
		injected:   make([][]InjectedException, vcpus),
	}
	for _, r := range regions {
		// Security: Prevent integer overflow vulnerabilities
		if r.Size == 0 || r.Size > math.MaxInt32 {
			return nil, fmt.Errorf("vmi: region 0x%x size %d: %w", r.Base, r.Size, ErrInvalidArgument)
		}
		b.regions = append(b.regions, memRegion{Region: r, data: make([]byte, r.Size)})
	}
	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].Base < b.regions[j].Base })
	return b, nil
}

// Regions returns the memory map backed by b.
func (b *MemoryBackend) Regions() []Region {
	out := make([]Region, len(b.regions))
	for i, r := range b.regions {
		out[i] = r.Region
	}
	return out
}

func (b *MemoryBackend) span(gpa uint64, n int) ([]byte, error) {
	for i := range b.regions {
		r := &b.regions[i]
		if r.contains(gpa) && uint64(n) <= r.End()-gpa {
			off := gpa - r.Base
			return r.data[off : off+uint64(n)], nil
		}
	}
	return nil, fmt.Errorf("vmi: backend has no memory at 0x%x+%d", gpa, n)
}

func (b *MemoryBackend) ReadPhysical(gpa uint64, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	src, err := b.span(gpa, len(p))
	if err != nil {
		return err
	}
	copy(p, src)
	return nil
}

func (b *MemoryBackend) WritePhysical(gpa uint64, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	dst, err := b.span(gpa, len(p))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

func (b *MemoryBackend) vcpu(v uint32) error {
	if int(v) >= len(b.regs) {
		return fmt.Errorf("vmi: backend has no vcpu %d", v)
	}
	return nil
}

func (b *MemoryBackend) Registers(vcpu uint32) (Registers, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.vcpu(vcpu); err != nil {
		return Registers{}, err
	}
	return b.regs[vcpu], nil
}

func (b *MemoryBackend) SetRegisters(vcpu uint32, regs Registers) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.vcpu(vcpu); err != nil {
		return err
	}
	b.regs[vcpu] = regs
	return nil
}

// SetSingleStep toggles RFLAGS.TF the way a VMM without monitor-trap support would.
func (b *MemoryBackend) SetSingleStep(vcpu uint32, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.vcpu(vcpu); err != nil {
		return err
	}
	b.singleStep[vcpu] = enabled
	if enabled {
		b.regs[vcpu].RFLAGS |= rflagsTF
	} else {
		b.regs[vcpu].RFLAGS &^= rflagsTF
	}
	return nil
}

func (b *MemoryBackend) InjectException(vcpu uint32, vector uint8, errorCode uint32, hasErrorCode bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.vcpu(vcpu); err != nil {
		return err
	}
	b.injected[vcpu] = append(b.injected[vcpu], InjectedException{
		Vector:       vector,
		ErrorCode:    errorCode,
		HasErrorCode: hasErrorCode,
	})
	return nil
}

func (b *MemoryBackend) SetPermissions(gpa, length uint64, perms MemPerm) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.perms = append(b.perms, PermissionChange{GPA: gpa, Length: length, Perms: perms})
	return nil
}

// Injected returns the exceptions queued on vcpu so far.
func (b *MemoryBackend) Injected(vcpu uint32) []InjectedException {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(vcpu) >= len(b.injected) {
		return nil
	}
	return append([]InjectedException(nil), b.injected[vcpu]...)
}

// SingleStep reports whether single-step is armed on vcpu.
func (b *MemoryBackend) SingleStep(vcpu uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(vcpu) < len(b.singleStep) && b.singleStep[vcpu]
}

// PermissionChanges returns every SetPermissions call so far.
func (b *MemoryBackend) PermissionChanges() []PermissionChange {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PermissionChange(nil), b.perms...)
}

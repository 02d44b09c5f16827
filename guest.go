package vmi

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

const (
	// GuestPageSize is the granularity of permission changes.
	GuestPageSize = 1 << 12
	guestPageMask = GuestPageSize - 1

	// MaxAccess bounds a single memory operation.
	MaxAccess = 16 << 20
)

func isGuestPageAligned(addr uint64) bool { return addr&guestPageMask == 0 }

// Guest is the Guest Access Service. It layers memory map validation, page
// walks and permission tracking over the VMM's Backend. It is safe for
// concurrent use by every vCPU thread.
type Guest struct {
	backend Backend
	vcpus   uint32
	regions []Region // sorted, non-overlapping

	mu    sync.RWMutex
	perms map[uint64]MemPerm // page address -> permission override
}

// span is a piece of an access that lies inside one region.
type span struct {
	addr uint64
	off  int // offset into the caller's buffer
	n    int
}

// NewGuest validates the memory map and wraps backend.
func NewGuest(backend Backend, vcpus uint32, regions []Region) (*Guest, error) {
	if backend == nil {
		return nil, fmt.Errorf("vmi: nil backend: %w", ErrInvalidArgument)
	}
	if vcpus == 0 || vcpus > MaxVCPUs {
		return nil, fmt.Errorf("vmi: vcpu count %d (must be 1-%d): %w", vcpus, MaxVCPUs, ErrInvalidVCPU)
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("vmi: empty guest memory map: %w", ErrInvalidArgument)
	}

	sorted := append([]Region(nil), regions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })
	for i, r := range sorted {
		if r.Size == 0 {
			return nil, fmt.Errorf("vmi: region 0x%x has zero size: %w", r.Base, ErrInvalidArgument)
		}
		// Security: Prevent integer overflow vulnerabilities
		if r.Base > math.MaxUint64-r.Size {
			return nil, fmt.Errorf("vmi: region 0x%x+%d overflows: %w", r.Base, r.Size, ErrInvalidArgument)
		}
		if !isGuestPageAligned(r.Base) || !isGuestPageAligned(r.Size) {
			return nil, fmt.Errorf("vmi: region 0x%x+%d not page aligned: %w", r.Base, r.Size, ErrInvalidArgument)
		}
		if r.Perms&^memPermMask != 0 {
			return nil, fmt.Errorf("vmi: region 0x%x has invalid permission bits 0x%x: %w", r.Base, r.Perms, ErrInvalidArgument)
		}
		if i > 0 && sorted[i-1].End() > r.Base {
			return nil, fmt.Errorf("vmi: regions 0x%x and 0x%x overlap: %w", sorted[i-1].Base, r.Base, ErrInvalidArgument)
		}
	}

	return &Guest{
		backend: backend,
		vcpus:   vcpus,
		regions: sorted,
		perms:   make(map[uint64]MemPerm),
	}, nil
}

// VCPUs returns the number of vCPUs the service accepts.
func (g *Guest) VCPUs() uint32 { return g.vcpus }

// Regions returns a copy of the memory map.
func (g *Guest) Regions() []Region { return append([]Region(nil), g.regions...) }

func (g *Guest) regionIndex(addr uint64) int {
	i := sort.Search(len(g.regions), func(i int) bool { return g.regions[i].End() > addr })
	if i < len(g.regions) && g.regions[i].contains(addr) {
		return i
	}
	return -1
}

// resolve validates [addr, addr+n) against the memory map and splits it at
// region boundaries. Adjacent regions form one contiguous range.
func (g *Guest) resolve(op string, addr uint64, n int) ([]span, error) {
	if n <= 0 || n > MaxAccess {
		return nil, newError(CodeInvalidArgument, op, addr, uint64(max(n, 0)))
	}
	if addr > math.MaxUint64-uint64(n) {
		return nil, newError(CodeOutOfBounds, op, addr, uint64(n))
	}
	i := g.regionIndex(addr)
	if i < 0 {
		return nil, newError(CodeOutOfBounds, op, addr, uint64(n))
	}

	var spans []span
	cur, off := addr, 0
	for off < n {
		if i >= len(g.regions) || !g.regions[i].contains(cur) {
			return nil, newError(CodeOutOfBounds, op, addr, uint64(n))
		}
		chunk := int(min(uint64(n-off), g.regions[i].End()-cur))
		spans = append(spans, span{addr: cur, off: off, n: chunk})
		cur += uint64(chunk)
		off += chunk
		i++
	}
	return spans, nil
}

func (g *Guest) checkVCPU(op string, vcpu uint32) error {
	if vcpu >= g.vcpus {
		return &Error{Code: CodeInvalidVCPU, Op: op, Addr: uint64(vcpu)}
	}
	return nil
}

// ReadPhysical reads n bytes of guest-physical memory.
func (g *Guest) ReadPhysical(addr uint64, n int) ([]byte, error) {
	spans, err := g.resolve("read_physical", addr, n)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	for _, s := range spans {
		if err := g.backend.ReadPhysical(s.addr, buf[s.off:s.off+s.n]); err != nil {
			return nil, &Error{Code: CodeBackend, Op: "read_physical", Addr: s.addr, Len: uint64(s.n), Err: err}
		}
	}
	return buf, nil
}

// WritePhysical writes data to guest-physical memory.
func (g *Guest) WritePhysical(addr uint64, data []byte) error {
	spans, err := g.resolve("write_physical", addr, len(data))
	if err != nil {
		return err
	}
	for _, s := range spans {
		if err := g.backend.WritePhysical(s.addr, data[s.off:s.off+s.n]); err != nil {
			return &Error{Code: CodeBackend, Op: "write_physical", Addr: s.addr, Len: uint64(s.n), Err: err}
		}
	}
	return nil
}

// TranslateVirtual walks vcpu's page tables for addr.
func (g *Guest) TranslateVirtual(vcpu uint32, addr uint64) (uint64, error) {
	regs, err := g.Registers(vcpu)
	if err != nil {
		return 0, err
	}
	return g.walk(&regs, addr, false)
}

// ReadVirtual reads n bytes at a guest-virtual address of vcpu.
func (g *Guest) ReadVirtual(vcpu uint32, addr uint64, n int) ([]byte, error) {
	if n <= 0 || n > MaxAccess {
		return nil, newError(CodeInvalidArgument, "read_virtual", addr, uint64(max(n, 0)))
	}
	regs, err := g.Registers(vcpu)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, n)
	for len(buf) < n {
		va := addr + uint64(len(buf))
		chunk := min(n-len(buf), int(GuestPageSize-va&guestPageMask))
		pa, err := g.walk(&regs, va, false)
		if err != nil {
			return nil, err
		}
		data, err := g.ReadPhysical(pa, chunk)
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
	}
	return buf, nil
}

// WriteVirtual writes data at a guest-virtual address of vcpu. Every page is
// translated before any byte is written.
func (g *Guest) WriteVirtual(vcpu uint32, addr uint64, data []byte) error {
	if len(data) == 0 || len(data) > MaxAccess {
		return newError(CodeInvalidArgument, "write_virtual", addr, uint64(len(data)))
	}
	regs, err := g.Registers(vcpu)
	if err != nil {
		return err
	}
	type piece struct {
		pa   uint64
		data []byte
	}
	var pieces []piece
	for off := 0; off < len(data); {
		va := addr + uint64(off)
		chunk := min(len(data)-off, int(GuestPageSize-va&guestPageMask))
		pa, err := g.walk(&regs, va, true)
		if err != nil {
			return err
		}
		if _, err := g.resolve("write_virtual", pa, chunk); err != nil {
			return err
		}
		pieces = append(pieces, piece{pa: pa, data: data[off : off+chunk]})
		off += chunk
	}
	for _, p := range pieces {
		if err := g.WritePhysical(p.pa, p.data); err != nil {
			return err
		}
	}
	return nil
}

// SetPagePermissions changes second-level permissions of whole pages.
func (g *Guest) SetPagePermissions(addr, length uint64, perms MemPerm) error {
	const op = "set_page_permissions"
	if length == 0 || !isGuestPageAligned(addr) || !isGuestPageAligned(length) {
		return newError(CodeInvalidArgument, op, addr, length)
	}
	if perms&^memPermMask != 0 {
		return &Error{Code: CodeInvalidArgument, Op: op, Addr: addr, Len: length,
			Err: fmt.Errorf("invalid permission bits 0x%x (valid: 0x%x)", perms, memPermMask)}
	}
	if length > math.MaxInt32 {
		return newError(CodeInvalidArgument, op, addr, length)
	}
	if _, err := g.resolve(op, addr, int(length)); err != nil {
		return err
	}
	if err := g.backend.SetPermissions(addr, length, perms); err != nil {
		return &Error{Code: CodeBackend, Op: op, Addr: addr, Len: length, Err: err}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for page := addr; page < addr+length; page += GuestPageSize {
		if perms == g.regions[g.regionIndex(page)].Perms {
			delete(g.perms, page)
		} else {
			g.perms[page] = perms
		}
	}
	return nil
}

// PagePermissions returns the effective permissions of the page holding addr.
func (g *Guest) PagePermissions(addr uint64) (MemPerm, error) {
	i := g.regionIndex(addr)
	if i < 0 {
		return 0, newError(CodeOutOfBounds, "page_permissions", addr, 1)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.perms[addr&^uint64(guestPageMask)]; ok {
		return p, nil
	}
	return g.regions[i].Perms, nil
}

// Registers returns vcpu's register set.
func (g *Guest) Registers(vcpu uint32) (Registers, error) {
	if err := g.checkVCPU("get_registers", vcpu); err != nil {
		return Registers{}, err
	}
	regs, err := g.backend.Registers(vcpu)
	if err != nil {
		return Registers{}, wrapError(CodeBackend, "get_registers", uint64(vcpu), err)
	}
	return regs, nil
}

// SetRegisters replaces vcpu's register set.
func (g *Guest) SetRegisters(vcpu uint32, regs Registers) error {
	if err := g.checkVCPU("set_registers", vcpu); err != nil {
		return err
	}
	if err := g.backend.SetRegisters(vcpu, regs); err != nil {
		return wrapError(CodeBackend, "set_registers", uint64(vcpu), err)
	}
	return nil
}

// EnableSingleStep arms a debug trap after the next guest instruction.
func (g *Guest) EnableSingleStep(vcpu uint32) error { return g.setSingleStep(vcpu, true) }

// DisableSingleStep disarms single-stepping.
func (g *Guest) DisableSingleStep(vcpu uint32) error { return g.setSingleStep(vcpu, false) }

func (g *Guest) setSingleStep(vcpu uint32, enabled bool) error {
	if err := g.checkVCPU("single_step", vcpu); err != nil {
		return err
	}
	if err := g.backend.SetSingleStep(vcpu, enabled); err != nil {
		return wrapError(CodeBackend, "single_step", uint64(vcpu), err)
	}
	return nil
}

// InjectException queues vector for delivery on the next entry of vcpu. The
// error code is delivered only for vectors that architecturally push one.
func (g *Guest) InjectException(vcpu uint32, vector uint8, errorCode uint32) error {
	if err := g.checkVCPU("inject_exception", vcpu); err != nil {
		return err
	}
	if vector >= 32 {
		return &Error{Code: CodeInvalidArgument, Op: "inject_exception", Addr: uint64(vector)}
	}
	hasErrorCode := exceptionHasErrorCode(vector)
	if !hasErrorCode {
		errorCode = 0
	}
	if err := g.backend.InjectException(vcpu, vector, errorCode, hasErrorCode); err != nil {
		return wrapError(CodeBackend, "inject_exception", uint64(vcpu), err)
	}
	return nil
}

package vmi

import "fmt"

// Reg represents an x86-64 general purpose, control or model specific register.
type Reg int

const (
	RegRAX Reg = iota
	RegRBX
	RegRCX
	RegRDX
	RegRSI
	RegRDI
	RegRSP
	RegRBP
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegRIP
	RegRFLAGS
	RegCR0
	RegCR2
	RegCR3
	RegCR4
	RegEFER
)

// NumRegs is the number of registers carried by a Registers value.
const NumRegs = int(RegEFER) + 1

var regNames = [NumRegs]string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rsp", "rbp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "rflags", "cr0", "cr2", "cr3", "cr4", "efer",
}

func (r Reg) String() string {
	if r < RegRAX || r > RegEFER {
		return fmt.Sprintf("reg(%d)", int(r))
	}
	return regNames[r]
}

// Architectural bits consulted by the page walker and single-step logic.
const (
	rflagsTF = 1 << 8

	cr0PG    = 1 << 31
	cr4PAE   = 1 << 5
	eferLME  = 1 << 8
	eferLMA  = 1 << 10
	eferNXE  = 1 << 11
	regsSize = NumRegs * 8
)

// Registers is the architectural register set of one vCPU. It is stored by
// value on the wire, in Reg order.
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
	CR0, CR2, CR3, CR4 uint64
	EFER               uint64
}

// Get returns the value of register r.
func (rs *Registers) Get(r Reg) (uint64, error) {
	p := rs.field(r)
	if p == nil {
		return 0, fmt.Errorf("vmi: invalid register %d (must be %d-%d): %w", r, RegRAX, RegEFER, ErrInvalidRegister)
	}
	return *p, nil
}

// Set assigns v to register r.
func (rs *Registers) Set(r Reg, v uint64) error {
	p := rs.field(r)
	if p == nil {
		return fmt.Errorf("vmi: invalid register %d (must be %d-%d): %w", r, RegRAX, RegEFER, ErrInvalidRegister)
	}
	*p = v
	return nil
}

// PagingEnabled reports whether the vCPU translates virtual addresses.
func (rs *Registers) PagingEnabled() bool { return rs.CR0&cr0PG != 0 }

// LongMode reports whether the vCPU runs with 4-level paging.
func (rs *Registers) LongMode() bool {
	return rs.PagingEnabled() && rs.CR4&cr4PAE != 0 && rs.EFER&eferLMA != 0
}

// field maps a Reg to its storage in the register set.
func (rs *Registers) field(r Reg) *uint64 {
	switch r {
	case RegRAX:
		return &rs.RAX
	case RegRBX:
		return &rs.RBX
	case RegRCX:
		return &rs.RCX
	case RegRDX:
		return &rs.RDX
	case RegRSI:
		return &rs.RSI
	case RegRDI:
		return &rs.RDI
	case RegRSP:
		return &rs.RSP
	case RegRBP:
		return &rs.RBP
	case RegR8:
		return &rs.R8
	case RegR9:
		return &rs.R9
	case RegR10:
		return &rs.R10
	case RegR11:
		return &rs.R11
	case RegR12:
		return &rs.R12
	case RegR13:
		return &rs.R13
	case RegR14:
		return &rs.R14
	case RegR15:
		return &rs.R15
	case RegRIP:
		return &rs.RIP
	case RegRFLAGS:
		return &rs.RFLAGS
	case RegCR0:
		return &rs.CR0
	case RegCR2:
		return &rs.CR2
	case RegCR3:
		return &rs.CR3
	case RegCR4:
		return &rs.CR4
	case RegEFER:
		return &rs.EFER
	default:
		return nil
	}
}

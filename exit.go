package vmi

import "fmt"

// ExitReason is the VMM's classification of a hardware virtualization exit.
type ExitReason uint16

const (
	ExitUnknown ExitReason = iota
	ExitException
	ExitEPTViolation
	ExitHypercall
	ExitIO
	ExitMMIO
	ExitExternalInterrupt
	ExitCPUID
	ExitMSRRead
	ExitMSRWrite
	ExitHLT
	ExitTripleFault
	ExitShutdown
)

var exitNames = [...]string{
	ExitUnknown:           "unknown",
	ExitException:         "exception",
	ExitEPTViolation:      "ept_violation",
	ExitHypercall:         "hypercall",
	ExitIO:                "io",
	ExitMMIO:              "mmio",
	ExitExternalInterrupt: "external_interrupt",
	ExitCPUID:             "cpuid",
	ExitMSRRead:           "msr_read",
	ExitMSRWrite:          "msr_write",
	ExitHLT:               "hlt",
	ExitTripleFault:       "triple_fault",
	ExitShutdown:          "shutdown",
}

func (r ExitReason) String() string {
	if int(r) < len(exitNames) {
		return exitNames[r]
	}
	return fmt.Sprintf("exit(%d)", uint16(r))
}

// EPT violation qualification bits.
const (
	qualRead        = 1 << 0
	qualWrite       = 1 << 1
	qualExecute     = 1 << 2
	qualLinearValid = 1 << 7
)

// ExitRecord is the raw exit as handed over by the vCPU run loop. Which
// fields are meaningful depends on Reason.
type ExitRecord struct {
	Reason ExitReason

	// Exception and external interrupt.
	Vector    uint8
	ErrorCode uint32

	// Qualification is the exit qualification: EPT access bits for
	// violations, DR6 for debug exceptions.
	Qualification uint64
	GuestPhysical uint64
	GuestLinear   uint64

	// Port I/O and MMIO.
	Port       uint16
	Size       uint32 // access width in bytes
	IsWrite    bool
	Value      uint64
	ValueValid bool
	StringOp   bool   // INS/OUTS; GuestLinear holds the memory operand
	Data       []byte // inline MMIO write data
}

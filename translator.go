package vmi

import "fmt"

const (
	vectorDebug     = 1
	vectorPageFault = 14
)

func unsupportedExit(exit *ExitRecord) error {
	return &Error{Code: CodeUnsupportedExit, Op: "translate", Addr: uint64(exit.Reason),
		Err: fmt.Errorf("no event mapping for %s exits", exit.Reason)}
}

func malformedExit(exit *ExitRecord, format string, args ...any) error {
	return &Error{Code: CodeMalformedExit, Op: "translate", Addr: uint64(exit.Reason),
		Err: fmt.Errorf("%s: "+format, append([]any{exit.Reason}, args...)...)}
}

// Translate maps a raw exit on vcpu to an Event. It reads vCPU and memory
// state through guest but never modifies it. Reasons without a mapping
// return ErrUnsupportedExit, which callers treat as pass-through.
//
// The returned event has no ID; the Manager assigns one on publication.
func Translate(exit *ExitRecord, vcpu uint32, guest *Guest) (Event, error) {
	ev := Event{VCPU: vcpu, Timestamp: monotonicNow()}
	if exit == nil {
		return ev, &Error{Code: CodeMalformedExit, Op: "translate"}
	}

	var err error
	switch exit.Reason {
	case ExitException:
		ev.Detail, err = translateException(exit, vcpu, guest)
	case ExitEPTViolation:
		ev.Detail, err = translateEPTViolation(exit)
	case ExitHypercall:
		ev.Detail, err = translateHypercall(vcpu, guest)
	case ExitIO:
		ev.Detail, err = translatePortIO(exit, vcpu, guest)
	case ExitMMIO:
		ev.Detail, err = translateMMIO(exit, guest)
	case ExitExternalInterrupt:
		ev.Detail = InterruptDelivered{IRQ: uint32(exit.Vector)}
	case ExitCPUID:
		ev.Detail, err = translateCPUID(vcpu, guest)
	case ExitMSRRead, ExitMSRWrite:
		ev.Detail, err = translateMSR(exit, vcpu, guest)
	default:
		return ev, unsupportedExit(exit)
	}
	return ev, err
}

func translateException(exit *ExitRecord, vcpu uint32, guest *Guest) (EventDetail, error) {
	if exit.Vector >= 32 {
		return nil, malformedExit(exit, "vector %d is not an exception", exit.Vector)
	}
	d := Exception{Vector: exit.Vector}
	if exceptionHasErrorCode(exit.Vector) {
		d.ErrorCode = exit.ErrorCode
	}
	switch exit.Vector {
	case vectorPageFault:
		regs, err := guest.Registers(vcpu)
		if err != nil {
			return nil, err
		}
		d.FaultingAddress = regs.CR2
	case vectorDebug:
		d.FaultingAddress = exit.Qualification
	}
	return d, nil
}

// translateEPTViolation picks the most privileged access when several
// access bits are set: execute, then write, then read.
func translateEPTViolation(exit *ExitRecord) (EventDetail, error) {
	d := MemoryAccessViolation{GuestPhysical: exit.GuestPhysical}
	switch q := exit.Qualification; {
	case q&qualExecute != 0:
		d.Access = AccessExecute
	case q&qualWrite != 0:
		d.Access = AccessWrite
	case q&qualRead != 0:
		d.Access = AccessRead
	default:
		return nil, malformedExit(exit, "no access bits in qualification 0x%x", q)
	}
	if exit.Qualification&qualLinearValid != 0 {
		d.GuestVirtual = exit.GuestLinear
		d.GuestVirtualValid = true
	}
	return d, nil
}

// translateHypercall follows the RAX-number convention with arguments in
// RBX, RCX, RDX, RSI, RDI and R8.
func translateHypercall(vcpu uint32, guest *Guest) (EventDetail, error) {
	regs, err := guest.Registers(vcpu)
	if err != nil {
		return nil, err
	}
	return Hypercall{
		Number: regs.RAX,
		Args:   [6]uint64{regs.RBX, regs.RCX, regs.RDX, regs.RSI, regs.RDI, regs.R8},
	}, nil
}

func sizeMask(size uint32) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return uint64(1)<<(8*size) - 1
}

func translatePortIO(exit *ExitRecord, vcpu uint32, guest *Guest) (EventDetail, error) {
	switch exit.Size {
	case 1, 2, 4:
	default:
		return nil, malformedExit(exit, "port access width %d", exit.Size)
	}
	d := PortIO{Port: exit.Port, Size: uint8(exit.Size), IsWrite: exit.IsWrite}
	if !exit.IsWrite {
		// The value of an IN is not known until the device answers.
		return d, nil
	}

	switch {
	case exit.StringOp:
		data, err := guest.ReadVirtual(vcpu, exit.GuestLinear, int(exit.Size))
		if err != nil {
			return nil, err
		}
		var v uint64
		for i := len(data) - 1; i >= 0; i-- {
			v = v<<8 | uint64(data[i])
		}
		d.Value = v
	case exit.ValueValid:
		d.Value = exit.Value & sizeMask(exit.Size)
	default:
		regs, err := guest.Registers(vcpu)
		if err != nil {
			return nil, err
		}
		d.Value = regs.RAX & sizeMask(exit.Size)
	}
	return d, nil
}

func translateMMIO(exit *ExitRecord, guest *Guest) (EventDetail, error) {
	if exit.Size == 0 {
		return nil, malformedExit(exit, "zero-width mmio access at 0x%x", exit.GuestPhysical)
	}
	d := MMIO{GuestPhysical: exit.GuestPhysical, Size: exit.Size, IsWrite: exit.IsWrite}
	if !exit.IsWrite {
		return d, nil
	}

	switch {
	case len(exit.Data) > 0:
		d.Length = uint16(copy(d.Payload[:], exit.Data))
	case exit.ValueValid:
		n := min(exit.Size, 8)
		le.PutUint64(d.Payload[:8], exit.Value)
		clear(d.Payload[n:8])
		d.Length = uint16(n)
	default:
		n := int(min(exit.Size, MaxPayload))
		data, err := guest.ReadPhysical(exit.GuestPhysical, n)
		if err != nil {
			return nil, err
		}
		d.Length = uint16(copy(d.Payload[:], data))
	}
	return d, nil
}

func translateCPUID(vcpu uint32, guest *Guest) (EventDetail, error) {
	regs, err := guest.Registers(vcpu)
	if err != nil {
		return nil, err
	}
	return CPUIDQuery{Function: uint32(regs.RAX), Index: uint32(regs.RCX)}, nil
}

func translateMSR(exit *ExitRecord, vcpu uint32, guest *Guest) (EventDetail, error) {
	regs, err := guest.Registers(vcpu)
	if err != nil {
		return nil, err
	}
	d := MSRAccess{Index: uint32(regs.RCX), IsWrite: exit.Reason == ExitMSRWrite}
	if d.IsWrite {
		d.Value = regs.RDX<<32 | regs.RAX&0xffff_ffff
	}
	return d, nil
}

package vmi

import (
	"fmt"
	"strings"
)

// EventKind is the discriminant of an Event's detail.
type EventKind uint16

const (
	KindException EventKind = iota + 1
	KindMemoryAccessViolation
	KindHypercall
	KindPortIO
	KindMMIO
	KindInterruptDelivered
	KindCPUIDQuery
	KindMSRAccess

	maxKind = KindMSRAccess
)

var kindNames = map[EventKind]string{
	KindException:             "exception",
	KindMemoryAccessViolation: "memory_access_violation",
	KindHypercall:             "hypercall",
	KindPortIO:                "port_io",
	KindMMIO:                  "mmio",
	KindInterruptDelivered:    "interrupt",
	KindCPUIDQuery:            "cpuid",
	KindMSRAccess:             "msr",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

// Valid reports whether k names a defined kind.
func (k EventKind) Valid() bool { return k >= KindException && k <= maxKind }

// ParseEventKind accepts the names printed by EventKind.String.
func ParseEventKind(s string) (EventKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("vmi: unknown event kind %q: %w", s, ErrInvalidArgument)
}

// AccessType classifies a second-level translation violation.
type AccessType uint8

const (
	AccessRead AccessType = iota + 1
	AccessWrite
	AccessExecute
)

func (a AccessType) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return fmt.Sprintf("access(%d)", uint8(a))
	}
}

// MaxPayload caps variable-length data carried in a single wire record.
const MaxPayload = 64

// Event is one normalized occurrence derived from a vCPU exit.
type Event struct {
	ID        uint64 // assigned on publication; zero until then
	VCPU      uint32
	Timestamp int64 // monotonic nanoseconds at translation time
	Detail    EventDetail
}

// Kind returns the discriminant of the event's detail.
func (e *Event) Kind() EventKind {
	if e.Detail == nil {
		return 0
	}
	return e.Detail.Kind()
}

func (e Event) String() string {
	return fmt.Sprintf("event#%d vcpu=%d %s %+v", e.ID, e.VCPU, e.Kind(), e.Detail)
}

// EventDetail is the closed set of event variants below.
type EventDetail interface {
	Kind() EventKind
	isEventDetail()
}

// Exception is a guest exception that caused an exit.
type Exception struct {
	Vector          uint8
	ErrorCode       uint32
	FaultingAddress uint64
}

// MemoryAccessViolation is an EPT/NPT violation.
type MemoryAccessViolation struct {
	GuestPhysical     uint64
	GuestVirtual      uint64
	GuestVirtualValid bool
	Access            AccessType
}

// Hypercall is a VMCALL/VMMCALL issued by the guest.
type Hypercall struct {
	Number uint64
	Args   [6]uint64
}

// PortIO is an IN/OUT instruction. Value is zero for reads.
type PortIO struct {
	Port    uint16
	Size    uint8
	IsWrite bool
	Value   uint64
}

// MMIO is an access to an unbacked guest-physical address.
type MMIO struct {
	GuestPhysical uint64
	Size          uint32
	IsWrite       bool
	Length        uint16 // valid bytes in Payload
	Payload       [MaxPayload]byte
}

// Data returns the valid part of the payload.
func (m *MMIO) Data() []byte { return m.Payload[:m.Length] }

// InterruptDelivered is an external interrupt routed to the vCPU.
type InterruptDelivered struct {
	IRQ uint32
}

// CPUIDQuery is a CPUID instruction.
type CPUIDQuery struct {
	Function uint32
	Index    uint32
}

// MSRAccess is an RDMSR/WRMSR instruction. Value is zero for reads.
type MSRAccess struct {
	Index   uint32
	IsWrite bool
	Value   uint64
}

func (Exception) Kind() EventKind             { return KindException }
func (MemoryAccessViolation) Kind() EventKind { return KindMemoryAccessViolation }
func (Hypercall) Kind() EventKind             { return KindHypercall }
func (PortIO) Kind() EventKind                { return KindPortIO }
func (MMIO) Kind() EventKind                  { return KindMMIO }
func (InterruptDelivered) Kind() EventKind    { return KindInterruptDelivered }
func (CPUIDQuery) Kind() EventKind            { return KindCPUIDQuery }
func (MSRAccess) Kind() EventKind             { return KindMSRAccess }

func (Exception) isEventDetail()             {}
func (MemoryAccessViolation) isEventDetail() {}
func (Hypercall) isEventDetail()             {}
func (PortIO) isEventDetail()                {}
func (MMIO) isEventDetail()                  {}
func (InterruptDelivered) isEventDetail()    {}
func (CPUIDQuery) isEventDetail()            {}
func (MSRAccess) isEventDetail()             {}

// ActionKind selects what the Manager does with an intercepted exit.
type ActionKind uint16

const (
	ActionContinue ActionKind = iota + 1
	ActionSkip
	ActionInjectException
	ActionSetRegisters
	ActionEnableSingleStep
)

func (k ActionKind) String() string {
	switch k {
	case ActionContinue:
		return "continue"
	case ActionSkip:
		return "skip"
	case ActionInjectException:
		return "inject_exception"
	case ActionSetRegisters:
		return "set_registers"
	case ActionEnableSingleStep:
		return "enable_single_step"
	default:
		return fmt.Sprintf("action(%d)", uint16(k))
	}
}

// Action is a client decision. Only the fields of Kind are meaningful.
type Action struct {
	Kind      ActionKind
	Vector    uint8     // InjectException
	ErrorCode uint32    // InjectException
	Registers Registers // SetRegisters
}

func Continue() Action         { return Action{Kind: ActionContinue} }
func Skip() Action             { return Action{Kind: ActionSkip} }
func EnableSingleStep() Action { return Action{Kind: ActionEnableSingleStep} }

func InjectException(vector uint8, errorCode uint32) Action {
	return Action{Kind: ActionInjectException, Vector: vector, ErrorCode: errorCode}
}

func SetRegisters(regs Registers) Action {
	return Action{Kind: ActionSetRegisters, Registers: regs}
}

// Validate checks that the action is well formed.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionContinue, ActionSkip, ActionSetRegisters, ActionEnableSingleStep:
		return nil
	case ActionInjectException:
		if a.Vector >= 32 {
			return fmt.Errorf("vmi: exception vector %d out of range: %w", a.Vector, ErrBadRecord)
		}
		return nil
	default:
		return fmt.Errorf("vmi: unknown action kind %d: %w", a.Kind, ErrBadRecord)
	}
}

func (a Action) String() string {
	if a.Kind == ActionInjectException {
		return fmt.Sprintf("%s(vector=%d,error=0x%x)", a.Kind, a.Vector, a.ErrorCode)
	}
	return a.Kind.String()
}

// Response is the client's decision for one event id.
type Response struct {
	EventID uint64
	VCPU    uint32
	Action  Action
}

// exceptionHasErrorCode reports whether the architecture pushes an error code
// for vector.
func exceptionHasErrorCode(vector uint8) bool {
	switch vector {
	case 8, 10, 11, 12, 13, 14, 17, 21, 29, 30:
		return true
	}
	return false
}

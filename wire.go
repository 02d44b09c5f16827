package vmi

import (
	"encoding/binary"
	"fmt"
)

// SlotSize is the fixed size of every record in both rings.
//
// Record header (little endian):
//
//	0  u64 event id
//	8  u32 vcpu
//	12 u16 record type
//	14 u16 kind (event kind, action kind or query op)
//	16 u64 timestamp (events) or query sequence (queries, replies)
//	24 payload
const SlotSize = 256

const (
	recEvent    uint16 = 1 // hypervisor -> client
	recReply    uint16 = 2 // hypervisor -> client
	recDecision uint16 = 3 // client -> hypervisor
	recQuery    uint16 = 4 // client -> hypervisor

	offID      = 0
	offVCPU    = 8
	offType    = 12
	offKind    = 14
	offStamp   = 16
	offPayload = 24
)

var le = binary.LittleEndian

func recordType(b []byte) uint16 { return le.Uint16(b[offType:]) }

func putHeader(b []byte, id uint64, vcpu uint32, typ, kind uint16, stamp uint64) {
	clear(b[:SlotSize])
	le.PutUint64(b[offID:], id)
	le.PutUint32(b[offVCPU:], vcpu)
	le.PutUint16(b[offType:], typ)
	le.PutUint16(b[offKind:], kind)
	le.PutUint64(b[offStamp:], stamp)
}

func putBool(b []byte, v bool) {
	if v {
		b[0] = 1
	} else {
		b[0] = 0
	}
}

func encodeEvent(b []byte, ev *Event) error {
	if ev.Detail == nil {
		return fmt.Errorf("vmi: event %d has no detail: %w", ev.ID, ErrBadRecord)
	}
	putHeader(b, ev.ID, ev.VCPU, recEvent, uint16(ev.Kind()), uint64(ev.Timestamp))
	p := b[offPayload:]
	switch d := ev.Detail.(type) {
	case Exception:
		p[0] = d.Vector
		le.PutUint32(p[4:], d.ErrorCode)
		le.PutUint64(p[8:], d.FaultingAddress)
	case MemoryAccessViolation:
		le.PutUint64(p[0:], d.GuestPhysical)
		le.PutUint64(p[8:], d.GuestVirtual)
		p[16] = uint8(d.Access)
		putBool(p[17:], d.GuestVirtualValid)
	case Hypercall:
		le.PutUint64(p[0:], d.Number)
		for i, arg := range d.Args {
			le.PutUint64(p[8+8*i:], arg)
		}
	case PortIO:
		le.PutUint16(p[0:], d.Port)
		p[2] = d.Size
		putBool(p[3:], d.IsWrite)
		le.PutUint64(p[8:], d.Value)
	case MMIO:
		if d.Length > MaxPayload {
			return fmt.Errorf("vmi: mmio payload %d exceeds %d: %w", d.Length, MaxPayload, ErrBadRecord)
		}
		le.PutUint64(p[0:], d.GuestPhysical)
		le.PutUint32(p[8:], d.Size)
		putBool(p[12:], d.IsWrite)
		le.PutUint16(p[14:], d.Length)
		copy(p[16:16+MaxPayload], d.Payload[:d.Length])
	case InterruptDelivered:
		le.PutUint32(p[0:], d.IRQ)
	case CPUIDQuery:
		le.PutUint32(p[0:], d.Function)
		le.PutUint32(p[4:], d.Index)
	case MSRAccess:
		le.PutUint32(p[0:], d.Index)
		putBool(p[4:], d.IsWrite)
		le.PutUint64(p[8:], d.Value)
	default:
		return fmt.Errorf("vmi: unknown event detail %T: %w", d, ErrBadRecord)
	}
	return nil
}

func decodeEvent(b []byte) (Event, error) {
	if recordType(b) != recEvent {
		return Event{}, fmt.Errorf("vmi: record type %d is not an event: %w", recordType(b), ErrBadRecord)
	}
	ev := Event{
		ID:        le.Uint64(b[offID:]),
		VCPU:      le.Uint32(b[offVCPU:]),
		Timestamp: int64(le.Uint64(b[offStamp:])),
	}
	p := b[offPayload:]
	switch kind := EventKind(le.Uint16(b[offKind:])); kind {
	case KindException:
		ev.Detail = Exception{Vector: p[0], ErrorCode: le.Uint32(p[4:]), FaultingAddress: le.Uint64(p[8:])}
	case KindMemoryAccessViolation:
		ev.Detail = MemoryAccessViolation{
			GuestPhysical:     le.Uint64(p[0:]),
			GuestVirtual:      le.Uint64(p[8:]),
			Access:            AccessType(p[16]),
			GuestVirtualValid: p[17] != 0,
		}
	case KindHypercall:
		d := Hypercall{Number: le.Uint64(p[0:])}
		for i := range d.Args {
			d.Args[i] = le.Uint64(p[8+8*i:])
		}
		ev.Detail = d
	case KindPortIO:
		ev.Detail = PortIO{Port: le.Uint16(p[0:]), Size: p[2], IsWrite: p[3] != 0, Value: le.Uint64(p[8:])}
	case KindMMIO:
		d := MMIO{
			GuestPhysical: le.Uint64(p[0:]),
			Size:          le.Uint32(p[8:]),
			IsWrite:       p[12] != 0,
			Length:        le.Uint16(p[14:]),
		}
		if d.Length > MaxPayload {
			return Event{}, fmt.Errorf("vmi: mmio payload length %d: %w", d.Length, ErrBadRecord)
		}
		copy(d.Payload[:], p[16:16+int(d.Length)])
		ev.Detail = d
	case KindInterruptDelivered:
		ev.Detail = InterruptDelivered{IRQ: le.Uint32(p[0:])}
	case KindCPUIDQuery:
		ev.Detail = CPUIDQuery{Function: le.Uint32(p[0:]), Index: le.Uint32(p[4:])}
	case KindMSRAccess:
		ev.Detail = MSRAccess{Index: le.Uint32(p[0:]), IsWrite: p[4] != 0, Value: le.Uint64(p[8:])}
	default:
		return Event{}, fmt.Errorf("vmi: unknown event kind %d: %w", kind, ErrBadRecord)
	}
	return ev, nil
}

func putRegisters(b []byte, regs *Registers) {
	for r := RegRAX; r <= RegEFER; r++ {
		le.PutUint64(b[8*int(r):], *regs.field(r))
	}
}

func getRegisters(b []byte) Registers {
	var regs Registers
	for r := RegRAX; r <= RegEFER; r++ {
		*regs.field(r) = le.Uint64(b[8*int(r):])
	}
	return regs
}

func encodeResponse(b []byte, resp *Response) {
	putHeader(b, resp.EventID, resp.VCPU, recDecision, uint16(resp.Action.Kind), 0)
	p := b[offPayload:]
	switch resp.Action.Kind {
	case ActionInjectException:
		p[0] = resp.Action.Vector
		le.PutUint32(p[4:], resp.Action.ErrorCode)
	case ActionSetRegisters:
		putRegisters(p, &resp.Action.Registers)
	}
}

func decodeResponse(b []byte) (Response, error) {
	if recordType(b) != recDecision {
		return Response{}, fmt.Errorf("vmi: record type %d is not a decision: %w", recordType(b), ErrBadRecord)
	}
	resp := Response{
		EventID: le.Uint64(b[offID:]),
		VCPU:    le.Uint32(b[offVCPU:]),
		Action:  Action{Kind: ActionKind(le.Uint16(b[offKind:]))},
	}
	p := b[offPayload:]
	switch resp.Action.Kind {
	case ActionInjectException:
		resp.Action.Vector = p[0]
		resp.Action.ErrorCode = le.Uint32(p[4:])
	case ActionSetRegisters:
		resp.Action.Registers = getRegisters(p)
	}
	if err := resp.Action.Validate(); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// QueryOp is a guest access requested by the client while a vCPU is paused.
type QueryOp uint16

const (
	QueryReadPhysical QueryOp = iota + 1
	QueryReadVirtual
	QueryWritePhysical
	QueryWriteVirtual
	QueryTranslate
	QueryRegisters
)

func (op QueryOp) String() string {
	switch op {
	case QueryReadPhysical:
		return "read_physical"
	case QueryReadVirtual:
		return "read_virtual"
	case QueryWritePhysical:
		return "write_physical"
	case QueryWriteVirtual:
		return "write_virtual"
	case QueryTranslate:
		return "translate_virtual"
	case QueryRegisters:
		return "get_registers"
	default:
		return fmt.Sprintf("query(%d)", uint16(op))
	}
}

// QueryStatus is the outcome of a query.
type QueryStatus uint32

const (
	StatusOK QueryStatus = iota
	StatusOutOfBounds
	StatusTranslationFault
	StatusBadRequest
	StatusNotPending
	StatusFailed
)

// query is a client request record.
//
//	24 u64 address
//	32 u32 length
//	36 u16 data length (writes)
//	40 data
type query struct {
	EventID uint64
	VCPU    uint32
	Seq     uint64
	Op      QueryOp
	Addr    uint64
	Length  uint32
	Data    []byte
}

func encodeQuery(b []byte, q *query) error {
	if len(q.Data) > MaxPayload {
		return fmt.Errorf("vmi: query data %d exceeds %d: %w", len(q.Data), MaxPayload, ErrBadRecord)
	}
	putHeader(b, q.EventID, q.VCPU, recQuery, uint16(q.Op), q.Seq)
	p := b[offPayload:]
	le.PutUint64(p[0:], q.Addr)
	le.PutUint32(p[8:], q.Length)
	le.PutUint16(p[12:], uint16(len(q.Data)))
	copy(p[16:], q.Data)
	return nil
}

func decodeQuery(b []byte) (query, error) {
	q := query{
		EventID: le.Uint64(b[offID:]),
		VCPU:    le.Uint32(b[offVCPU:]),
		Op:      QueryOp(le.Uint16(b[offKind:])),
		Seq:     le.Uint64(b[offStamp:]),
	}
	if recordType(b) != recQuery {
		return q, fmt.Errorf("vmi: record type %d is not a query: %w", recordType(b), ErrBadRecord)
	}
	p := b[offPayload:]
	q.Addr = le.Uint64(p[0:])
	q.Length = le.Uint32(p[8:])
	n := le.Uint16(p[12:])
	if n > MaxPayload {
		return q, fmt.Errorf("vmi: query data length %d: %w", n, ErrBadRecord)
	}
	q.Data = p[16 : 16+int(n)]
	return q, nil
}

// reply answers one query.
//
//	24 u32 status
//	28 u16 data length
//	32 u64 value (translated address)
//	40 data, or registers for QueryRegisters
type reply struct {
	EventID   uint64
	VCPU      uint32
	Seq       uint64
	Op        QueryOp
	Status    QueryStatus
	Value     uint64
	Data      []byte
	Registers Registers
}

func encodeReply(b []byte, r *reply) {
	putHeader(b, r.EventID, r.VCPU, recReply, uint16(r.Op), r.Seq)
	p := b[offPayload:]
	le.PutUint32(p[0:], uint32(r.Status))
	le.PutUint64(p[8:], r.Value)
	if r.Op == QueryRegisters && r.Status == StatusOK {
		putRegisters(p[16:], &r.Registers)
		return
	}
	n := min(len(r.Data), MaxPayload)
	le.PutUint16(p[4:], uint16(n))
	copy(p[16:], r.Data[:n])
}

func decodeReply(b []byte) (reply, error) {
	if recordType(b) != recReply {
		return reply{}, fmt.Errorf("vmi: record type %d is not a reply: %w", recordType(b), ErrBadRecord)
	}
	r := reply{
		EventID: le.Uint64(b[offID:]),
		VCPU:    le.Uint32(b[offVCPU:]),
		Op:      QueryOp(le.Uint16(b[offKind:])),
		Seq:     le.Uint64(b[offStamp:]),
	}
	p := b[offPayload:]
	r.Status = QueryStatus(le.Uint32(p[0:]))
	r.Value = le.Uint64(p[8:])
	if r.Op == QueryRegisters && r.Status == StatusOK {
		r.Registers = getRegisters(p[16:])
		return r, nil
	}
	n := le.Uint16(p[4:])
	if n > MaxPayload {
		return reply{}, fmt.Errorf("vmi: reply data length %d: %w", n, ErrBadRecord)
	}
	r.Data = append([]byte(nil), p[16:16+int(n)]...)
	return r, nil
}

package vmi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventWireRoundTrip(t *testing.T) {
	mmio := MMIO{GuestPhysical: 0xfee000b0, Size: 4, IsWrite: true, Length: 4}
	copy(mmio.Payload[:], []byte{0xde, 0xad, 0xbe, 0xef})

	details := []EventDetail{
		Exception{Vector: 14, ErrorCode: 2, FaultingAddress: 0x1000},
		MemoryAccessViolation{GuestPhysical: 0x3000, GuestVirtual: 0x7fff0000, GuestVirtualValid: true, Access: AccessExecute},
		Hypercall{Number: 0x10, Args: [6]uint64{1, 2, 3, 4, 5, 6}},
		PortIO{Port: 0x3f8, Size: 1, IsWrite: true, Value: 'A'},
		mmio,
		InterruptDelivered{IRQ: 0x20},
		CPUIDQuery{Function: 0x40000000, Index: 1},
		MSRAccess{Index: 0xc0000080, IsWrite: true, Value: 0xd01},
	}
	for _, d := range details {
		t.Run(d.Kind().String(), func(t *testing.T) {
			in := Event{ID: 99, VCPU: 3, Timestamp: 123456789, Detail: d}
			buf := make([]byte, SlotSize)
			require.NoError(t, encodeEvent(buf, &in))
			assert.Equal(t, recEvent, recordType(buf))

			out, err := decodeEvent(buf)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestDecodeEventRejects(t *testing.T) {
	buf := make([]byte, SlotSize)

	ev := Event{ID: 1, Detail: MMIO{Length: 8}}
	require.NoError(t, encodeEvent(buf, &ev))
	le.PutUint16(buf[offPayload+14:], MaxPayload+1)
	_, err := decodeEvent(buf)
	assert.ErrorIs(t, err, ErrBadRecord)

	le.PutUint16(buf[offKind:], 0x77)
	_, err = decodeEvent(buf)
	assert.ErrorIs(t, err, ErrBadRecord)

	le.PutUint16(buf[offType:], recDecision)
	_, err = decodeEvent(buf)
	assert.ErrorIs(t, err, ErrBadRecord)

	assert.ErrorIs(t, encodeEvent(buf, &Event{ID: 2}), ErrBadRecord)
	assert.ErrorIs(t, encodeEvent(buf, &Event{ID: 3, Detail: MMIO{Length: MaxPayload + 1}}), ErrBadRecord)
}

func TestResponseWire(t *testing.T) {
	regs := Registers{RAX: 1, RIP: 0x401000, CR3: 0x1000, EFER: eferLME | eferLMA}
	actions := []Action{Continue(), Skip(), EnableSingleStep(), InjectException(13, 0x18), SetRegisters(regs)}

	buf := make([]byte, SlotSize)
	for _, a := range actions {
		in := Response{EventID: 7, VCPU: 1, Action: a}
		encodeResponse(buf, &in)
		out, err := decodeResponse(buf)
		require.NoError(t, err, a.String())
		assert.Equal(t, in, out)
	}

	// Vector out of range and unknown kinds are rejected.
	encodeResponse(buf, &Response{EventID: 7, Action: Action{Kind: ActionInjectException, Vector: 40}})
	_, err := decodeResponse(buf)
	assert.ErrorIs(t, err, ErrBadRecord)

	le.PutUint16(buf[offKind:], 0)
	_, err = decodeResponse(buf)
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestQueryAndReplyWire(t *testing.T) {
	buf := make([]byte, SlotSize)

	q := query{EventID: 5, VCPU: 2, Seq: 9, Op: QueryWriteVirtual, Addr: 0x400000, Length: 3, Data: []byte{1, 2, 3}}
	require.NoError(t, encodeQuery(buf, &q))
	got, err := decodeQuery(buf)
	require.NoError(t, err)
	assert.Equal(t, q, got)

	assert.ErrorIs(t, encodeQuery(buf, &query{Data: make([]byte, MaxPayload+1)}), ErrBadRecord)

	r := reply{EventID: 5, VCPU: 2, Seq: 9, Op: QueryReadPhysical, Status: StatusOK, Data: []byte("hello")}
	encodeReply(buf, &r)
	gotReply, err := decodeReply(buf)
	require.NoError(t, err)
	assert.Equal(t, r, gotReply)

	r = reply{EventID: 5, Seq: 10, Op: QueryRegisters, Registers: Registers{RIP: 0xffff800000001000, R15: 15}}
	encodeReply(buf, &r)
	gotReply, err = decodeReply(buf)
	require.NoError(t, err)
	assert.Equal(t, r.Registers, gotReply.Registers)

	r = reply{EventID: 5, Seq: 11, Op: QueryTranslate, Status: StatusTranslationFault}
	encodeReply(buf, &r)
	gotReply, err = decodeReply(buf)
	require.NoError(t, err)
	assert.Equal(t, StatusTranslationFault, gotReply.Status)
	assert.Empty(t, gotReply.Data)

	_, err = decodeReply(make([]byte, SlotSize))
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestRegistersFitInSlot(t *testing.T) {
	assert.LessOrEqual(t, offPayload+16+regsSize, SlotSize)
	assert.LessOrEqual(t, offPayload+16+MaxPayload, SlotSize)
}

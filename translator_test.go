package vmi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	backend, guest := newTestGuest(t, 1)
	require.NoError(t, backend.SetRegisters(0, Registers{
		RAX: 0x1234_5678_9abc_def0,
		RBX: 1, RCX: 0xc000_0080, RDX: 0x1, RSI: 4, RDI: 5, R8: 6,
		CR2: 0x1000,
	}))
	require.NoError(t, guest.WritePhysical(0x3000, []byte{0x11, 0x22, 0x33, 0x44, 0x55}))

	var mmio MMIO
	mmio.GuestPhysical, mmio.Size, mmio.IsWrite, mmio.Length = 0x3000, 4, true, 4
	copy(mmio.Payload[:], []byte{0x11, 0x22, 0x33, 0x44})

	var inline MMIO
	inline.GuestPhysical, inline.Size, inline.IsWrite, inline.Length = 0xfee000b0, 2, true, 2
	copy(inline.Payload[:], []byte{0xaa, 0xbb})

	var valued MMIO
	valued.GuestPhysical, valued.Size, valued.IsWrite, valued.Length = 0xfee00300, 4, true, 4
	copy(valued.Payload[:], []byte{0x00, 0x45, 0x00, 0x00})

	tests := []struct {
		name string
		exit ExitRecord
		want EventDetail
	}{
		{
			"page fault uses cr2",
			ExitRecord{Reason: ExitException, Vector: 14, ErrorCode: 0},
			Exception{Vector: 14, ErrorCode: 0, FaultingAddress: 0x1000},
		},
		{
			"general protection keeps error code",
			ExitRecord{Reason: ExitException, Vector: 13, ErrorCode: 0x18},
			Exception{Vector: 13, ErrorCode: 0x18},
		},
		{
			"breakpoint drops error code",
			ExitRecord{Reason: ExitException, Vector: 3, ErrorCode: 0x18},
			Exception{Vector: 3},
		},
		{
			"debug trap reports qualification",
			ExitRecord{Reason: ExitException, Vector: 1, Qualification: 0x4000},
			Exception{Vector: 1, FaultingAddress: 0x4000},
		},
		{
			"ept execute wins over write and read",
			ExitRecord{Reason: ExitEPTViolation, Qualification: qualRead | qualWrite | qualExecute, GuestPhysical: 0x5000},
			MemoryAccessViolation{GuestPhysical: 0x5000, Access: AccessExecute},
		},
		{
			"ept write with linear address",
			ExitRecord{Reason: ExitEPTViolation, Qualification: qualRead | qualWrite | qualLinearValid, GuestPhysical: 0x5008, GuestLinear: 0x7000_0008},
			MemoryAccessViolation{GuestPhysical: 0x5008, GuestVirtual: 0x7000_0008, GuestVirtualValid: true, Access: AccessWrite},
		},
		{
			"ept read ignores linear without valid bit",
			ExitRecord{Reason: ExitEPTViolation, Qualification: qualRead, GuestPhysical: 0x5000, GuestLinear: 0x9999},
			MemoryAccessViolation{GuestPhysical: 0x5000, Access: AccessRead},
		},
		{
			"hypercall",
			ExitRecord{Reason: ExitHypercall},
			Hypercall{Number: 0x1234_5678_9abc_def0, Args: [6]uint64{1, 0xc000_0080, 1, 4, 5, 6}},
		},
		{
			"port in has no value",
			ExitRecord{Reason: ExitIO, Port: 0x60, Size: 1},
			PortIO{Port: 0x60, Size: 1},
		},
		{
			"port out from rax",
			ExitRecord{Reason: ExitIO, Port: 0x3f8, Size: 2, IsWrite: true},
			PortIO{Port: 0x3f8, Size: 2, IsWrite: true, Value: 0xdef0},
		},
		{
			"port out with explicit value",
			ExitRecord{Reason: ExitIO, Port: 0x80, Size: 1, IsWrite: true, Value: 0x1ff, ValueValid: true},
			PortIO{Port: 0x80, Size: 1, IsWrite: true, Value: 0xff},
		},
		{
			"outs reads the memory operand",
			ExitRecord{Reason: ExitIO, Port: 0x3f8, Size: 4, IsWrite: true, StringOp: true, GuestLinear: 0x3001},
			PortIO{Port: 0x3f8, Size: 4, IsWrite: true, Value: 0x55443322},
		},
		{
			"mmio read",
			ExitRecord{Reason: ExitMMIO, GuestPhysical: 0xfee00020, Size: 4},
			MMIO{GuestPhysical: 0xfee00020, Size: 4},
		},
		{"mmio write inline data", ExitRecord{Reason: ExitMMIO, GuestPhysical: 0xfee000b0, Size: 2, IsWrite: true, Data: []byte{0xaa, 0xbb}}, inline},
		{"mmio write value", ExitRecord{Reason: ExitMMIO, GuestPhysical: 0xfee00300, Size: 4, IsWrite: true, Value: 0x4500, ValueValid: true}, valued},
		{"mmio write from memory", ExitRecord{Reason: ExitMMIO, GuestPhysical: 0x3000, Size: 4, IsWrite: true}, mmio},
		{
			"external interrupt",
			ExitRecord{Reason: ExitExternalInterrupt, Vector: 0x30},
			InterruptDelivered{IRQ: 0x30},
		},
		{
			"cpuid",
			ExitRecord{Reason: ExitCPUID},
			CPUIDQuery{Function: 0x9abc_def0, Index: 0xc000_0080},
		},
		{
			"rdmsr",
			ExitRecord{Reason: ExitMSRRead},
			MSRAccess{Index: 0xc000_0080},
		},
		{
			"wrmsr combines edx:eax",
			ExitRecord{Reason: ExitMSRWrite},
			MSRAccess{Index: 0xc000_0080, IsWrite: true, Value: 0x1_9abc_def0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Translate(&tt.exit, 0, guest)
			require.NoError(t, err)
			assert.Equal(t, uint32(0), ev.VCPU)
			assert.Zero(t, ev.ID)
			assert.NotZero(t, ev.Timestamp)
			assert.Equal(t, tt.want, ev.Detail)
		})
	}
}

func TestTranslateRejects(t *testing.T) {
	_, guest := newTestGuest(t, 1)

	tests := []struct {
		name string
		exit *ExitRecord
		want error
	}{
		{"nil", nil, ErrMalformedExit},
		{"hlt", &ExitRecord{Reason: ExitHLT}, ErrUnsupportedExit},
		{"triple fault", &ExitRecord{Reason: ExitTripleFault}, ErrUnsupportedExit},
		{"unknown reason", &ExitRecord{Reason: ExitReason(200)}, ErrUnsupportedExit},
		{"vector out of range", &ExitRecord{Reason: ExitException, Vector: 40}, ErrMalformedExit},
		{"ept without access bits", &ExitRecord{Reason: ExitEPTViolation, Qualification: qualLinearValid}, ErrMalformedExit},
		{"port width 3", &ExitRecord{Reason: ExitIO, Size: 3}, ErrMalformedExit},
		{"zero-width mmio", &ExitRecord{Reason: ExitMMIO}, ErrMalformedExit},
		{"mmio write outside memory", &ExitRecord{Reason: ExitMMIO, GuestPhysical: testMemSize, Size: 4, IsWrite: true}, ErrOutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Translate(tt.exit, 0, guest)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Translate(&ExitRecord{Reason: ExitCPUID}, 3, guest)
	assert.ErrorIs(t, err, ErrInvalidVCPU)
	assert.Equal(t, "exit(200)", ExitReason(200).String())
	assert.Equal(t, "ept_violation", ExitEPTViolation.String())
}

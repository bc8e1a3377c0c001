package pdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeDigest struct{ calls int }

func (f *fakeDigest) GenDigest(buf []byte) uint32 {
	f.calls++
	var sum uint32
	for _, b := range buf {
		sum += uint32(b)
	}
	return sum
}

func (f *fakeDigest) GenDigest2(a, b []byte) uint32 {
	f.calls++
	return f.GenDigest(append(append([]byte{}, a...), b...))
}

func TestPadLenRoundsToFour(t *testing.T) {
	assert.Equal(t, 0, padLen(0))
	assert.Equal(t, 0, padLen(4))
	assert.Equal(t, 3, padLen(1))
	assert.Equal(t, 2, padLen(2))
	assert.Equal(t, 1, padLen(3))
}

func TestNewCommandPDUSetsFinalAndDirection(t *testing.T) {
	p := NewCommandPDU(5, 0, []byte{0x28, 0, 0, 0, 0, 0}, 10, 20, true, false, 512)
	assert.Equal(t, OpSCSICommand, p.Header.Opcode())
	assert.NotZero(t, p.Header.Flags()&FlagFinal)
	assert.NotZero(t, p.Header.Flags()&FlagRead)
	assert.Zero(t, p.Header.Flags()&FlagWrite)
	assert.Equal(t, uint32(5), p.Header.InitiatorTaskTag())
	assert.Equal(t, uint32(512), p.Header.Word20())
	assert.Equal(t, uint32(10), p.Header.CmdSN())
}

func TestNewDataOutPDUUnsolicitedTTT(t *testing.T) {
	p := NewDataOutPDU(5, 0, 0xffffffff, 1, 0, 0, []byte{1, 2, 3}, true)
	assert.Equal(t, OpSCSIDataOut, p.Header.Opcode())
	assert.Equal(t, uint32(0xffffffff), p.Header.Word20())
	assert.NotZero(t, p.Header.Flags()&FlagFinal)
}

func TestBuildSendVectorNoDigestsSkipsTrailers(t *testing.T) {
	p := NewDataOutPDU(1, 0, 0xffffffff, 0, 0, 0, []byte{1, 2, 3}, true)
	dg := &fakeDigest{}
	vec := p.BuildSendVector(dg)
	// header, data, 1 pad byte: no digests requested.
	assert.Len(t, vec, 3)
	assert.Equal(t, 0, dg.calls)
	assert.Equal(t, 1, len(vec[2]))
}

func TestBuildSendVectorWithDigestsAppendsTrailers(t *testing.T) {
	p := NewDataOutPDU(1, 0, 0xffffffff, 0, 0, 0, []byte{1, 2, 3, 4}, true)
	p.HeaderCRC = true
	p.DataCRC = true
	dg := &fakeDigest{}
	vec := p.BuildSendVector(dg)
	// header, header digest, data (4 bytes, no pad needed), data digest.
	assert.Len(t, vec, 4)
	assert.Equal(t, 2, dg.calls)
}

func TestBuildSendVectorEmptyDataOmitsSegment(t *testing.T) {
	p := NewNopOutPDU(1, 0xffffffff, 0, 0, false)
	dg := &fakeDigest{}
	vec := p.BuildSendVector(dg)
	assert.Len(t, vec, 1)
}

func TestTotalLenSumsSegments(t *testing.T) {
	p := NewDataOutPDU(1, 0, 0xffffffff, 0, 0, 0, []byte{1, 2, 3}, true)
	vec := p.BuildSendVector(&fakeDigest{})
	total := 0
	for _, seg := range vec {
		total += len(seg)
	}
	assert.Equal(t, total, p.TotalLen())
	assert.Equal(t, BHSLen+3+1, p.TotalLen())
}

func TestResetClearsDataAndOwner(t *testing.T) {
	p := NewDataOutPDU(1, 0, 0xffffffff, 0, 0, 0, []byte{1, 2, 3}, true)
	p.HasOwner = true
	p.OwnerITT = 7
	p.Flags = Busy
	p.Reset()
	assert.Nil(t, p.Data)
	assert.False(t, p.HasOwner)
	assert.Equal(t, uint32(0), p.OwnerITT)
	assert.Equal(t, uint32(0), p.Flags)
	assert.Equal(t, Free, p.Disp)
}

func TestNewLogoutPDUEncodesReasonAndCID(t *testing.T) {
	p := NewLogoutPDU(9, 2, 0x0042, 3, 4)
	assert.Equal(t, OpLogoutRequest, p.Header.Opcode())
	assert.Equal(t, byte(2), p.Header.Flags()&0x7f)
	assert.Equal(t, uint32(0x0042)<<16, p.Header.Word20())
}

func TestNewTaskManagementPDUEncodesFunction(t *testing.T) {
	p := NewTaskManagementPDU(9, TMFTaskReassign, 99, 0, 3, 4)
	assert.Equal(t, OpSCSITaskMgmt, p.Header.Opcode())
	assert.Equal(t, TMFTaskReassign, p.Header.Flags()&0x7f)
	assert.Equal(t, uint32(99), p.Header.Word20())
}

func TestIsPriorityOpcode(t *testing.T) {
	assert.True(t, IsPriorityOpcode(OpSNACKRequest))
	assert.True(t, IsPriorityOpcode(OpSCSITaskMgmt))
	assert.False(t, IsPriorityOpcode(OpSCSICommand))
	assert.False(t, IsPriorityOpcode(OpSCSIDataOut))
}

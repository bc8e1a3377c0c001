package pdu

// Disposition tracks ownership of a PDU buffer through its lifecycle.
type Disposition int

const (
	// Free means the PDU is unattached and may be reused.
	Free Disposition = iota
	// Waiting means it has been built and is on a send queue or is the
	// active BUSY entry in a sender loop, but is not yet free to reuse.
	Waiting
)

// Flag bits, OR'd into PDU.Flags.
const (
	// InQueue is set while the PDU sits on a connection's send queue.
	InQueue uint32 = 1 << iota
	// Busy is set for the single PDU the sender loop is actively
	// writing to the socket; it cannot be freed or requeued while set.
	Busy
	// Priority PDUs are inserted at the head of the send queue instead
	// of the tail (SNACK, task management, recovery traffic).
	Priority
)

// padBuf is the shared all-zero pad buffer every PDU's BuildSendVector
// slices from; iSCSI pads data segments to 4-byte alignment and the
// pad content is always zero, so one shared buffer serves every PDU.
var padBuf = make([]byte, 4)

// PDU is a single protocol data unit in flight: its header, an optional
// data segment, and the digest trailers negotiated for the owning
// connection. OwnerITT/HasOwner identify the CCB that built this PDU
// without importing the ccb package, avoiding an import cycle.
type PDU struct {
	Header BHS

	Data       []byte
	HeaderCRC  bool
	DataCRC    bool
	headerSum  [4]byte
	dataSum    [4]byte

	Disp  Disposition
	Flags uint32

	HasOwner bool
	OwnerITT uint32

	// sendVector is the scatter-gather view built by the most recent
	// BuildSendVector call; the sender rebuilds it on every send,
	// including resends.
	sendVector [][]byte
}

// digester is the minimal surface PDU needs from pkg/digest, declared
// locally so this package does not depend on pkg/digest for the common
// case of digests being disabled.
type digester interface {
	GenDigest(buf []byte) uint32
	GenDigest2(a, b []byte) uint32
}

// padLen returns the number of zero bytes needed to round n up to a
// multiple of 4; the bytes themselves are sliced from padBuf.
func padLen(n int) int {
	return (4 - (n % 4)) % 4
}

func putUint32BE(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

// BuildSendVector assembles the scatter-gather vector the sender loop
// hands to transport.Socket.Send: BHS (+ header digest) first, then the
// data segment zero-copied from p.Data, its pad, and the data digest.
// Digests are recomputed on every call, so a resend whose header was
// re-stamped (ExpStatSN, CmdSN) carries a matching header digest.
func (p *PDU) BuildSendVector(dg digester) [][]byte {
	p.Header.SetDataSegmentLength(uint32(len(p.Data)))

	vec := make([][]byte, 0, 4)
	vec = append(vec, p.Header[:])

	if p.HeaderCRC {
		sum := dg.GenDigest(p.Header[:])
		putUint32BE(p.headerSum[:], sum)
		vec = append(vec, p.headerSum[:])
	}

	if len(p.Data) > 0 {
		vec = append(vec, p.Data)
		if pad := padLen(len(p.Data)); pad > 0 {
			vec = append(vec, padBuf[:pad])
		}
		if p.DataCRC {
			var sum uint32
			if pad := padLen(len(p.Data)); pad > 0 {
				sum = dg.GenDigest2(p.Data, padBuf[:pad])
			} else {
				sum = dg.GenDigest(p.Data)
			}
			putUint32BE(p.dataSum[:], sum)
			vec = append(vec, p.dataSum[:])
		}
	}

	p.sendVector = vec
	return vec
}

// SendVector returns the vector built by the most recent
// BuildSendVector call.
func (p *PDU) SendVector() [][]byte { return p.sendVector }

// TotalLen sums every segment in the most recently built send vector.
func (p *PDU) TotalLen() int {
	n := 0
	for _, seg := range p.sendVector {
		n += len(seg)
	}
	return n
}

// Reset clears a PDU before it returns to the free list, dropping the
// data reference so it cannot outlive the CCB buffer it pointed at.
func (p *PDU) Reset() {
	p.Header = BHS{}
	p.Data = nil
	p.HeaderCRC = false
	p.DataCRC = false
	p.Disp = Free
	p.Flags = 0
	p.HasOwner = false
	p.OwnerITT = 0
	p.sendVector = nil
}

// NewCommandPDU builds a SCSI Command PDU: F bit set (SendCommand clears
// it when unsolicited Data-Out follows), R/W set per direction,
// ExpectedDataTransferLength in Word20.
func NewCommandPDU(itt, lun uint64, cdb []byte, cmdSN, expStatSN uint32, read, write bool, edtl uint32) *PDU {
	p := &PDU{}
	p.Header.SetOpcode(OpSCSICommand, false)
	f := FlagFinal
	if read {
		f |= FlagRead
	}
	if write {
		f |= FlagWrite
	}
	p.Header.SetFlags(f)
	p.Header.SetLUN(lun)
	p.Header.SetInitiatorTaskTag(uint32(itt))
	p.Header.SetWord20(edtl)
	p.Header.SetCmdSN(cmdSN)
	p.Header.SetExpStatSN(expStatSN)
	p.Header.SetCDB(cdb)
	return p
}

// NewDataOutPDU builds an unsolicited or R2T-solicited Data-Out PDU.
// ttt is 0xffffffff for unsolicited data.
func NewDataOutPDU(itt uint32, lun uint64, ttt, expStatSN, dataSN, bufferOffset uint32, data []byte, final bool) *PDU {
	p := &PDU{Data: data}
	p.Header.SetOpcode(OpSCSIDataOut, false)
	var f byte
	if final {
		f = FlagFinal
	}
	p.Header.SetFlags(f)
	p.Header.SetLUN(lun)
	p.Header.SetInitiatorTaskTag(itt)
	p.Header.SetWord20(ttt)
	p.Header.SetExpStatSN(expStatSN)
	p.Header.SetDataSN(dataSN)
	p.Header.SetBufferOffset(bufferOffset)
	return p
}

// NewLoginPDU builds a Login Request PDU carrying key-value text.
func NewLoginPDU(itt uint32, cmdSN, expStatSN uint32, transit bool, csg, nsg byte, keyValues []byte) *PDU {
	p := &PDU{Data: keyValues}
	p.Header.SetOpcode(OpLoginRequest, true)
	p.Header.SetLoginStage(transit, csg, nsg)
	p.Header.SetInitiatorTaskTag(itt)
	p.Header.SetCmdSN(cmdSN)
	p.Header.SetExpStatSN(expStatSN)
	return p
}

// NewTextPDU builds a Text Request PDU (used for SendTargets and
// operational renegotiation outside login).
func NewTextPDU(itt uint32, cmdSN, expStatSN uint32, final bool, keyValues []byte) *PDU {
	p := &PDU{Data: keyValues}
	p.Header.SetOpcode(OpTextRequest, false)
	var f byte
	if final {
		f = FlagFinal
	}
	p.Header.SetFlags(f)
	p.Header.SetInitiatorTaskTag(itt)
	p.Header.SetCmdSN(cmdSN)
	p.Header.SetExpStatSN(expStatSN)
	return p
}

// NewLogoutPDU builds a Logout Request PDU. reason 0 = session close,
// 1 = close connection, 2 = remove connection for recovery.
func NewLogoutPDU(itt uint32, reason byte, cid uint16, cmdSN, expStatSN uint32) *PDU {
	p := &PDU{}
	p.Header.SetOpcode(OpLogoutRequest, true)
	p.Header.SetFlags(FlagFinal | reason)
	p.Header.SetInitiatorTaskTag(itt)
	p.Header.SetWord20(uint32(cid) << 16)
	p.Header.SetCmdSN(cmdSN)
	p.Header.SetExpStatSN(expStatSN)
	return p
}

// NewSNACKPDU builds a SNACK Request PDU requesting retransmission of
// status/data starting at begRun for runLength sequence numbers.
func NewSNACKPDU(itt uint32, snackType byte, expStatSN, begRun, runLength uint32) *PDU {
	p := &PDU{}
	p.Header.SetOpcode(OpSNACKRequest, false)
	p.Header.SetFlags(snackType)
	p.Header.SetInitiatorTaskTag(itt)
	p.Header.SetExpStatSN(expStatSN)
	p.Header.SetBufferOffset(begRun)
	p.Header.SetDataSN(runLength)
	return p
}

// NewTaskManagementPDU builds a SCSI Task Management Function Request.
func NewTaskManagementPDU(itt uint32, function byte, referencedITT uint32, lun uint64, cmdSN, expStatSN uint32) *PDU {
	p := &PDU{}
	p.Header.SetOpcode(OpSCSITaskMgmt, true)
	p.Header.SetFlags(FlagFinal | (function & 0x7f))
	p.Header.SetLUN(lun)
	p.Header.SetInitiatorTaskTag(itt)
	p.Header.SetWord20(referencedITT)
	p.Header.SetCmdSN(cmdSN)
	p.Header.SetExpStatSN(expStatSN)
	return p
}

// NewNopOutPDU builds a NOP-Out, used both as an idle-timer keepalive
// probe (ttt 0xffffffff, itt a real tag expecting NOP-In) and as a
// response to a target-initiated NOP-In ping (itt 0xffffffff).
func NewNopOutPDU(itt, ttt uint32, cmdSN, expStatSN uint32, immediate bool) *PDU {
	p := &PDU{}
	p.Header.SetOpcode(OpNopOut, immediate)
	p.Header.SetFlags(FlagFinal)
	p.Header.SetInitiatorTaskTag(itt)
	p.Header.SetWord20(ttt)
	p.Header.SetCmdSN(cmdSN)
	p.Header.SetExpStatSN(expStatSN)
	return p
}

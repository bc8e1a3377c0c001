package session

import (
	"github.com/go-iscsi/initiator/pkg/ccb"
	"github.com/go-iscsi/initiator/pkg/pdu"
	"github.com/go-iscsi/initiator/pkg/status"
	"github.com/go-iscsi/initiator/pkg/transport"
)

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// SendCommand builds and enqueues a SCSI Command PDU for cc. Go's
// allocator does not fail the way a fixed-size PDU pool would, so
// there is no separate "PDU allocation refused" branch here and this
// function never delivers NoResources; a closed CmdSN window is
// reported as QueueFull.
func (c *Connection) SendCommand(cc *ccb.CCB, req *transport.CommandRequest, disp ccb.Disposition, immed bool) {
	// Wake's idempotence guard treats Disp == Free as "already
	// delivered", which is also a freshly allocated CCB's zero value;
	// stamp the caller's intended disposition up front so an early
	// rejection below still reaches the waiter.
	cc.Disp = disp

	c.Sess.mu.Lock()
	if !c.Sess.sernumInWindow() {
		c.Sess.mu.Unlock()
		c.ccbs.Wake(cc, c.Sess.Upper, status.QueueFull)
		return
	}
	c.Sess.mu.Unlock()

	if c.State() != StateFullFeature {
		c.ccbs.Wake(cc, c.Sess.Upper, status.TargetBusy)
		return
	}

	cc.Request = req
	cc.DataIn = req.DataIn
	cc.DataLen = len(req.Data)
	cc.DataPtr = req.Data
	cc.Flags |= ccb.FlagReassignEligible

	c.mu.Lock()
	maxImmed := c.MaxFirstImmed
	maxFirstData := c.MaxFirstData
	c.mu.Unlock()

	var imm, totlen uint32
	if req.DataOut {
		imm = min32(uint32(cc.DataLen), maxImmed)
		remaining := uint32(cc.DataLen) - imm
		if imm >= maxFirstData {
			totlen = 0
		} else {
			totlen = min32(remaining, maxFirstData-imm)
		}
	}

	final := totlen == 0

	if cc.DataIn {
		cc.ExpDataSN = 0
	}

	c.Sess.mu.Lock()
	cmdSN := c.Sess.getSernum()
	c.Sess.mu.Unlock()
	cc.CmdSN = cmdSN

	p := pdu.NewCommandPDU(uint64(cc.ITT), req.LUN, req.CDB, cmdSN, 0, req.DataIn, req.DataOut, uint32(cc.DataLen))
	if imm > 0 {
		p.Data = req.Data[:imm]
	}
	if !final {
		p.Header.SetFlags(p.Header.Flags() &^ pdu.FlagFinal)
	}
	if immed {
		p.Header.SetOpcode(p.Header.Opcode(), true)
	}

	ccbDisp := disp
	if totlen > 0 {
		ccbDisp = ccb.Defer
	}
	c.SendPDU(cc, p, ccbDisp, pdu.Waiting)

	if totlen > 0 {
		c.SendDataOut(nil, cc, req.Data[imm:imm+totlen], imm, disp)
	}
}

// SendDataOut emits one or more Data-Out PDUs of at most MaxTransfer
// bytes each. r2t is nil for
// unsolicited data (TargetTransferTag 0xffffffff, BufferOffset starting
// at MaxFirstImmed); non-nil for an R2T-solicited burst.
func (c *Connection) SendDataOut(r2t *pdu.PDU, cc *ccb.CCB, data []byte, bufferOffset uint32, finalDisp ccb.Disposition) {
	c.mu.Lock()
	maxTransfer := c.MaxTransfer
	exp := c.expStatSN
	c.mu.Unlock()
	if maxTransfer == 0 {
		maxTransfer = uint32(len(data))
		if maxTransfer == 0 {
			maxTransfer = 1
		}
	}

	ttt := uint32(0xffffffff)
	if r2t != nil {
		ttt = r2t.Header.Word20()
	}

	offset := bufferOffset
	var dataSN uint32
	for remaining := data; len(remaining) > 0; {
		n := uint32(len(remaining))
		if n > maxTransfer {
			n = maxTransfer
		}
		chunk := remaining[:n]
		remaining = remaining[n:]
		final := len(remaining) == 0

		p := pdu.NewDataOutPDU(cc.ITT, cc.Request.LUN, ttt, exp, dataSN, offset, chunk, final)

		disp := ccb.NoWait
		if final {
			disp = finalDisp
		}
		c.SendPDU(cc, p, disp, pdu.Free)

		offset += n
		dataSN++
	}
}

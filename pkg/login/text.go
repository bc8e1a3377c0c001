package login

import (
	"context"

	"github.com/go-iscsi/initiator/pkg/ccb"
	"github.com/go-iscsi/initiator/pkg/pdu"
	"github.com/go-iscsi/initiator/pkg/status"
)

// SendSendTargets issues a Text Request carrying a SendTargets key,
// marking the CCB SendTarget-flagged so NegotiateText accumulates the
// target list onto the CCB instead of discarding it with the PDU.
func (d *Driver) SendSendTargets(ctx context.Context, key string) (*ccb.CCB, status.Status) {
	kv, err := d.Assembler.AssembleSendTargets(key)
	if err != nil || kv.Err != nil {
		return nil, status.TargetError
	}

	cc := d.Conn.CCBs().Get(d.Conn.ID, d.Conn.Sess.ID)
	cc.Flags |= ccb.FlagSendTarget
	cmdSN := d.nextCmdSN()

	p := pdu.NewTextPDU(cc.ITT, cmdSN, 0, true, kv.Payload)
	d.Conn.SendPDU(cc, p, ccb.Wait, pdu.Free)
	st := d.Conn.Join(ctx, cc)
	return cc, st
}

// NegotiateText is structurally the text-opcode twin of NegotiateLogin,
// except completion is signalled by
// FINAL rather than a stage transition, and a SendTarget-flagged CCB
// accumulates each round's key-values onto cc.DataPtr; for other CCBs
// the received key-values are not kept.
func (d *Driver) NegotiateText(cc *ccb.CCB, rx Response) {
	if cc.Flags&ccb.FlagSendTarget != 0 {
		cc.DataPtr = append(cc.DataPtr, rx.KeyValues...)
	}

	if rx.Final {
		d.Conn.WakeCCB(cc, status.Success)
		return
	}

	kv, err := d.Assembler.AssembleNegotiationParameters()
	if err != nil || kv.Err != nil {
		d.Conn.WakeCCB(cc, status.TargetError)
		return
	}

	cmdSN := d.nextCmdSN()
	p := pdu.NewTextPDU(cc.ITT, cmdSN, 0, kv.Next == 0, kv.Payload)
	d.Conn.SendPDU(cc, p, ccb.Wait, pdu.Free)
}

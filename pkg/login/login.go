// Package login drives the multi-round login/text key-value negotiation
// against the external KeyValueAssembler the upper layer supplies. The
// receive-path PDU parser lives outside this core; Driver's Negotiate*
// entry points accept an already-decoded Response so they can be unit
// tested without a parser.
package login

import (
	"context"

	"github.com/go-iscsi/initiator/pkg/ccb"
	"github.com/go-iscsi/initiator/pkg/pdu"
	"github.com/go-iscsi/initiator/pkg/session"
	"github.com/go-iscsi/initiator/pkg/status"
	"github.com/go-iscsi/initiator/pkg/transport"
)

// NegotiatedParams is what the operational phase commits to the
// connection once the target transitions it to FULL_FEATURE.
type NegotiatedParams struct {
	HeaderDigest  bool
	DataDigest    bool
	MaxTransfer   uint32
	MaxFirstImmed uint32
	MaxFirstData  uint32
}

// Response is a decoded login or text response, handed to Driver by
// the (external) receive path.
type Response struct {
	Transit bool
	CSG     byte
	NSG     byte
	TSIH    uint16
	KeyValues []byte
	Params  *NegotiatedParams // non-nil only on the FULL_FEATURE response
	Final   bool              // for text responses
}

// Driver owns one connection's negotiation state across login (and,
// for ErrorRecoveryLevel 2 recovery, a subsequent relogin).
type Driver struct {
	Conn       *session.Connection
	Assembler  transport.KeyValueAssembler
	ISID       [6]byte
	TSIH       uint16
	relogin    bool
	sendTarget string
}

// NewDriver returns a login driver for an initial login.
func NewDriver(conn *session.Connection, assembler transport.KeyValueAssembler, isid [6]byte) *Driver {
	return &Driver{Conn: conn, Assembler: assembler, ISID: isid}
}

// NewRelogin returns a login driver for an ErrorRecoveryLevel-2
// recovery relogin on a connection slot that was already authenticated
// once: a relogin skips SecurityNegotiation entirely and starts
// straight into operational negotiation.
func NewRelogin(conn *session.Connection, assembler transport.KeyValueAssembler, isid [6]byte, tsih uint16) *Driver {
	return &Driver{Conn: conn, Assembler: assembler, ISID: isid, TSIH: tsih, relogin: true}
}

// SendLogin composes and sends the first login PDU, then blocks until
// the multi-round negotiation driven by NegotiateLogin completes.
func (d *Driver) SendLogin(ctx context.Context) status.Status {
	if err := d.Assembler.InitTextParameters(); err != nil {
		return status.TargetError
	}

	stage := byte(pdu.StageSecurityNegotiation)
	var kv transport.KeyValueResult
	var err error
	if d.relogin {
		stage = pdu.StageLoginOperational
		kv, err = d.Assembler.AssembleNegotiationParameters()
	} else {
		kv, err = d.Assembler.AssembleSecurityParameters()
	}
	if err != nil || kv.Err != nil {
		return status.TargetError
	}

	cc := d.Conn.CCBs().Get(d.Conn.ID, d.Conn.Sess.ID)
	cmdSN := d.nextCmdSN()

	transit := kv.Next == 0
	p := pdu.NewLoginPDU(cc.ITT, cmdSN, 0, transit, stage, nextStage(stage, transit), kv.Payload)
	d.stampISIDTSIH(p)

	d.Conn.SendPDU(cc, p, ccb.Wait, pdu.Free)
	return d.Conn.Join(ctx, cc)
}

// nextStage picks NSG: if the assembler signaled completion, advance
// past operational to full-feature; otherwise stay in the same phase.
func nextStage(current byte, transit bool) byte {
	if !transit {
		return current
	}
	if current == pdu.StageSecurityNegotiation {
		return pdu.StageLoginOperational
	}
	return pdu.StageFullFeaturePhase
}

func (d *Driver) nextCmdSN() uint32 {
	return d.Conn.NextCmdSN()
}

func (d *Driver) stampISIDTSIH(p *pdu.PDU) {
	// ISID occupies the low 48 bits of the LUN field position on a
	// login PDU in RFC 3720's header reuse; TSIH is carried in the
	// adjacent opcode-specific word. BHS exposes these as the generic
	// LUN/Word20 accessors since pkg/pdu has no login-specific fields.
	var isid uint64
	for _, b := range d.ISID {
		isid = isid<<8 | uint64(b)
	}
	p.Header.SetLUN(isid)
	p.Header.SetWord20(uint32(d.TSIH))
}

// NegotiateLogin advances the login state machine, invoked by the
// (external) receive path once a login response has been decoded.
func (d *Driver) NegotiateLogin(cc *ccb.CCB, rx Response) {
	var cPhase byte
	if rx.Transit {
		cPhase = rx.NSG
	} else {
		cPhase = rx.CSG
	}

	if cPhase == pdu.StageFullFeaturePhase {
		if d.TSIH == 0 {
			d.TSIH = rx.TSIH
			d.Conn.Sess.SetTSIH(rx.TSIH)
		}
		if rx.Params != nil {
			d.Conn.SetDigests(rx.Params.HeaderDigest, rx.Params.DataDigest)
			d.Conn.SetTransferParams(rx.Params.MaxTransfer, rx.Params.MaxFirstImmed, rx.Params.MaxFirstData)
		}
		d.Conn.MarkFullFeature()
		d.Conn.WakeCCB(cc, status.Success)
		return
	}

	var kv transport.KeyValueResult
	var err error
	switch cPhase {
	case pdu.StageSecurityNegotiation:
		kv, err = d.Assembler.AssembleSecurityParameters()
	case pdu.StageLoginOperational:
		kv, err = d.Assembler.AssembleNegotiationParameters()
	default:
		d.Conn.WakeCCB(cc, status.TargetError)
		return
	}
	if err != nil || kv.Err != nil {
		d.Conn.WakeCCB(cc, status.TargetError)
		return
	}

	transit := kv.Next == 0
	cmdSN := d.nextCmdSN()
	p := pdu.NewLoginPDU(cc.ITT, cmdSN, 0, transit, cPhase, nextStage(cPhase, transit), kv.Payload)
	d.stampISIDTSIH(p)
	d.Conn.SendPDU(cc, p, ccb.Wait, pdu.Free)
}

package session

import (
	"context"

	"github.com/go-iscsi/initiator/pkg/ccb"
	"github.com/go-iscsi/initiator/pkg/pdu"
	"github.com/go-iscsi/initiator/pkg/status"
)

// SendPDU is the one enqueue path. It attaches cc (if non-nil)
// to p, places p on the connection's send queue honoring PRIORITY, and
// registers cc on ccbsWaiting the first time it is queued.
//
// BuildSendVector is pure with respect to p.Data (it only ever reads it
// and writes into p's own digest scratch fields), so the sender's
// in-place mutation of the scatter-gather vector cannot corrupt a
// retransmission; ResendPDU instead relies on BUSY to serialize against
// a transmission already in flight.
func (c *Connection) SendPDU(cc *ccb.CCB, p *pdu.PDU, ccbDisp ccb.Disposition, pduDisp pdu.Disposition) {
	var firstQueue bool

	if cc != nil {
		p.HasOwner = true
		p.OwnerITT = cc.ITT
		p.Header.SetInitiatorTaskTag(cc.ITT)
		if pduDisp == pdu.Waiting {
			// Only a retransmittable PDU is tracked for resend/reassign;
			// data-out PDUs (always PDUDISP_FREE) never replace it.
			cc.PDUWaiting = p
		}
		if ccbDisp != ccb.NoWait {
			firstQueue = cc.Disp != ccb.Wait && cc.Disp != ccb.SCSIPI && cc.Disp != ccb.Defer
			cc.Disp = ccbDisp
		}
	}

	p.Disp = pduDisp

	c.mu.Lock()
	if pduDisp == pdu.Waiting {
		p.Flags |= pdu.Busy
	}
	c.enqueueRaw(p)
	if cc != nil && ccbDisp != ccb.NoWait && firstQueue {
		c.ccbsWaiting = append(c.ccbsWaiting, cc)
	}
	c.mu.Unlock()

	c.signalSender()

	if cc != nil && ccbDisp != ccb.NoWait {
		c.armCommandTimer(cc)
	}
}

// Join blocks the caller until cc is woken (success, error, or
// timeout) for a CCB queued with ccb.Wait disposition. ctx
// additionally bounds the wait (e.g. by the caller's own deadline);
// the command timer remains the primary bound.
func (c *Connection) Join(ctx context.Context, cc *ccb.CCB) status.Status {
	select {
	case <-cc.Done():
		return cc.Status
	case <-ctx.Done():
		return status.Timeout
	case <-c.ctx.Done():
		return status.ConnectionFailed
	}
}

// removeFromWaiting deletes cc from ccbsWaiting; caller must hold c.mu.
func (c *Connection) removeFromWaiting(cc *ccb.CCB) {
	for i, w := range c.ccbsWaiting {
		if w == cc {
			c.ccbsWaiting = append(c.ccbsWaiting[:i], c.ccbsWaiting[i+1:]...)
			return
		}
	}
}

// WakeCCB is the single completion path used by the (external) receive
// path once it has parsed a response PDU and located the owning CCB by
// ITT.
func (c *Connection) WakeCCB(cc *ccb.CCB, st status.Status) {
	c.mu.Lock()
	c.removeFromWaiting(cc)
	c.mu.Unlock()
	c.disarmCommandTimer(cc)
	c.ccbs.Wake(cc, c.Sess.Upper, st)
}

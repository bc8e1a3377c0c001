package session

import (
	"time"

	"github.com/go-iscsi/initiator/pkg/ccb"
	"github.com/go-iscsi/initiator/pkg/pdu"
	"github.com/go-iscsi/initiator/pkg/status"
	"github.com/go-iscsi/initiator/pkg/transport"
)

// HandleConnectionError is the universal wake-and-cancel path: writing
// a non-zero status into terminating and signalling the sender is
// idempotent past the first call.
func (c *Connection) HandleConnectionError(st status.Status, sendLogout bool) {
	c.mu.Lock()
	if c.term.isSet() {
		c.mu.Unlock()
		return
	}
	c.term = terminating{set: true, status: st}
	c.mu.Unlock()

	c.Logger.Warn("connection entering TERMINATING", "status", st, "logout", sendLogout)
	c.setState(StateTerminating)

	if sendLogout && c.State() != StateLogoutSent {
		// Best effort: queue a logout so the target is told before the
		// socket goes away. Failure to enqueue is not itself fatal;
		// the connection is already terminating.
		cc := c.ccbs.Get(c.ID, c.Sess.ID)
		c.Sess.mu.Lock()
		cmdSN := c.Sess.getSernum()
		c.Sess.mu.Unlock()
		p := pdu.NewLogoutPDU(cc.ITT, 0, uint16(c.ID), cmdSN, c.expStatSN)
		c.SendPDU(cc, p, ccb.NoWait, pdu.Free)
	}

	c.signalSender()
}

// cleanup runs on the sender goroutine once it observes terminating
// set: shut down the socket, wake or reassign every outstanding CCB,
// then either destroy the connection or wait for a recovery relogin.
func (c *Connection) cleanup() {
	_ = c.sock.Shutdown()

	c.mu.Lock()
	waiting := append([]*ccb.CCB(nil), c.ccbsWaiting...)
	c.ccbsWaiting = c.ccbsWaiting[:0]
	term := c.term
	c.mu.Unlock()

	var survivors []*ccb.CCB
	for _, cc := range waiting {
		eligible := cc.Flags&ccb.FlagReassignEligible != 0 && cc.PDUWaiting != nil
		if !eligible {
			c.ccbs.Wake(cc, c.Sess.Upper, term.status)
			continue
		}
		c.disarmCommandTimer(cc)
		cc.NumTimeouts = 0
		survivors = append(survivors, cc)
	}

	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, p := range pending {
		keep := false
		for _, cc := range survivors {
			if cc.PDUWaiting == p {
				keep = true
				break
			}
		}
		if !keep {
			p.Reset()
		}
	}

	if c.Sess.Events != nil {
		kind := transport.EventConnectionTerminated
		if len(survivors) > 0 {
			kind = transport.EventRecoverConnection
		}
		c.Sess.Events.AddEvent(kind, c.Sess.ID, c.ID, term.status)
	}

	if len(survivors) > 0 {
		if sibling := c.Sess.AssignConnection(c.ctx, false); sibling != nil {
			c.reassignTasks(sibling, survivors)
		} else {
			for _, cc := range survivors {
				c.ccbs.Wake(cc, c.Sess.Upper, term.status)
			}
		}
	}

	c.mu.Lock()
	destroy := c.destroy
	c.mu.Unlock()
	if destroy {
		c.setState(StateDestroy)
		return
	}

	select {
	case <-c.idleDoorbell:
		c.mu.Lock()
		c.term = terminating{}
		c.mu.Unlock()
		c.senderLoop()
	case <-time.After(c.Sess.Cfg.ConnectionIdleTimeout):
		c.mu.Lock()
		c.destroy = true
		c.mu.Unlock()
		c.setState(StateDestroy)
	case <-c.ctx.Done():
	}
}

// reassignTasks migrates surviving CCBs onto a sibling connection once
// one has been found, via TASK_REASSIGN where the target supports it
// and CmdSN-rewrite-and-resend otherwise.
func (c *Connection) reassignTasks(newConn *Connection, survivors []*ccb.CCB) {
	skipTM := false
	if c.Sess.Cfg.ErrorRecoveryLevel >= 2 && c.loggedOut == LoggedOutNot {
		c.sendRecoverLogout(newConn)
		time.Sleep(c.Sess.Cfg.Time2Wait)
		if c.Sess.Cfg.Time2Retain == 0 {
			skipTM = true
		}
	}

	type moved struct {
		old *ccb.CCB
		new *ccb.CCB
	}
	var pairs []moved

	for _, old := range survivors {
		newCC := newConn.ccbs.Get(newConn.ID, c.Sess.ID)
		newCC.Request = old.Request
		newCC.DataIn = old.DataIn
		newCC.DataLen = old.DataLen
		newCC.DataPtr = old.DataPtr
		newCC.Flags = old.Flags
		newCC.CmdSN = old.CmdSN

		oldPDU := old.PDUWaiting
		newP := &pdu.PDU{
			Header: oldPDU.Header,
			Data:   oldPDU.Data,
			Disp:   pdu.Waiting,
		}
		newP.Header.SetInitiatorTaskTag(newCC.ITT)
		newCC.PDUWaiting = newP

		c.ccbs.Free(old)
		pairs = append(pairs, moved{old: old, new: newCC})
	}

	canTM := !skipTM && c.Sess.Cfg.ErrorRecoveryLevel >= 2

	for _, pr := range pairs {
		newConn.mu.Lock()
		newConn.ccbsWaiting = append(newConn.ccbsWaiting, pr.new)
		newConn.mu.Unlock()

		if canTM {
			c.Sess.mu.Lock()
			cmdSN := c.Sess.getSernum()
			c.Sess.mu.Unlock()
			tmCC := newConn.ccbs.Get(newConn.ID, c.Sess.ID)
			p := pdu.NewTaskManagementPDU(tmCC.ITT, pdu.TMFTaskReassign, pr.new.ITT, pr.new.Request.LUN, cmdSN, newConn.expStatSN)
			newConn.SendPDU(tmCC, p, ccb.NoWait, pdu.Free)
			newConn.armCommandTimer(pr.new)
			continue
		}

		c.Sess.mu.Lock()
		belowExp := seqLE(pr.new.CmdSN+1, c.Sess.expCmdSN)
		if belowExp {
			pr.new.CmdSN = c.Sess.getSernum()
			pr.new.PDUWaiting.Header.SetCmdSN(pr.new.CmdSN)
		}
		c.Sess.mu.Unlock()

		newConn.ResendPDU(pr.new)
	}
}

func (c *Connection) sendRecoverLogout(newConn *Connection) {
	const reasonRecoverConnection byte = 2
	cc := newConn.ccbs.Get(newConn.ID, c.Sess.ID)
	c.Sess.mu.Lock()
	cmdSN := c.Sess.getSernum()
	c.Sess.mu.Unlock()
	p := pdu.NewLogoutPDU(cc.ITT, reasonRecoverConnection, uint16(c.ID), cmdSN, newConn.expStatSN)
	newConn.SendPDU(cc, p, ccb.Wait, pdu.Free)
	st := newConn.Join(newConn.ctx, cc)
	c.mu.Lock()
	if st == status.Success {
		c.loggedOut = LoggedOutSuccess
	} else {
		c.loggedOut = LoggedOutFailed
	}
	c.mu.Unlock()
}

// ResendPDU is idempotent: a no-op if the saved PDU is missing or
// already in flight (BUSY).
func (c *Connection) ResendPDU(cc *ccb.CCB) {
	p := cc.PDUWaiting
	if p == nil {
		return
	}
	c.mu.Lock()
	if p.Flags&pdu.Busy != 0 {
		c.mu.Unlock()
		return
	}
	p.Flags |= pdu.Busy
	c.enqueueRaw(p)
	c.mu.Unlock()

	c.signalSender()
	c.armCommandTimer(cc)
}

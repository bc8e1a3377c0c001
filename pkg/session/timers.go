package session

import (
	"time"

	"github.com/go-iscsi/initiator/pkg/ccb"
	"github.com/go-iscsi/initiator/pkg/pdu"
	"github.com/go-iscsi/initiator/pkg/status"
)

// idleTimerLoop runs the connection idle/keepalive timer.
// On each expiry: past MaxConnTimeouts the connection is failed; else,
// if FULL_FEATURE, a NOP-Out probe is sent and the timer rearms.
func (c *Connection) idleTimerLoop() {
	period := c.Sess.Cfg.ConnectionTimeout
	timer := time.NewTimer(period)
	defer timer.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
			c.mu.Lock()
			if c.term.isSet() {
				c.mu.Unlock()
				return
			}
			c.numTimeouts++
			exceeded := c.numTimeouts >= c.Sess.Cfg.MaxConnTimeouts
			full := c.state == StateFullFeature
			c.mu.Unlock()

			if exceeded {
				c.HandleConnectionError(status.Timeout, false)
				return
			}
			if full {
				c.sendKeepaliveProbe()
			}
			timer.Reset(period)
		}
	}
}

func (c *Connection) sendKeepaliveProbe() {
	cc := c.ccbs.Get(c.ID, c.Sess.ID)
	c.Sess.mu.Lock()
	cmdSN := c.Sess.getSernum()
	c.Sess.mu.Unlock()

	c.mu.Lock()
	exp := c.expStatSN
	c.mu.Unlock()

	p := pdu.NewNopOutPDU(cc.ITT, 0xffffffff, cmdSN, exp, true)
	c.SendPDU(cc, p, ccb.Free, pdu.Free)
}

// armCommandTimer starts/restarts the per-CCB command timer. Called
// whenever a WAIT-disposition CCB's PDU is enqueued or resent.
func (c *Connection) armCommandTimer(cc *ccb.CCB) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.ccbTimers[cc.ITT]; ok {
		t.Stop()
	}
	c.ccbTimers[cc.ITT] = time.AfterFunc(c.Sess.Cfg.CommandTimeout, func() {
		c.commandTimerExpired(cc)
	})
}

// disarmCommandTimer stops and forgets a CCB's command timer, used
// during cleanup when a CCB is kept attached for reassignment (its
// timeout count is reset there too).
func (c *Connection) disarmCommandTimer(cc *ccb.CCB) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.ccbTimers[cc.ITT]; ok {
		t.Stop()
		delete(c.ccbTimers, cc.ITT)
	}
}

func (c *Connection) commandTimerExpired(cc *ccb.CCB) {
	cc.TotalTries++
	cc.NumTimeouts++

	cfg := c.Sess.Cfg
	fatal := cc.NumTimeouts > cfg.MaxCCBTimeouts ||
		cc.TotalTries > cfg.MaxCCBTries ||
		cc.Disp == ccb.Free ||
		cfg.ErrorRecoveryLevel == 0

	if fatal {
		c.ccbs.Wake(cc, c.Sess.Upper, status.Timeout)
		c.HandleConnectionError(status.Timeout, true)
		return
	}

	c.sendRecoverySNACK(cc)
	c.armCommandTimer(cc)
}

// sendRecoverySNACK emits SNACK_DATA_NAK for a read missing a data PDU,
// else SNACK_STATUS_NAK.
func (c *Connection) sendRecoverySNACK(cc *ccb.CCB) {
	c.mu.Lock()
	exp := c.expStatSN
	c.mu.Unlock()

	const (
		snackData   byte = 0x01
		snackStatus byte = 0x02
	)

	if cc.DataIn {
		if gapStart, hasGap := cc.MarkDataSN(cc.ExpDataSN); hasGap {
			p := pdu.NewSNACKPDU(cc.ITT, snackData, exp, gapStart, 1)
			c.SendPDU(nil, p, ccb.NoWait, pdu.Free)
			return
		}
	}
	p := pdu.NewSNACKPDU(cc.ITT, snackStatus, exp, 0, 0)
	c.SendPDU(nil, p, ccb.NoWait, pdu.Free)
}

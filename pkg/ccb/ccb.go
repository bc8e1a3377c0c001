// Package ccb implements the per-command control block arena: tag
// allocation and reuse, the disposition state machine that governs how
// a completion is delivered, and the inbound DataSN window used by read
// commands. Connections and sessions are referenced by numeric id
// rather than by pointer so this package never imports pkg/session,
// keeping the dependency graph acyclic by referencing peers through
// small integer handles instead of back-pointers.
package ccb

import (
	"sync"

	"github.com/go-iscsi/initiator/pkg/pdu"
	"github.com/go-iscsi/initiator/pkg/status"
	"github.com/go-iscsi/initiator/pkg/transport"
)

// Disposition governs how WakeCCB delivers a terminal status.
type Disposition int

const (
	// Free: no delivery is pending. Wake sets this after delivering, and
	// a Wake on a CCB already in this disposition does nothing: it does
	// not return the CCB to the arena.
	Free Disposition = iota
	// NoWait: fire-and-forget submission (e.g. unsolicited data-out);
	// WakeCCB records status but performs no delivery action.
	NoWait
	// Wait: a caller goroutine blocks in Join on Done.
	Wait
	// SCSIPI: completion is delivered via transport.UpperStack, and Done
	// is signalled as well.
	SCSIPI
	// Defer: more PDUs are still being built for this CCB (unsolicited
	// data-out in flight); not yet a terminal disposition.
	Defer
)

// Flag bits for CCB.Flags.
const (
	FlagReassignEligible uint32 = 1 << iota
	FlagSendTarget
	FlagOtherConn
)

// dataSNWindowSize bounds how many in-flight inbound Data-In sequence
// numbers a single read command tracks for gap detection ahead of a
// SNACK_DATA_NAK.
const dataSNWindowSize = 64

// CCB is one outstanding operation: SCSI command, login, text, logout,
// task management, or a NOP-Out carrying a real ITT.
type CCB struct {
	mu sync.Mutex

	ITT uint32

	// ConnID/SessID are arena-slot identifiers resolved by the session
	// package under its own lock; this package never dereferences them.
	ConnID uint32
	SessID uint32

	Disp   Disposition
	Status status.Status
	CmdSN  uint32

	// PDUWaiting is the retransmittable PDU for this CCB, or nil.
	PDUWaiting *pdu.PDU

	Request *transport.CommandRequest

	DataPtr []byte
	DataLen int
	DataIn  bool
	XferLen int
	Residual int

	Sense []byte

	// dataSNSeen tracks which DataSN values have arrived for a read,
	// so the command timer can compute the gap for SNACK_DATA_NAK.
	dataSNSeen [dataSNWindowSize]bool
	ExpDataSN  uint32

	Flags uint32

	NumTimeouts int
	TotalTries  int

	// done is the per-CCB doorbell; buffered by one so a WakeCCB that
	// races a timeout never blocks the wrong goroutine (Open Question
	// 3: each CCB gets its own channel instead of sharing one broadcast
	// condition variable).
	done chan struct{}
}

func newCCB(itt uint32) *CCB {
	return &CCB{ITT: itt, done: make(chan struct{}, 1)}
}

// Done returns the channel a Wait- or SCSIPI-disposition caller selects
// on.
func (c *CCB) Done() <-chan struct{} { return c.done }

// MarkDataSN records arrival of DataSN n for gap tracking; it returns
// the lowest not-yet-seen sequence number below n and true, or 0 and
// false if there is no gap.
func (c *CCB) MarkDataSN(n uint32) (gapStart uint32, hasGap bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(n) < dataSNWindowSize {
		c.dataSNSeen[n] = true
	}
	for i := uint32(0); i < n && int(i) < dataSNWindowSize; i++ {
		if !c.dataSNSeen[i] {
			return i, true
		}
	}
	return 0, false
}

// Table is the CCB arena for one connection's worth of initiator task
// tags: a free list plus a live map, so ITTs are reused only after
// Table.Free and never while a PDU still references them.
type Table struct {
	mu      sync.Mutex
	live    map[uint32]*CCB
	nextITT uint32
	free    []uint32
}

// NewTable returns an empty arena. Tags start at 1; 0xffffffff is
// reserved as the "no tag" sentinel used by target-initiated NOP-In.
func NewTable() *Table {
	return &Table{live: make(map[uint32]*CCB), nextITT: 1}
}

// Get allocates a CCB with a fresh or reused ITT.
func (t *Table) Get(connID, sessID uint32) *CCB {
	t.mu.Lock()
	defer t.mu.Unlock()

	var itt uint32
	if n := len(t.free); n > 0 {
		itt = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		itt = t.nextITT
		t.nextITT++
		if t.nextITT == 0xffffffff {
			t.nextITT = 1
		}
	}

	c := newCCB(itt)
	c.ConnID = connID
	c.SessID = sessID
	t.live[itt] = c
	return c
}

// Lookup finds a live CCB by ITT, as the receive path does for every
// inbound PDU carrying one.
func (t *Table) Lookup(itt uint32) (*CCB, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.live[itt]
	return c, ok
}

// Free returns a CCB's ITT to the free list. Callers must only invoke
// this once disp <= Free and no PDU holds a reference (WakeCCB enforces
// the ordering; this method just does the bookkeeping).
func (t *Table) Free(c *CCB) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.live[c.ITT]; !ok {
		return
	}
	delete(t.live, c.ITT)
	t.free = append(t.free, c.ITT)
}

// Wake delivers exactly one terminal status to a CCB, the single path
// every caller (receive path success, timer expiry, connection error,
// reassignment failure) must go through. It is safe to call more than
// once; only the first call after the CCB has been given a non-Free
// disposition has any effect (a call on a freshly allocated CCB, whose
// disposition is Free, does nothing), so a
// connection failing every CCB it holds can call Wake on each one
// without worrying whether some of them already completed normally.
func (t *Table) Wake(c *CCB, upper transport.UpperStack, st status.Status) {
	c.mu.Lock()
	if c.Disp == Free {
		c.mu.Unlock()
		return
	}
	c.Status = st
	disp := c.Disp
	c.Disp = Free
	c.mu.Unlock()

	switch disp {
	case Wait:
		select {
		case c.done <- struct{}{}:
		default:
		}
	case SCSIPI:
		if upper != nil && c.Request != nil {
			upper.ScsipiDone(c.Request, &transport.CommandResult{
				Status:   st,
				Residual: c.Residual,
				SenseLen: len(c.Sense),
				Sense:    c.Sense,
			})
		}
		select {
		case c.done <- struct{}{}:
		default:
		}
		t.Free(c)
	case NoWait, Defer:
		// Fire-and-forget or still-building dispositions: status is
		// recorded but there is no waiter or upper-stack call to make.
		t.Free(c)
	case Free:
		t.Free(c)
	}
}

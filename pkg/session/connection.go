package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-iscsi/initiator/internal/wirelog"
	"github.com/go-iscsi/initiator/pkg/ccb"
	"github.com/go-iscsi/initiator/pkg/pdu"
	"github.com/go-iscsi/initiator/pkg/status"
	"github.com/go-iscsi/initiator/pkg/transport"
)

// Connection is a single transport association within a Session.
type Connection struct {
	mu sync.Mutex

	ID   uint32
	Sess *Session

	sock transport.Socket

	state State

	HeaderDigest  bool
	DataDigest    bool
	MaxTransfer   uint32
	MaxFirstImmed uint32
	MaxFirstData  uint32

	useCount int32 // atomic

	numTimeouts int
	term        terminating
	destroy     bool
	loggedOut   LoggedOut

	queue []*pdu.PDU
	ccbsWaiting []*ccb.CCB

	ccbs *ccb.Table

	expStatSN uint32

	// doorbell wakes the sender when the queue gains an entry or
	// terminating is set.
	doorbell chan struct{}
	// idleDoorbell wakes cleanup's bounded wait for a recovery login to
	// land on this connection slot.
	idleDoorbell chan struct{}

	timersMu  sync.Mutex
	ccbTimers map[uint32]*time.Timer

	Logger  *slog.Logger
	WireLog *wirelog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newConnection(s *Session, id uint32, sock transport.Socket) *Connection {
	ctx, cancel := context.WithCancel(s.ctx)
	return &Connection{
		ID:           id,
		Sess:         s,
		sock:         sock,
		state:        StateFree,
		MaxTransfer:  8192,
		queue:        make([]*pdu.PDU, 0, 8),
		ccbsWaiting:  make([]*ccb.CCB, 0, 8),
		ccbs:         ccb.NewTable(),
		doorbell:     make(chan struct{}, 1),
		idleDoorbell: make(chan struct{}, 1),
		ccbTimers:    make(map[uint32]*time.Timer),
		Logger:       s.Logger.With("service", "[CONN]", "conn_id", id),
		WireLog:      wirelog.New(),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (c *Connection) signalSender() {
	select {
	case c.doorbell <- struct{}{}:
	default:
	}
}

func (c *Connection) signalIdle() {
	select {
	case c.idleDoorbell <- struct{}{}:
	default:
	}
}

// State returns the connection's current state under lock.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if s == StateFullFeature {
		c.Sess.markFullFeature()
	}
}

// IncUseCount/DecUseCount track how many CCBs are attached to this
// connection; both are lock-free.
func (c *Connection) IncUseCount() { atomic.AddInt32(&c.useCount, 1) }
func (c *Connection) DecUseCount() { atomic.AddInt32(&c.useCount, -1) }
func (c *Connection) UseCount() int32 { return atomic.LoadInt32(&c.useCount) }

// Start launches the sender goroutine and the idle timer goroutine.
// Call once per connection after it is added to the session.
func (c *Connection) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.senderLoop()
	}()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.idleTimerLoop()
	}()
}

// Wait blocks until the sender and timer goroutines have exited, for
// use after HandleConnectionError has driven the connection to DESTROY.
func (c *Connection) Wait() { c.wg.Wait() }

// enqueueRaw appends p to the send queue (tail, or head if PRIORITY),
// sets INQUEUE, and wakes the sender. Caller must hold c.mu.
func (c *Connection) enqueueRaw(p *pdu.PDU) {
	p.Flags |= pdu.InQueue
	if p.Flags&pdu.Priority != 0 {
		c.queue = append([]*pdu.PDU{p}, c.queue...)
	} else {
		c.queue = append(c.queue, p)
	}
}

func (c *Connection) dequeue() *pdu.PDU {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	p := c.queue[0]
	c.queue = c.queue[1:]
	p.Flags &^= pdu.InQueue
	return p
}

// senderLoop is the one thread per connection that ever calls
// sock.Send; the connection mutex is never held across a socket write.
func (c *Connection) senderLoop() {
	for {
		p := c.dequeue()
		if p != nil {
			c.sendOne(p)
			continue
		}

		c.mu.Lock()
		term := c.term.isSet()
		c.mu.Unlock()
		if term {
			c.cleanup()
			return
		}

		select {
		case <-c.doorbell:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) sendOne(p *pdu.PDU) {
	c.mu.Lock()
	p.Header.SetExpStatSN(c.expStatSN)
	p.HeaderCRC = c.HeaderDigest
	p.DataCRC = c.DataDigest
	c.mu.Unlock()

	vec := p.BuildSendVector(c.Sess.Digest)
	c.WireLog.TraceSend(c.ID, p.Header.InitiatorTaskTag(), vec)
	err := c.sock.Send(vec)

	c.mu.Lock()
	p.Flags &^= pdu.Busy
	freeIt := p.Disp == pdu.Free
	c.mu.Unlock()

	if err != nil {
		c.Logger.Warn("socket write failed", "err", err)
		c.HandleConnectionError(status.SocketError, false)
		return
	}
	if freeIt {
		p.Reset()
	}
}

// SetDigests/SetTransferParams apply negotiated login parameters once
// the operational phase completes.
func (c *Connection) SetDigests(header, data bool) {
	c.mu.Lock()
	c.HeaderDigest = header
	c.DataDigest = data
	c.mu.Unlock()
}

func (c *Connection) SetTransferParams(maxTransfer, maxFirstImmed, maxFirstData uint32) {
	c.mu.Lock()
	c.MaxTransfer = maxTransfer
	c.MaxFirstImmed = maxFirstImmed
	c.MaxFirstData = maxFirstData
	c.mu.Unlock()
}

// CCBs exposes the connection's CCB arena to pkg/login, which needs to
// allocate CCBs for login/text PDUs without this package depending on
// login in return.
func (c *Connection) CCBs() *ccb.Table { return c.ccbs }

// NextCmdSN assigns the next session CmdSN under the session lock, for
// the login driver's own PDU submissions.
func (c *Connection) NextCmdSN() uint32 {
	c.Sess.mu.Lock()
	defer c.Sess.mu.Unlock()
	return c.Sess.getSernum()
}

// MarkFullFeature transitions the connection into FULL_FEATURE once
// login negotiation completes.
func (c *Connection) MarkFullFeature() { c.setState(StateFullFeature) }

// SetStateLogoutSent transitions to LOGOUT_SENT: the connection still
// drains its send queue but SendCommand rejects new command
// submissions unless state is FULL_FEATURE.
func (c *Connection) SetStateLogoutSent() { c.setState(StateLogoutSent) }

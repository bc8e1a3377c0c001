package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/go-iscsi/initiator/pkg/config"
	"github.com/go-iscsi/initiator/pkg/digest"
	"github.com/go-iscsi/initiator/pkg/transport"
)

// Session is a logical binding to one iSCSI target: the sequence-number
// window, the list of connections, and the round-robin cursor used by
// AssignConnection.
type Session struct {
	mu sync.Mutex

	ID   uint32
	TSIH uint16
	ISID [6]byte

	conns []*Connection
	mru   int // index into conns, -1 if none yet

	cmdSN    uint32
	expCmdSN uint32
	maxCmdSN uint32

	Cfg *config.Config

	terminating bool

	// doorbell wakes any goroutine blocked in AssignConnection whenever
	// a connection transitions into FULL_FEATURE or the session starts
	// terminating.
	doorbell chan struct{}

	Upper     transport.UpperStack
	Events    transport.EventSink
	Digest    digest.Digest
	Logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a session in its initial, connection-less state. CmdSN
// starts at 1 per RFC 3720's convention that 0 is never assigned.
func New(id uint32, isid [6]byte, cfg *config.Config, upper transport.UpperStack, events transport.EventSink, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:       id,
		ISID:     isid,
		cmdSN:    1,
		expCmdSN: 1,
		maxCmdSN: 1,
		Cfg:      cfg,
		mru:      -1,
		doorbell: make(chan struct{}, 1),
		Upper:    upper,
		Events:   events,
		Digest:   digest.New(),
		Logger:   logger.With("service", "[SESSION]", "session_id", id),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Session) signal() {
	select {
	case s.doorbell <- struct{}{}:
	default:
	}
}

// AddConnection appends a newly created connection (FREE state) to the
// session's connection list, creating it via newConnection.
func (s *Session) AddConnection(id uint32, sock transport.Socket) *Connection {
	c := newConnection(s, id, sock)
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	return c
}

// markFullFeature is called by a Connection once login completes; it
// wakes any producer blocked in AssignConnection.
func (s *Session) markFullFeature() { s.signal() }

// AssignConnection starts from the MRU connection and walks the list
// circularly once looking for FULL_FEATURE. If wait is
// true and none is found, block on the session doorbell and retry from
// the head; otherwise return nil immediately.
func (s *Session) AssignConnection(ctx context.Context, wait bool) *Connection {
	for {
		s.mu.Lock()
		if s.terminating || len(s.conns) == 0 {
			s.mu.Unlock()
			return nil
		}
		start := s.mru
		if start < 0 {
			start = 0
		}
		n := len(s.conns)
		for i := 0; i < n; i++ {
			idx := (start + i) % n
			c := s.conns[idx]
			c.mu.Lock()
			full := c.state == StateFullFeature
			c.mu.Unlock()
			if full {
				s.mru = idx
				s.mu.Unlock()
				return c
			}
		}
		if !wait {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		select {
		case <-s.doorbell:
		case <-ctx.Done():
			return nil
		case <-s.ctx.Done():
			return nil
		}
		s.mu.Lock()
		s.mru = 0
		s.mu.Unlock()
	}
}

// sernumInWindow reports CmdSN <= MaxCmdSN under the session lock.
// Caller must hold s.mu.
func (s *Session) sernumInWindow() bool {
	return seqLE(s.cmdSN, s.maxCmdSN)
}

// getSernum assigns the next CmdSN and advances the session counter.
// Caller must hold s.mu.
func (s *Session) getSernum() uint32 {
	sn := s.cmdSN
	s.cmdSN++
	return sn
}

// UpdateExpMaxCmdSN applies a target-advertised ExpCmdSN/MaxCmdSN pair
// from a received PDU's header, called by the (external) receive path.
func (s *Session) UpdateExpMaxCmdSN(expCmdSN, maxCmdSN uint32) {
	s.mu.Lock()
	if seqLE(s.expCmdSN, expCmdSN) {
		s.expCmdSN = expCmdSN
	}
	if seqLE(s.maxCmdSN, maxCmdSN) {
		s.maxCmdSN = maxCmdSN
	}
	s.mu.Unlock()
	s.signal()
}

// seqLE compares two 32-bit sequence numbers with wraparound, per
// RFC 3720's serial number arithmetic (RFC 1982 style).
func seqLE(a, b uint32) bool {
	return int32(a-b) <= 0
}

// Terminate marks the session terminating and wakes every waiter in
// AssignConnection; it does not itself tear down connections (callers
// drive that per connection via HandleConnectionError).
func (s *Session) Terminate() {
	s.mu.Lock()
	s.terminating = true
	s.mu.Unlock()
	s.signal()
	s.cancel()
}

// SetTSIH records the Target Session Identifying Handle once the
// target returns it on the first successful login.
func (s *Session) SetTSIH(tsih uint16) {
	s.mu.Lock()
	s.TSIH = tsih
	s.mu.Unlock()
}

// Connections returns a snapshot of the session's connection list.
func (s *Session) Connections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, len(s.conns))
	copy(out, s.conns)
	return out
}

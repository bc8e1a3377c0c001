package transport

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// TCPSocket is the real net.Conn-backed Socket implementation. It
// reaches past the stdlib into golang.org/x/sys/unix to set SO_LINGER
// to zero on Shutdown, so that a later Close of an aborted connection
// sends an RST instead of a graceful FIN.
type TCPSocket struct {
	conn *net.TCPConn
}

// DialTCPSocket connects to addr and returns a Socket ready for Send.
func DialTCPSocket(addr string, timeout time.Duration) (*TCPSocket, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return &TCPSocket{conn: c.(*net.TCPConn)}, nil
}

// Send writes segments as a single logical scatter-gather write using
// net.Buffers, matching the "ordered reliable byte-stream, single
// logical write" contract pkg/session's sender loop depends on.
func (s *TCPSocket) Send(segments [][]byte) error {
	bufs := make(net.Buffers, len(segments))
	for i, seg := range segments {
		bufs[i] = seg
	}
	_, err := bufs.WriteTo(s.conn)
	return err
}

// Shutdown sets SO_LINGER 0 (making the later Close abortive), then
// shuts down both directions: a blocked local reader observes EOF and
// the peer receives a FIN.
func (s *TCPSocket) Shutdown() error {
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return s.conn.Close()
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
	})
	if err != nil {
		return err
	}
	if setErr != nil {
		return setErr
	}
	_ = s.conn.CloseRead()
	_ = s.conn.CloseWrite()
	return nil
}

func (s *TCPSocket) Close() error { return s.conn.Close() }

package transport

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialTCPSocketSendWritesAllSegments(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	sock, err := DialTCPSocket(ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer sock.Close()

	server := <-accepted
	defer server.Close()

	err = sock.Send([][]byte{[]byte("hello "), []byte("world")})
	require.NoError(t, err)

	buf := make([]byte, 11)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))
}

func TestShutdownCausesPeerReadError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	sock, err := DialTCPSocket(ln.Addr().String(), time.Second)
	require.NoError(t, err)

	server := <-accepted
	defer server.Close()

	require.NoError(t, sock.Shutdown())

	buf := make([]byte, 1)
	_, err = server.Read(buf)
	assert.Error(t, err, "peer should observe the connection going away after Shutdown")
}

func TestDialTCPSocketFailsOnUnreachableAddress(t *testing.T) {
	_, err := DialTCPSocket("127.0.0.1:1", 200*time.Millisecond)
	assert.Error(t, err)
}

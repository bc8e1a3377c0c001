package session

import (
	"sync"

	"github.com/go-iscsi/initiator/pkg/status"
	"github.com/go-iscsi/initiator/pkg/transport"
)

// fakeSocket records every segment vector handed to Send and lets tests
// inject a write error or observe Shutdown/Close calls without opening a
// real connection.
type fakeSocket struct {
	mu       sync.Mutex
	sent     [][][]byte
	sendErr  error
	shutdown int
	closed   int
}

func (f *fakeSocket) Send(segments [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([][]byte, len(segments))
	for i, s := range segments {
		b := make([]byte, len(s))
		copy(b, s)
		cp[i] = b
	}
	f.sent = append(f.sent, cp)
	return f.sendErr
}

func (f *fakeSocket) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown++
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeSocket) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSocket) shutdownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdown
}

func (f *fakeSocket) lastSent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

// fakeUpper records every completion delivered via ScsipiDone.
type fakeUpper struct {
	mu      sync.Mutex
	results []*transport.CommandResult
}

func (u *fakeUpper) ScsipiDone(req *transport.CommandRequest, res *transport.CommandResult) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.results = append(u.results, res)
}

func (u *fakeUpper) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.results)
}

// fakeEvents records every AddEvent call.
type fakeEvents struct {
	mu    sync.Mutex
	kinds []transport.EventKind
}

func (e *fakeEvents) AddEvent(kind transport.EventKind, sessionID, connID uint32, st status.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds = append(e.kinds, kind)
}

func (e *fakeEvents) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.kinds)
}

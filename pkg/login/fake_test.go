package login

import (
	"sync"

	"github.com/go-iscsi/initiator/pkg/status"
	"github.com/go-iscsi/initiator/pkg/transport"
)

type fakeSocket struct {
	mu       sync.Mutex
	sent     [][][]byte
	shutdown int
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
	return nil
}

func (f *fakeSocket) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown++
	return nil
}

func (f *fakeSocket) Close() error { return nil }

func (f *fakeSocket) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSocket) lastSent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type fakeUpper struct{}

func (fakeUpper) ScsipiDone(req *transport.CommandRequest, res *transport.CommandResult) {}

type fakeEvents struct{}

func (fakeEvents) AddEvent(kind transport.EventKind, sessionID, connID uint32, st status.Status) {}

// fakeAssembler implements transport.KeyValueAssembler with
// caller-configured results per negotiation round, so a test can drive
// a multi-round exchange without a real key-value parser.
type fakeAssembler struct {
	security     []transport.KeyValueResult
	operational  []transport.KeyValueResult
	sendTargets  transport.KeyValueResult
	initErr      error

	secCalls int
	opCalls  int
}

func (a *fakeAssembler) InitTextParameters() error { return a.initErr }

func (a *fakeAssembler) AssembleLoginParameters(isidTSIH []byte) (transport.KeyValueResult, error) {
	return transport.KeyValueResult{}, nil
}

func (a *fakeAssembler) AssembleSecurityParameters() (transport.KeyValueResult, error) {
	i := a.secCalls
	if i >= len(a.security) {
		i = len(a.security) - 1
	}
	a.secCalls++
	return a.security[i], nil
}

func (a *fakeAssembler) AssembleNegotiationParameters() (transport.KeyValueResult, error) {
	i := a.opCalls
	if i >= len(a.operational) {
		i = len(a.operational) - 1
	}
	a.opCalls++
	return a.operational[i], nil
}

func (a *fakeAssembler) AssembleSendTargets(key string) (transport.KeyValueResult, error) {
	return a.sendTargets, nil
}

// Package transport declares the external collaborators the iSCSI
// initiator core is built against: the socket byte-stream, the upper
// SCSI stack that owns command completion, the event sink used for
// out-of-band notifications, and the login/text key-value assemblers.
// The one implementation provided here is TCPSocket, a net.Conn-backed
// Socket; callers supply the upper stack, event sink and assemblers.
package transport

import "github.com/go-iscsi/initiator/pkg/status"

// Socket is a blocking scatter-gather byte-stream write, the one
// primitive the sender thread uses to put bytes on the wire. Segments
// must be written in order, as a single logical write, matching the
// "ordered reliable byte-stream" transport model (TCP, or TCP+TLS).
type Socket interface {
	Send(segments [][]byte) error
	// Shutdown tears down the read and write halves so a blocked
	// receiver thread observes EOF/ECONNRESET. Called once, during
	// sender cleanup.
	Shutdown() error
	Close() error
}

// CDB is the opaque SCSI command descriptor block the upper stack hands
// down; the initiator core never interprets its bytes.
type CDB []byte

// CommandRequest is what the upper stack submits for a SCSI I/O.
type CommandRequest struct {
	LUN      uint64
	CDB      CDB
	DataIn   bool // true: target -> initiator (READ)
	DataOut  bool // true: initiator -> target (WRITE)
	Data     []byte
	Immediate bool
}

// CommandResult is what flows back to the upper stack on completion.
type CommandResult struct {
	Status   status.Status
	SCSIStatus uint8
	Residual int
	SenseLen int
	Sense    []byte
}

// UpperStack is the SCSI midlayer completion sink a command's terminal
// status is delivered through.
type UpperStack interface {
	ScsipiDone(req *CommandRequest, res *CommandResult)
}

// EventKind enumerates the asynchronous notifications the core can
// raise through EventSink.
type EventKind int

const (
	EventConnectionTerminated EventKind = iota
	EventRecoverConnection
)

// EventSink receives out-of-band lifecycle notifications.
type EventSink interface {
	AddEvent(kind EventKind, sessionID, connID uint32, status status.Status)
}

// KeyValueResult is returned by every key-value assembler. Negative
// Next means "send what we built, but not as the final round of this
// phase"; zero Next means "send it and set TRANSIT"; a non-nil Err
// fails the owning CCB with status.TargetError.
type KeyValueResult struct {
	Payload []byte
	Next    int // <0 keep negotiating, 0 transit to next stage
	Err     error
}

// KeyValueAssembler builds the outgoing key-value payload for one round
// of login/text negotiation.
type KeyValueAssembler interface {
	AssembleLoginParameters(isidTSIH []byte) (KeyValueResult, error)
	AssembleSecurityParameters() (KeyValueResult, error)
	AssembleNegotiationParameters() (KeyValueResult, error)
	AssembleSendTargets(key string) (KeyValueResult, error)
	InitTextParameters() error
}

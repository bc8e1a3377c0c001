// Package status defines the terminal and transient status codes that
// flow out of the iSCSI initiator core, mirroring the numeric (not
// exception-based) error model described for the transport core.
package status

// Status is a terminal or transient completion code delivered to a CCB
// waiter, or stashed in a Connection's terminating state to request
// shutdown.
type Status int8

const (
	Success Status = iota
	SocketError
	ProtocolError
	TargetError
	ConnectionFailed
	InvalidConnectionID
	Timeout
	QueueFull
	TargetBusy
	NoResources
	CantReassign
)

var descriptions = map[Status]string{
	Success:              "success",
	SocketError:          "transport write failed",
	ProtocolError:        "malformed or unexpected PDU received from target",
	TargetError:          "target reported a fatal login/text status",
	ConnectionFailed:     "submission on a dead connection",
	InvalidConnectionID:  "submission on an unknown connection",
	Timeout:              "per-CCB or per-connection time budget exceeded",
	QueueFull:            "session CmdSN window closed",
	TargetBusy:           "chosen connection is not in FULL_FEATURE",
	NoResources:          "PDU/CCB allocation refused in no-wait mode",
	CantReassign:         "task reassignment requires ErrorRecoveryLevel >= 2",
}

func (s Status) Error() string {
	if d, ok := descriptions[s]; ok {
		return d
	}
	return "unknown iscsi status"
}

// String satisfies fmt.Stringer so status values read naturally in logs.
func (s Status) String() string { return s.Error() }

// IsSuccess reports whether s represents normal completion.
func (s Status) IsSuccess() bool { return s == Success }

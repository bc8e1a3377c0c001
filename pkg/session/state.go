// Package session implements the session and connection halves of the
// initiator core: connection selection and failover, the CmdSN/MaxCmdSN
// window, the per-connection sender loop and send queue, login/text
// submission, sender cleanup, and task reassignment. Session and
// Connection live in one package because they are mutually recursive;
// CCBs and PDUs are referenced by value/pointer from here but never the
// reverse, keeping pkg/ccb and pkg/pdu free of any dependency back on
// this package. CCBs and PDUs instead reference their owning connection
// and session by small numeric handle, the same arena-by-identifier
// idiom applied at the package-graph level rather than just the struct
// level.
package session

import "github.com/go-iscsi/initiator/pkg/status"

// State is a connection's position in the login/full-feature/teardown
// state machine.
type State int

const (
	StateFree State = iota
	StateInLoginSecurity
	StateInLoginOperational
	StateFullFeature
	StateLogoutSent
	StateTerminating
	StateDestroy
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateInLoginSecurity:
		return "IN_LOGIN(security)"
	case StateInLoginOperational:
		return "IN_LOGIN(operational)"
	case StateFullFeature:
		return "FULL_FEATURE"
	case StateLogoutSent:
		return "LOGOUT_SENT"
	case StateTerminating:
		return "TERMINATING"
	case StateDestroy:
		return "DESTROY"
	default:
		return "UNKNOWN"
	}
}

// LoggedOut tracks the outcome of a logout issued against a connection,
// consulted by reassignTasks before deciding whether a recovery
// logout is still needed.
type LoggedOut int

const (
	LoggedOutNot LoggedOut = iota
	LoggedOutSent
	LoggedOutFailed
	LoggedOutSuccess
)

// terminating packages the "non-zero = shutdown requested" field as a
// typed optional, since status.Success is itself a valid zero value and
// cannot double as "not terminating".
type terminating struct {
	set    bool
	status status.Status
}

func (t terminating) isSet() bool { return t.set }

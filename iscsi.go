// Package iscsi is the initiator-side iSCSI transport core: it
// composes pkg/session (connection selection, send queue, sender loop,
// task reassignment), pkg/ccb (command control blocks), pkg/pdu (wire
// encoding), and pkg/login (login/text negotiation) into the public
// surface an upper SCSI stack drives.
package iscsi

import (
	"context"
	"log/slog"

	"github.com/go-iscsi/initiator/pkg/ccb"
	"github.com/go-iscsi/initiator/pkg/config"
	"github.com/go-iscsi/initiator/pkg/login"
	"github.com/go-iscsi/initiator/pkg/pdu"
	"github.com/go-iscsi/initiator/pkg/session"
	"github.com/go-iscsi/initiator/pkg/status"
	"github.com/go-iscsi/initiator/pkg/transport"
)

// Initiator owns every session this process has logged into.
type Initiator struct {
	Cfg    *config.Config
	Upper  transport.UpperStack
	Events transport.EventSink
	Logger *slog.Logger

	sessions map[uint32]*session.Session
	nextID   uint32
}

// New returns an Initiator ready to create sessions against one or
// more targets.
func New(cfg *config.Config, upper transport.UpperStack, events transport.EventSink, logger *slog.Logger) *Initiator {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Initiator{
		Cfg:      cfg,
		Upper:    upper,
		Events:   events,
		Logger:   logger.With("service", "[ISCSI]"),
		sessions: make(map[uint32]*session.Session),
		nextID:   1,
	}
}

// NewSession creates a session bound to isid, with no connections yet.
func (in *Initiator) NewSession(isid [6]byte) *session.Session {
	id := in.nextID
	in.nextID++
	s := session.New(id, isid, in.Cfg, in.Upper, in.Events, in.Logger)
	in.sessions[id] = s
	return s
}

// SendLogin adds a connection bound to sock, starts its sender/timer
// goroutines (the login PDUs go out through that sender), and drives
// the login state machine to FULL_FEATURE.
func SendLogin(ctx context.Context, s *session.Session, connID uint32, sock transport.Socket, assembler transport.KeyValueAssembler) (*session.Connection, status.Status) {
	conn := s.AddConnection(connID, sock)
	conn.Start()

	d := login.NewDriver(conn, assembler, s.ISID)
	st := d.SendLogin(ctx)
	if st != status.Success {
		conn.HandleConnectionError(st, false)
		return conn, st
	}
	return conn, status.Success
}

// SendLogout sends a Logout Request with the given reason, optionally
// blocking for the response.
func SendLogout(ctx context.Context, conn *session.Connection, reason byte, refConnID uint16, wait bool) status.Status {
	cc := conn.CCBs().Get(conn.ID, conn.Sess.ID)
	cmdSN := conn.NextCmdSN()

	disp := ccb.NoWait
	if wait {
		disp = ccb.Wait
	}

	p := pdu.NewLogoutPDU(cc.ITT, reason, refConnID, cmdSN, 0)
	conn.SendPDU(cc, p, disp, pdu.Free)
	conn.SetStateLogoutSent()

	if !wait {
		return status.Success
	}
	return conn.Join(ctx, cc)
}

// SendIOCommand chooses (or uses the caller-pinned) connection and
// submits req as a SCSI command CCB with Wait disposition, returning
// once the command completes.
func SendIOCommand(ctx context.Context, s *session.Session, req *transport.CommandRequest, immed bool, connID uint32) status.Status {
	var conn *session.Connection
	if connID != 0 {
		for _, c := range s.Connections() {
			if c.ID == connID {
				conn = c
				break
			}
		}
		if conn == nil {
			return status.InvalidConnectionID
		}
	} else {
		conn = s.AssignConnection(ctx, true)
		if conn == nil {
			return status.ConnectionFailed
		}
	}

	cc := conn.CCBs().Get(conn.ID, s.ID)
	conn.IncUseCount()
	defer conn.DecUseCount()

	conn.SendCommand(cc, req, ccb.Wait, immed)
	return conn.Join(ctx, cc)
}

// SendRunXfer is the fire-and-wait entry point an upper stack's own
// strategy routine calls for a single transfer, identical to
// SendIOCommand with SCSIPI-style delivery left to the caller-owned
// UpperStack.
func SendRunXfer(ctx context.Context, s *session.Session, req *transport.CommandRequest) status.Status {
	conn := s.AssignConnection(ctx, true)
	if conn == nil {
		return status.ConnectionFailed
	}
	cc := conn.CCBs().Get(conn.ID, s.ID)
	conn.IncUseCount()
	defer conn.DecUseCount()

	conn.SendCommand(cc, req, ccb.SCSIPI, false)
	<-cc.Done()
	return cc.Status
}

// SendSendTargets issues a SendTargets discovery query over an
// established FULL_FEATURE connection.
func SendSendTargets(ctx context.Context, conn *session.Connection, assembler transport.KeyValueAssembler, key string) ([]byte, status.Status) {
	d := login.NewDriver(conn, assembler, conn.Sess.ISID)
	cc, st := d.SendSendTargets(ctx, key)
	if st != status.Success {
		return nil, st
	}
	// The accumulated target list is appended onto cc.DataPtr by
	// NegotiateText (via the external receive path) as each round of
	// the text exchange arrives.
	return cc.DataPtr, status.Success
}

// ResendPDU retransmits a CCB's saved PDU, a no-op if none is in flight.
func ResendPDU(conn *session.Connection, cc *ccb.CCB) { conn.ResendPDU(cc) }

// ReassignTasks forces connection-error recovery outside the automatic
// path driven from sender cleanup, for a caller that wants to trigger
// failover explicitly.
func ReassignTasks(conn *session.Connection) { conn.HandleConnectionError(status.ConnectionFailed, true) }

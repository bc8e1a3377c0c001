// Command iscsi-initiator dials a target, logs in, and issues a single
// test I/O command. It exists to demonstrate wiring the transport core
// end to end; it is not part of the tested core itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/go-iscsi/initiator/pkg/config"
	"github.com/go-iscsi/initiator/pkg/status"
	"github.com/go-iscsi/initiator/pkg/transport"

	iscsi "github.com/go-iscsi/initiator"
)

type noopUpper struct{}

func (noopUpper) ScsipiDone(req *transport.CommandRequest, res *transport.CommandResult) {
	fmt.Printf("command completed: status=%s residual=%d\n", res.Status, res.Residual)
}

type noopEvents struct{}

func (noopEvents) AddEvent(kind transport.EventKind, sessionID, connID uint32, st status.Status) {
	log.WithFields(log.Fields{
		"kind":    kind,
		"session": sessionID,
		"conn":    connID,
		"status":  st,
	}).Warn("iscsi event")
}

func main() {
	log.SetLevel(log.DebugLevel)

	addr := flag.String("addr", "127.0.0.1:3260", "target TCP address")
	lun := flag.Uint64("lun", 0, "logical unit number")
	initiatorName := flag.String("name", "iqn.2026-08.com.example:initiator0", "initiator name")
	targetName := flag.String("target", "", "target name for SendTargets discovery")
	cfgPath := flag.String("config", "", "optional INI config path")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *cfgPath != "" {
		loaded, err := config.LoadConfigINI(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	init := iscsi.New(cfg, noopUpper{}, noopEvents{}, logger)

	var isid [6]byte
	copy(isid[:], []byte{0x00, 0x02, 0x3d, 0x00, 0x00, 0x01})
	sess := init.NewSession(isid)

	sock, err := transport.DialTCPSocket(*addr, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", *addr, err)
		os.Exit(1)
	}

	assembler := &demoAssembler{initiatorName: *initiatorName, targetName: *targetName}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer cancel()

	conn, st := iscsi.SendLogin(ctx, sess, 1, sock, assembler)
	if st != status.Success {
		fmt.Fprintf(os.Stderr, "login failed: %s\n", st)
		os.Exit(1)
	}
	fmt.Printf("login succeeded, TSIH=%d\n", sess.TSIH)

	req := &transport.CommandRequest{
		LUN:    *lun,
		CDB:    []byte{0x00, 0, 0, 0, 0, 0}, // TEST UNIT READY
		DataIn: false,
	}
	ioCtx, ioCancel := context.WithTimeout(context.Background(), cfg.CommandTimeout)
	defer ioCancel()

	result := iscsi.SendIOCommand(ioCtx, sess, req, false, conn.ID)
	fmt.Printf("TEST UNIT READY completed: %s\n", result)
}

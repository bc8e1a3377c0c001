// Package wirelog is a secondary, high-volume trace logger for raw
// on-the-wire PDU bytes, kept deliberately separate from the slog-based
// operational logger used everywhere else in this module: logrus
// carries the wire trace while slog carries lifecycle and operational
// events, and both coexist in the same binary. The split is
// intentional: callers silence high-volume wire tracing independently
// of lifecycle/operational logging.
package wirelog

import (
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// Logger wraps a *logrus.Logger scoped to wire tracing.
type Logger struct {
	l *logrus.Logger
}

// New returns a wire logger at logrus.DebugLevel by default; callers
// that want to see BHS dumps set the level to logrus.TraceLevel.
func New() *Logger {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	return &Logger{l: l}
}

// TraceSend logs a hex dump of the exact bytes handed to the socket for
// one PDU send, tagged with the connection id and ITT so traces can be
// correlated with the operational slog lines.
func (w *Logger) TraceSend(connID, itt uint32, segments [][]byte) {
	if !w.l.IsLevelEnabled(logrus.TraceLevel) {
		return
	}
	total := 0
	for _, seg := range segments {
		total += len(seg)
	}
	buf := make([]byte, 0, total)
	for _, seg := range segments {
		buf = append(buf, seg...)
	}
	w.l.WithFields(logrus.Fields{
		"conn_id": connID,
		"itt":     itt,
		"bytes":   total,
	}).Trace(hex.EncodeToString(buf))
}

// SetLevel exposes the underlying logrus level knob.
func (w *Logger) SetLevel(level logrus.Level) { w.l.SetLevel(level) }

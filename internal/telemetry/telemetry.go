// Package telemetry holds the logging setup shared by every component.
package telemetry

import (
	"encoding/hex"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the minimal printf-style logger accepted by the CLI layer.
type Logger interface {
	Printf(format string, args ...any)
}

// New builds a text logger writing to out at the named level.
// Unknown level names fall back to info.
func New(level string, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	SetLevel(l, level)
	return l
}

// SetLevel changes the level of l in place.
func SetLevel(l *logrus.Logger, level string) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
}

// Discard returns a logger that drops everything. Used by tests and as the
// default when a component is built without one.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// Component tags every entry with the component name.
func Component(l logrus.FieldLogger, name string) logrus.FieldLogger {
	if l == nil {
		l = Discard()
	}
	return l.WithField("component", name)
}

// PeerFields returns the standard fields for a log line about a peer.
func PeerFields(pub []byte, remote string) logrus.Fields {
	f := logrus.Fields{}
	if len(pub) > 0 {
		f["peer"] = ShortKey(pub)
	}
	if remote != "" {
		f["remote"] = remote
	}
	return f
}

// ShortKey is the first 8 hex characters of a key.
func ShortKey(pub []byte) string {
	s := hex.EncodeToString(pub)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

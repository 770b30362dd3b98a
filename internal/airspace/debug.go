package airspace

import (
	"io"
	"log"
)

var (
	opsLog   *log.Logger
	traceLog *log.Logger
)

// SetLogWriters installs the ops and trace streams. Nil disables one.
func SetLogWriters(ops, trace io.Writer) {
	opsLog = newLogger("[core] ", ops)
	traceLog = newLogger("[core] ", trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

func opsf(format string, args ...interface{}) {
	if opsLog != nil {
		opsLog.Printf(format, args...)
	}
}

func tracef(format string, args ...interface{}) {
	if traceLog != nil {
		traceLog.Printf(format, args...)
	}
}

package telemetry

import (
	"io"
	"log"
)

var (
	opsLogger   *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures the logging streams for the telemetry package.
// Pass nil for any writer to disable that stream.
func SetLogWriters(ops, trace io.Writer) {
	opsLogger = newLogger("[telemetry] ", ops)
	traceLogger = newLogger("[telemetry] ", trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// opsf logs to the ops stream (data loss, buffer pressure).
func opsf(format string, args ...interface{}) {
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
	}
}

// tracef logs to the trace stream (per-sample telemetry).
func tracef(format string, args ...interface{}) {
	if traceLogger != nil {
		traceLogger.Printf(format, args...)
	}
}

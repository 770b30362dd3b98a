// Package monitoring carries the process-wide diagnostic logger used by
// packages that have no debug stream of their own.
package monitoring

import "log"

func nop(string, ...interface{}) {}

// Logf reports a diagnostic event. It defaults to log.Printf; tests mute it
// and the daemon may point it at a debug stream via SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger swaps the package logger. nil installs a no-op.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		f = nop
	}
	Logf = f
}

package monitoring

import "log"

// Logf is the package-level diagnostic logger shared by the decoder, the
// aligner and the batch runner. It defaults to log.Printf but may be replaced
// by SetLogger so tests or CLIs can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Warnf logs through Logf with a "warning:" prefix. Non-fatal conditions such
// as truncated captures or unrecognised bandwidth tiers are reported this way.
func Warnf(format string, v ...interface{}) {
	Logf("warning: "+format, v...)
}

// Package trace defines the logging seam between the protocol engine and
// whatever UI a caller wraps it in. The core packages never import "log"
// directly; they call a Sink, so they stay usable as a library outside the
// CLI this repository ships.
package trace

import "fmt"

// Sink receives a printf-style trace line. Nil is never passed to a
// component; use Discard to silence tracing.
type Sink func(format string, args ...interface{})

// Discard is a Sink that drops every message.
func Discard(string, ...interface{}) {}

// Printf is a convenience for Sink implementations and callers building
// ad-hoc messages.
func (s Sink) Printf(format string, args ...interface{}) {
	if s == nil {
		return
	}
	s(format, args...)
}

// Sprintf is a small helper used by components that want to format once and
// pass the finished string to Sink without a second format pass.
func Sprintf(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...)
}

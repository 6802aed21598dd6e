package driver

import (
	"io"
	"log"
	"os"
)

// The driver logs on three streams with distinct audiences. Ops carries
// what an operator must see: lifecycle changes, session failures, data
// loss. Diag carries ignored transitions and the periodic loop counters.
// Trace narrates individual decode units and is far too hot for normal
// runs; it exists for bench debugging of the dispatch path.
//
// Ops is on by default; diag and trace are off until enabled.
type logStream struct {
	logger *log.Logger
}

func (s *logStream) printf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *logStream) set(prefix string, w io.Writer) {
	if w == nil {
		s.logger = nil
		return
	}
	s.logger = log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

var (
	opsStream   = logStream{logger: log.Default()}
	diagStream  logStream
	traceStream logStream
)

// EnableDebugLogging routes the diag stream (and, when trace is set, the
// per-unit trace stream) to stderr.
func EnableDebugLogging(trace bool) {
	diagStream.set("driver/diag ", os.Stderr)
	if trace {
		traceStream.set("driver/trace ", os.Stderr)
	}
}

// SetLogWriters points the three streams at explicit writers. A nil writer
// silences that stream; ops falls back to the process logger only at
// startup, so silencing it here sticks.
func SetLogWriters(ops, diag, trace io.Writer) {
	opsStream.set("driver/ops ", ops)
	diagStream.set("driver/diag ", diag)
	traceStream.set("driver/trace ", trace)
}

func opsf(format string, args ...interface{}) {
	opsStream.printf(format, args...)
}

func diagf(format string, args ...interface{}) {
	diagStream.printf(format, args...)
}

func tracef(format string, args ...interface{}) {
	traceStream.printf(format, args...)
}

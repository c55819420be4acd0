package tunnel

import (
	"log"
	"os"
)

// Logger mirrors the five severities of the original's global
// log_notice/log_error/log_debug/log_verbose/log_annoying functions, injected
// rather than global so multiple Tunnels in one process don't share state.
type Logger interface {
	Notice(format string, args ...any)
	Error(format string, args ...any)
	Debug(format string, args ...any)
	Verbose(format string, args ...any)
	Annoying(format string, args ...any)
}

// StdLogger is the default Logger, backed by the standard log.Logger exactly
// as the teacher's demo commands print directly rather than pulling in a
// structured logging library. Debug/Verbose/Annoying are silenced unless the
// corresponding level is enabled, mirroring the original's DEBUG_MODE gate.
type StdLogger struct {
	l        *log.Logger
	level    int // 0=notice/error only, 1=+debug, 2=+verbose, 3=+annoying
}

func NewStdLogger(level int) *StdLogger {
	return &StdLogger{l: log.New(os.Stderr, "", log.LstdFlags), level: level}
}

func (s *StdLogger) Notice(format string, args ...any) { s.l.Printf("notice: "+format, args...) }
func (s *StdLogger) Error(format string, args ...any)  { s.l.Printf("error: "+format, args...) }

func (s *StdLogger) Debug(format string, args ...any) {
	if s.level >= 1 {
		s.l.Printf("debug: "+format, args...)
	}
}

func (s *StdLogger) Verbose(format string, args ...any) {
	if s.level >= 2 {
		s.l.Printf("verbose: "+format, args...)
	}
}

func (s *StdLogger) Annoying(format string, args ...any) {
	if s.level >= 3 {
		s.l.Printf("annoying: "+format, args...)
	}
}

// nopLogger discards everything; used as the zero-value default so a Tunnel
// constructed without an explicit Logger never nil-panics.
type nopLogger struct{}

func (nopLogger) Notice(string, ...any)   {}
func (nopLogger) Error(string, ...any)    {}
func (nopLogger) Debug(string, ...any)    {}
func (nopLogger) Verbose(string, ...any)  {}
func (nopLogger) Annoying(string, ...any) {}

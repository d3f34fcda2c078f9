package scheduler

import (
	"log"
	"os"
)

// Logger receives the Scheduler's lifecycle and error diagnostics:
// worker/fiber pool startup, the startup-barrier release, shutdown
// progress, fiber pool exhaustion, and a recovered panic inside a Job's
// Execute. The shape below matches log.Logger's own method set closely
// enough that wrapping whatever richer logger the host application
// already has is a few lines at the call site.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// stdLogger adapts the standard library's log package to Logger. It is
// the Scheduler's default when Config.Logger is nil.
type stdLogger struct {
	*log.Logger
}

// NewStdLogger returns a Logger backed by a standard library log.Logger
// writing to os.Stderr with a "jobsystem: " prefix.
func NewStdLogger() Logger {
	return &stdLogger{Logger: log.New(os.Stderr, "jobsystem: ", log.LstdFlags|log.Lmicroseconds)}
}

func (l *stdLogger) Debugf(format string, args ...any) { l.Printf("DEBUG "+format, args...) }
func (l *stdLogger) Infof(format string, args ...any)  { l.Printf("INFO  "+format, args...) }
func (l *stdLogger) Warnf(format string, args ...any)  { l.Printf("WARN  "+format, args...) }
func (l *stdLogger) Errorf(format string, args ...any) { l.Printf("ERROR "+format, args...) }

// nopLogger discards everything; useful for tests that don't want
// scheduler diagnostics on stderr.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

package gothrottle

import (
	"log"
)

// Logger receives the throttler's internal diagnostics.
//
// Debug carries the chatty per-request traffic: admission decisions,
// rule changes, device lifecycle. Warning and Error are rare and worth
// surfacing; Error in particular reports recovered accounting drift.
//
// The default implementation prints through the standard log package
// with a "gothrottle" prefix. Plug in an adapter for your own logging
// stack, or NewNoOpLogger() to silence everything.
type Logger interface {
	Debug(string)
	Info(string)
	Warning(string)
	Error(string)
}

type defaultLogger struct{}

func (defaultLogger) Debug(msg string)   { log.Printf("gothrottle [debug] %s", msg) }
func (defaultLogger) Info(msg string)    { log.Printf("gothrottle [info] %s", msg) }
func (defaultLogger) Warning(msg string) { log.Printf("gothrottle [warning] %s", msg) }
func (defaultLogger) Error(msg string)   { log.Printf("gothrottle [error] %s", msg) }

// NewNoOpLogger returns a Logger that discards everything.
func NewNoOpLogger() Logger {
	return noOpLogger{}
}

type noOpLogger struct{}

func (noOpLogger) Debug(string)   {}
func (noOpLogger) Info(string)    {}
func (noOpLogger) Warning(string) {}
func (noOpLogger) Error(string)   {}

// Package logging provides the structured logger used across every stage
// of the download pipeline.
package logging

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// New returns a logfmt logger writing to stderr, with a timestamp and
// caller attached the way the rest of the pipeline expects.
func New() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.Caller(4))
	return logger
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() log.Logger {
	return log.NewNopLogger()
}

// With attaches static key/value pairs to logger, e.g. the current stage
// or data center host.
func With(logger log.Logger, keyvals ...interface{}) log.Logger {
	return log.With(logger, keyvals...)
}

// Level re-exports the go-kit/log/level helpers so callers only need to
// import this package.
var (
	Debug = level.Debug
	Info  = level.Info
	Warn  = level.Warn
	Error = level.Error
)

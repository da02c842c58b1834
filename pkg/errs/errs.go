// Package errs implements the pipeline's error taxonomy: terminal errors
// abort the run and select a process exit code, recoverable errors are
// logged and the stage continues, informational events are logged at a
// lower level and never surface as an error value at all.
package errs

import (
	"github.com/pkg/errors"
)

// ExitCode is the process exit code the driver should return for a given
// terminal error.
type ExitCode int

const (
	// ExitOK covers both success and "nothing to download".
	ExitOK ExitCode = 0
	// ExitTerminal is returned for any terminal error raised by a stage.
	ExitTerminal ExitCode = 1
	// ExitInvalidInput is returned for invalid user input (config
	// validation failures); the pipeline itself never returns this,
	// it's reserved for cmd/seisdl's own config loading.
	ExitInvalidInput ExitCode = 2
	// ExitInternal is returned for unexpected internal errors (panics
	// recovered at the driver boundary, programming errors).
	ExitInternal ExitCode = 3
)

// Terminal wraps an error that must abort the run. The driver logs it at
// ERROR, closes the DB session, and exits non-zero.
type Terminal struct {
	cause error
}

// NewTerminal wraps err (which may be nil, for a message-only terminal
// error) as a Terminal error.
func NewTerminal(msg string, cause error) *Terminal {
	if cause == nil {
		return &Terminal{cause: errors.New(msg)}
	}
	return &Terminal{cause: errors.Wrap(cause, msg)}
}

func (t *Terminal) Error() string { return t.cause.Error() }
func (t *Terminal) Unwrap() error { return t.cause }

// IsTerminal reports whether err (or something it wraps) is a Terminal
// error.
func IsTerminal(err error) bool {
	var t *Terminal
	return errors.As(err, &t)
}

// MemoryPressure is the Terminal error raised by the async fetcher's
// memory watchdog.
type MemoryPressure struct {
	Fraction  float64
	Threshold float64
}

func (m *MemoryPressure) Error() string {
	return errors.Errorf("memory pressure: using %.1f%% of the configured %.1f%% threshold", m.Fraction*100, m.Threshold*100).Error()
}

// ErrNothingToDo is a sentinel, non-error condition: the download planner
// found nothing to (re)download. It unwinds the
// driver's stage loop the same way a Terminal error does, but maps to
// ExitOK rather than ExitTerminal.
var ErrNothingToDo = errors.New("nothing to download")

// Recoverable marks an error that a stage callback observed for a single
// row/data-center/segment; the caller logs it and keeps going. It is
// never propagated to the driver as a return value; it only exists so
// per-item callbacks have a single error type to construct.
type Recoverable struct {
	cause error
}

func NewRecoverable(msg string, cause error) *Recoverable {
	if cause == nil {
		return &Recoverable{cause: errors.New(msg)}
	}
	return &Recoverable{cause: errors.Wrap(cause, msg)}
}

func (r *Recoverable) Error() string { return r.cause.Error() }
func (r *Recoverable) Unwrap() error { return r.cause }

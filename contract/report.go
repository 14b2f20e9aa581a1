package contract

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Reporter receives every violation, whether or not it aborts the call.
// Implementations must be safe for concurrent use.
type Reporter interface {
	Report(v Violation)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(v Violation)

func (f ReporterFunc) Report(v Violation) { f(v) }

var reporter atomic.Pointer[Reporter]

// SetReporter replaces the process-wide reporter. A nil reporter restores the
// default slog reporter.
func SetReporter(r Reporter) {
	if r == nil {
		reporter.Store(nil)
		return
	}
	reporter.Store(&r)
}

// CurrentReporter returns the reporter violations are sent to.
func CurrentReporter() Reporter {
	if r := reporter.Load(); r != nil {
		return *r
	}
	return NewSlogReporter(nil)
}

type slogReporter struct {
	logger *slog.Logger
}

// NewSlogReporter logs each violation at error level. A nil logger means
// slog.Default at report time.
func NewSlogReporter(logger *slog.Logger) Reporter {
	return &slogReporter{logger: logger}
}

func (r *slogReporter) Report(v Violation) {
	logger := r.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.LogAttrs(context.Background(), slog.LevelError, "contract violation",
		slog.String("kind", v.Kind.String()),
		slog.String("site", v.Site.String()),
		slog.String("func", v.Func),
		slog.String("expr", v.Expr),
		slog.String("message", v.Message),
		slog.String("pos", v.Pos),
	)
}

// Abort reports v and panics with it. Generated code calls Abort for clauses
// whose policy is abort, debug-only abort or test-only abort.
func Abort(v Violation) {
	CurrentReporter().Report(v)
	panic(&v)
}

// Log reports v and lets the call continue.
func Log(v Violation) {
	CurrentReporter().Report(v)
}

//go:build !debug

// Package debug holds assertions enabled by the debug build tag, which
// otherwise compile to no-ops, and the construction of the loggers used by
// the drivers and tools.
package debug

// Enabled is true in builds with the debug tag. Checks that cost more than a
// comparison go inside `if debug.Enabled {...}`.
const Enabled = false

// Assert panics with the formatted message if b is false.
func Assert(b bool, format string, args ...any) {}

// AssertErrNil panics if err is not nil, naming what failed.
func AssertErrNil(err error, what string) {}

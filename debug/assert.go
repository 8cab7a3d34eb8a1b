//go:build debug

package debug

import "fmt"

// Enabled is true in builds with the debug tag. Checks that cost more than a
// comparison go inside `if debug.Enabled {...}`.
const Enabled = true

func Assert(b bool, format string, args ...any) {
	if !b {
		panic(fmt.Sprintf(format, args...))
	}
}

func AssertErrNil(err error, what string) {
	if err != nil {
		panic(fmt.Errorf("%s: %w", what, err))
	}
}

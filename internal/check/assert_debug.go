//go:build debug

// Package check holds assertions for programmer errors. They panic in debug
// builds and compile to nothing otherwise.
package check

import "fmt"

// Assert panics if cond is false.
func Assert(cond bool, msg string) {
	if !cond {
		panic("assertion failed: " + msg)
	}
}

// Assertf panics if cond is false with a formatted message.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(format, args...))
	}
}

// NotNil panics if v is a nil interface value.
func NotNil(v any, what string) {
	if v == nil {
		panic("assertion failed: " + what + " must not be nil")
	}
}

package joberr

import (
	"fmt"
	"runtime/debug"
)

// PanicError represents an error recovered from a handler panic.
type PanicError struct {
	Value      interface{} // The panic value
	Stacktrace string      // Full stack trace
}

// Error implements the error interface
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// FromPanic converts a recovered panic value into a coded error with the
// stack trace attached. Call it with the non-nil result of recover(), from
// inside the deferred function that recovered; recover itself only works when
// invoked directly by the deferred function.
func FromPanic(v interface{}) *Error {
	pe := &PanicError{Value: v, Stacktrace: string(debug.Stack())}
	return Wrap(CodeHandlerPanic, pe.Error(), pe)
}

// FormatPanicForLog returns a formatted string suitable for logging
func FormatPanicForLog(panicErr *PanicError) string {
	return fmt.Sprintf("PANIC: %v\n\nStack Trace:\n%s", panicErr.Value, panicErr.Stacktrace)
}

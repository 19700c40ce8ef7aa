// Package formula compiles user-authored series expressions into typed
// instruction trees and executable adapters.
//
// A formula is parsed once into a Model: the instruction tree, the inferred
// output kind, the specs of every stateful instruction it needs, and the set
// of other series it references. Per-renderer instruction state is built
// fresh from the Model whenever a series is bound, so live and replay
// renderers never share state. The adapter that evaluates the tree is pure
// given its explicit state arguments, which makes cloned state reproduce
// replays exactly.
package formula

import "fmt"

// CompileError describes a formula that failed to compile. The message is
// human-readable and surfaced verbatim on the validation error channel; a
// CompileError is never fatal to aggregation.
type CompileError struct {
	Message string
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	return e.Message
}

// compileErrorf builds a CompileError with a formatted message.
func compileErrorf(format string, args ...any) *CompileError {
	return &CompileError{Message: fmt.Sprintf(format, args...)}
}

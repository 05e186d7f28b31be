package oops

import (
	"errors"
	"fmt"

	"github.com/go-stack/stack"
	"github.com/rs/zerolog"
)

// An Error carries a message, an optional wrapped cause, and the call stack
// at the point it was created. Use New rather than constructing one directly.
type Error struct {
	Message string
	Wrapped error
	Stack   CallStack
}

func (e *Error) Error() string {
	if e.Wrapped == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

type CallStack []StackFrame

func (s CallStack) MarshalZerologArray(a *zerolog.Array) {
	for _, frame := range s {
		a.Object(frame)
	}
}

type StackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

func (f StackFrame) MarshalZerologObject(e *zerolog.Event) {
	e.
		Str("file", f.File).
		Int("line", f.Line).
		Str("function", f.Function)
}

// Finds the innermost oops stack in an error chain so that logging an error
// that was wrapped several times still reports where it originally came from.
var ZerologStackMarshaler = func(err error) interface{} {
	var stack CallStack
	for err != nil {
		if asOops, ok := err.(*Error); ok {
			stack = asOops.Stack
		}
		err = errors.Unwrap(err)
	}
	if stack == nil {
		return nil
	}
	return stack
}

// Trace captures the current call stack, skipping Trace itself.
func Trace() CallStack {
	return traceFrom(stack.Trace().TrimBelow(stack.Caller(1)).TrimRuntime())
}

func traceFrom(trace stack.CallStack) CallStack {
	frames := make(CallStack, len(trace))
	for i, call := range trace {
		callFrame := call.Frame()
		frames[i] = StackFrame{
			File:     callFrame.File,
			Line:     callFrame.Line,
			Function: callFrame.Function,
		}
	}
	return frames
}

func New(wrapped error, format string, args ...interface{}) error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Wrapped: wrapped,
		Stack:   traceFrom(stack.Trace().TrimBelow(stack.Caller(1)).TrimRuntime()),
	}
}

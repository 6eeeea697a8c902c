// internal/errors/errors.go
package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorType represents the type of error
type ErrorType string

const (
	SyntaxError    ErrorType = "SyntaxError"
	RuntimeError   ErrorType = "RuntimeError"
	TypeError      ErrorType = "TypeError"
	ReferenceError ErrorType = "ReferenceError"
	ImportError    ErrorType = "ImportError"
	CompileError   ErrorType = "CompileError"
)

// SourceLocation represents a location in source code
type SourceLocation struct {
	File   string
	Line   int
	Column int
}

// VelaError represents an error with source location information. Cause,
// when set (via Wrap), holds the underlying Go error that triggered it --
// typically an os/io failure surfaced through the module loader.
type VelaError struct {
	Type      ErrorType
	Message   string
	Location  SourceLocation
	CallStack []StackFrame
	Source    string // The source line where error occurred
	Cause     error
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
	Column   int
}

// Error implements the error interface
func (e *VelaError) Error() string {
	var sb strings.Builder

	// Error type and message
	sb.WriteString(fmt.Sprintf("%s: %s\n", e.Type, e.Message))

	// Location information
	if e.Location.File != "" {
		sb.WriteString(fmt.Sprintf("  at %s:%d:%d\n",
			e.Location.File, e.Location.Line, e.Location.Column))

		// Show source line if available
		if e.Source != "" {
			sb.WriteString(fmt.Sprintf("\n  %d | %s\n", e.Location.Line, e.Source))
			// Add error indicator
			sb.WriteString(fmt.Sprintf("  %s", strings.Repeat(" ", len(fmt.Sprintf("%d | ", e.Location.Line)))))
			if e.Location.Column > 0 {
				sb.WriteString(strings.Repeat(" ", e.Location.Column-1))
			}
			sb.WriteString("^\n")
		}
	}

	// Stack trace
	if len(e.CallStack) > 0 {
		sb.WriteString("\nCall Stack:\n")
		for _, frame := range e.CallStack {
			if frame.Function != "" {
				sb.WriteString(fmt.Sprintf("  at %s (%s:%d:%d)\n",
					frame.Function, frame.File, frame.Line, frame.Column))
			} else {
				sb.WriteString(fmt.Sprintf("  at %s:%d:%d\n",
					frame.File, frame.Line, frame.Column))
			}
		}
	}

	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf("caused by: %v\n", e.Cause))
	}

	return sb.String()
}

// Unwrap exposes Cause to errors.Is/errors.As and to github.com/pkg/errors'
// Cause() walker.
func (e *VelaError) Unwrap() error { return e.Cause }

// NewSyntaxError creates a new syntax error
func NewSyntaxError(message string, file string, line, column int) *VelaError {
	return &VelaError{
		Type:    SyntaxError,
		Message: message,
		Location: SourceLocation{
			File:   file,
			Line:   line,
			Column: column,
		},
	}
}

// NewRuntimeError creates a new runtime error
func NewRuntimeError(message string, file string, line, column int) *VelaError {
	return &VelaError{
		Type:    RuntimeError,
		Message: message,
		Location: SourceLocation{
			File:   file,
			Line:   line,
			Column: column,
		},
	}
}

// NewImportError wraps a failure encountered while resolving or loading a
// module (a missing file, a bad path, a native module init panic) as a
// VelaError, preserving the original error via github.com/pkg/errors so
// %+v printing still yields the originating stack trace.
func NewImportError(message string, file string, line, column int, cause error) *VelaError {
	return &VelaError{
		Type:    ImportError,
		Message: message,
		Location: SourceLocation{
			File:   file,
			Line:   line,
			Column: column,
		},
		Cause: errors.WithStack(cause),
	}
}

// WithSource adds source code context to the error
func (e *VelaError) WithSource(source string) *VelaError {
	e.Source = source
	return e
}

// WithStack adds a call stack to the error
func (e *VelaError) WithStack(stack []StackFrame) *VelaError {
	e.CallStack = stack
	return e
}

// AddStackFrame adds a single stack frame
func (e *VelaError) AddStackFrame(function, file string, line, column int) *VelaError {
	e.CallStack = append(e.CallStack, StackFrame{
		Function: function,
		File:     file,
		Line:     line,
		Column:   column,
	})
	return e
}

// Wrap attaches msg as additional context to err using github.com/pkg/errors,
// for the plain (non-VelaError) failures surfaced by os/io calls in the
// module loader and stdlib native modules.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

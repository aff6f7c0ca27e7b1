package query

import "fmt"

// ParseError reports a syntax error with the byte position of the offending
// token in the source expression.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s", e.Pos, e.Msg)
}

// EvalError reports a typed evaluation failure, e.g. an aggregate applied to
// non-numeric values. Evaluation never panics across the package boundary.
type EvalError struct {
	Msg string
}

func (e *EvalError) Error() string {
	return "eval error: " + e.Msg
}

func evalErrorf(format string, args ...any) *EvalError {
	return &EvalError{Msg: fmt.Sprintf(format, args...)}
}

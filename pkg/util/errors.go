// Package util provides logging helpers and common error types.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors forming the library-wide error taxonomy. Every error
// returned by the model, the rule compiler or the kernel layer wraps
// exactly one of these, so callers classify with errors.Is.
var (
	// ErrNoMem indicates an allocation failure, including exhaustion of a
	// bounded resource such as a filter-handle range.
	ErrNoMem = errors.New("out of memory")
	// ErrParse indicates that parsing a textual value (MAC, IP) failed.
	ErrParse = errors.New("parse error")
	// ErrDuplicate indicates a name or rule that already exists in its scope.
	ErrDuplicate = errors.New("duplicate")
	// ErrNoIf indicates that a named kernel interface does not exist.
	ErrNoIf = errors.New("interface does not exist")
	// ErrOs indicates an operating system error outside of netlink.
	ErrOs = errors.New("operating system error")
	// ErrNetlink indicates that a kernel request failed.
	ErrNetlink = errors.New("netlink error")
	// ErrValidate indicates that model validation found problems.
	ErrValidate = errors.New("validation failed")
	// ErrCommit indicates that some objects failed to commit. The kernel is
	// in a partial state and the commit can be retried.
	ErrCommit = errors.New("commit failed")
	// ErrInconsistent indicates that a decommit failed irrecoverably and the
	// model no longer matches kernel state.
	ErrInconsistent = errors.New("model inconsistent with kernel state")
)

// NetlinkError wraps a kernel request failure with the request that caused it.
type NetlinkError struct {
	Op  string
	Err error
}

func (e *NetlinkError) Error() string {
	return fmt.Sprintf("netlink %s: %v", e.Op, e.Err)
}

func (e *NetlinkError) Unwrap() error {
	return ErrNetlink
}

// NewNetlinkError creates a netlink error for the given request kind.
func NewNetlinkError(op string, err error) *NetlinkError {
	return &NetlinkError{Op: op, Err: err}
}

// ParseError reports what value failed to parse.
type ParseError struct {
	Kind  string
	Value string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse %q as %s", e.Value, e.Kind)
}

func (e *ParseError) Unwrap() error {
	return ErrParse
}

// NewParseError creates a parse error for the given kind and input.
func NewParseError(kind, value string) *ParseError {
	return &ParseError{Kind: kind, Value: value}
}

// DuplicateError reports a name collision within a scope.
type DuplicateError struct {
	Scope string
	Name  string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s '%s' already exists", e.Scope, e.Name)
}

func (e *DuplicateError) Unwrap() error {
	return ErrDuplicate
}

// NewDuplicateError creates a duplicate error.
func NewDuplicateError(scope, name string) *DuplicateError {
	return &DuplicateError{Scope: scope, Name: name}
}

// Inconsistent folds a secondary failure into an accumulated error. Once any
// step of a teardown sequence fails, the result of the whole sequence is
// ErrInconsistent, no matter how the remaining steps fare.
func Inconsistent(dst *error, src error) {
	if src != nil {
		*dst = fmt.Errorf("%w: %v", ErrInconsistent, src)
	}
}

// ValidationError represents one or more validation failures.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidate
}

// NewValidationError creates a validation error from messages.
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

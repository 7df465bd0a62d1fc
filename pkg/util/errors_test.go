package util

import (
	"errors"
	"fmt"
	"testing"
)

func TestNetlinkError(t *testing.T) {
	err := NewNetlinkError("link add", errors.New("exists"))
	if !errors.Is(err, ErrNetlink) {
		t.Error("NetlinkError should unwrap to ErrNetlink")
	}
	if msg := err.Error(); msg != "netlink link add: exists" {
		t.Errorf("Error() = %q, want %q", msg, "netlink link add: exists")
	}
}

func TestParseError(t *testing.T) {
	err := NewParseError("MAC address", "not-a-mac")
	if !errors.Is(err, ErrParse) {
		t.Error("ParseError should unwrap to ErrParse")
	}
	if msg := err.Error(); msg != `cannot parse "not-a-mac" as MAC address` {
		t.Errorf("Error() = %q", msg)
	}
}

func TestDuplicateError(t *testing.T) {
	err := NewDuplicateError("phys", "a")
	if !errors.Is(err, ErrDuplicate) {
		t.Error("DuplicateError should unwrap to ErrDuplicate")
	}
}

func TestWrappedClassification(t *testing.T) {
	tests := []struct {
		err      error
		sentinel error
	}{
		{fmt.Errorf("context: %w", ErrNoMem), ErrNoMem},
		{fmt.Errorf("outer: %w", NewNetlinkError("op", errors.New("x"))), ErrNetlink},
		{fmt.Errorf("a: %w", fmt.Errorf("b: %w", ErrInconsistent)), ErrInconsistent},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.sentinel) {
			t.Errorf("%v should classify as %v", tt.err, tt.sentinel)
		}
	}
}

func TestInconsistent(t *testing.T) {
	var err error
	Inconsistent(&err, nil)
	if err != nil {
		t.Errorf("Inconsistent(nil) should leave err nil, got %v", err)
	}

	Inconsistent(&err, errors.New("teardown failed"))
	if !errors.Is(err, ErrInconsistent) {
		t.Errorf("Inconsistent should produce ErrInconsistent, got %v", err)
	}

	// A later success does not clear the inconsistency.
	Inconsistent(&err, nil)
	if !errors.Is(err, ErrInconsistent) {
		t.Error("Inconsistent(nil) must not clear a previous failure")
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("first", "second")
	if !errors.Is(err, ErrValidate) {
		t.Error("ValidationError should unwrap to ErrValidate")
	}
}

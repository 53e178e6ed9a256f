package hints_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/paulschiretz/pgl-failover/pkg/hints"
)

func TestHint(t *testing.T) {
	// Define some base errors for testing.
	var (
		errBase      = errors.New("base error")
		errAnother   = errors.New("another error")
		errHintedMsg = hints.New("hint message")
		errHinted    = fmt.Errorf("%w: %w", errHintedMsg, errBase)
	)

	t.Run("New", func(t *testing.T) {
		if errHintedMsg == nil {
			t.Fatal("New should return a non-nil error")
		}
		if errHintedMsg.Error() != "hint message" {
			t.Errorf("expected error message %q, got %q", "hint message", errHintedMsg.Error())
		}
	})

	t.Run("IsHint", func(t *testing.T) {
		testCases := []struct {
			name     string
			err      error
			expected bool
		}{
			{"NilError", nil, false},
			{"StandardError", errBase, false},
			{"HintedError", errHinted, true},
			{"HintedMsgError", errHintedMsg, true},
			{"WrappedHint", fmt.Errorf("wrapper: %w", errHinted), true},
			{"WrappedStandardError", fmt.Errorf("wrapper: %w", errBase), false},
			{"DoubleWrappedHint", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", errHinted)), true},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				if got := hints.IsHint(tc.err); got != tc.expected {
					t.Errorf("IsHint() = %v, want %v", got, tc.expected)
				}
			})
		}
	})

	t.Run("Is", func(t *testing.T) {
		if !errors.Is(errHinted, errBase) {
			t.Error("errors.Is should find the underlying error in a hint")
		}

		if errors.Is(errHinted, errAnother) {
			t.Error("errors.Is should not find an unrelated error")
		}

		if !errors.Is(errHinted, errHintedMsg) {
			t.Error("errors.Is should find the hint in a joined chain")
		}
	})
}

func TestTransient(t *testing.T) {
	errBase := errors.New("no such file")

	if hints.Transient(nil) != nil {
		t.Error("Transient(nil) should return nil")
	}

	errTransient := hints.Transient(errBase)
	testCases := []struct {
		name     string
		err      error
		expected bool
	}{
		{"NilError", nil, false},
		{"StandardError", errBase, false},
		{"TransientError", errTransient, true},
		{"WrappedTransient", fmt.Errorf("finalize /a: %w", errTransient), true},
		{"HintIsNotTransient", hints.New("nothing to clean"), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := hints.IsTransient(tc.err); got != tc.expected {
				t.Errorf("IsTransient() = %v, want %v", got, tc.expected)
			}
		})
	}

	if !errors.Is(errTransient, errBase) {
		t.Error("errors.Is should find the underlying error in a transient error")
	}
	if hints.IsHint(errTransient) {
		t.Error("a transient error must not be reported as a hint")
	}
}

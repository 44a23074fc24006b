package errors_test

import (
	"testing"

	"github.com/lodestone-search/lodestone/internal/errors"
)

func TestFatal(t *testing.T) {
	for _, v := range []struct {
		err      error
		expected bool
	}{
		{errors.Fatal("broken"), true},
		{errors.Fatalf("broken %d", 42), true},
		{errors.New("error"), false},
		{errors.Wrap(errors.Fatal("broken"), "context"), true},
	} {
		if errors.IsFatal(v.err) != v.expected {
			t.Errorf("IsFatal for %q, expected: %v, got: %v", v.err, v.expected, errors.IsFatal(v.err))
		}
	}
}

func TestFatalfKeepsUnderlyingError(t *testing.T) {
	cause := errors.New("root cause")
	err := errors.Fatalf("recovery failed: %v", cause)
	if !errors.Is(err, cause) {
		t.Errorf("expected %q to unwrap to the underlying cause", err)
	}
}

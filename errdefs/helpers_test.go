package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

// classes drives every wrapper test: one row per error class the collector
// can surface.
var classes = []struct {
	name string
	wrap func(error) error
	is   func(error) bool
}{
	{name: "out-of-memory", wrap: OutOfMemory, is: IsOutOfMemory},
	{name: "finalizer-failure", wrap: FinalizerFailure, is: IsFinalizerFailure},
	{name: "invalid-parameter", wrap: InvalidParameter, is: IsInvalidParameter},
}

func TestWrappersClassify(t *testing.T) {
	base := errors.New("the underlying failure")
	for i, c := range classes {
		t.Run(c.name, func(t *testing.T) {
			if c.is(base) {
				t.Errorf("%s matched a plain error", c.name)
			}
			wrapped := c.wrap(base)
			if !c.is(wrapped) {
				t.Errorf("%s does not match its own wrapper", c.name)
			}
			if wrapped.Error() != base.Error() {
				t.Errorf("wrapping changed the message: %q", wrapped.Error())
			}
			if !errors.Is(wrapped, base) {
				t.Errorf("wrapper hides the underlying error from errors.Is")
			}
			if cause := wrapped.(interface{ Cause() error }).Cause(); cause != base {
				t.Errorf("Cause() = %v, want the underlying error", cause)
			}
			// The class must survive further wrapping by callers.
			if deep := fmt.Errorf("while collecting: %w", wrapped); !c.is(deep) {
				t.Errorf("%s lost through fmt.Errorf", c.name)
			}
			// And must not bleed into the other classes.
			for j, other := range classes {
				if i != j && other.is(wrapped) {
					t.Errorf("%s wrapper also matches %s", c.name, other.name)
				}
			}
		})
	}
}

func TestWrapIsIdempotent(t *testing.T) {
	for _, c := range classes {
		t.Run(c.name, func(t *testing.T) {
			once := c.wrap(errors.New("boom"))
			if twice := c.wrap(once); twice != once {
				t.Errorf("re-wrapping an already-classified error must be a no-op")
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	for _, c := range classes {
		t.Run(c.name, func(t *testing.T) {
			if c.wrap(nil) != nil {
				t.Errorf("wrapping nil must return nil")
			}
			if c.is(nil) {
				t.Errorf("nil must not match any class")
			}
		})
	}
}

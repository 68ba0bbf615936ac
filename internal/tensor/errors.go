package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// Misuse errors raised by the substrate. They are panicked, not returned:
// a shape change after InitialPass or a skipped InitialPass is a programming
// error in the caller.
var (
	ErrShapeMismatch   = errors.New("shape mismatch")
	ErrNotInitialized  = errors.New("initial pass has not been run")
	ErrUnsupportedRank = errors.New("unsupported tensor rank")
)

// ShapeError reports the operation and the two shapes that disagreed.
type ShapeError struct {
	Op   string
	Want Shape
	Got  Shape
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %v: want %v, got %v", e.Op, ErrShapeMismatch, e.Want, e.Got)
}

// Unwrap lets errors.Is match ErrShapeMismatch.
func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}

// CheckShape panics with a *ShapeError when got differs from want.
func CheckShape(op string, want, got Shape) {
	if !want.Equal(got) {
		panic(&ShapeError{Op: op, Want: want.Clone(), Got: got.Clone()})
	}
}

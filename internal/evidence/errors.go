package evidence

import (
	"context"
	"errors"
	"fmt"

	"github.com/BadgerOps/afrec/internal/retry"
)

var (
	// ErrTransientTransfer marks a failure that may succeed on retry:
	// throttling, server errors, network resets, truncated streams.
	ErrTransientTransfer = errors.New("transient transfer error")
	// ErrFatalTransfer marks a failure that will not change on retry:
	// missing object, denied access, bad request.
	ErrFatalTransfer = errors.New("fatal transfer error")
)

type classified struct {
	class error
	err   error
}

func (c *classified) Error() string {
	if c.err == nil {
		return c.class.Error()
	}
	return fmt.Sprintf("%s: %v", c.class, c.err)
}

func (c *classified) Unwrap() []error {
	if c.err == nil {
		return []error{c.class}
	}
	return []error{c.class, c.err}
}

// Transient wraps err so Classify reports retry.Transient.
func Transient(err error) error {
	return &classified{class: ErrTransientTransfer, err: err}
}

// Fatal wraps err so Classify reports retry.Fatal.
func Fatal(err error) error {
	return &classified{class: ErrFatalTransfer, err: err}
}

// Classify maps an attempt error onto a retry class. Context cancellation
// and explicitly fatal errors are fatal; everything else, including errors
// nobody classified, is transient.
func Classify(err error) retry.Class {
	switch {
	case errors.Is(err, ErrFatalTransfer),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return retry.Fatal
	default:
		return retry.Transient
	}
}

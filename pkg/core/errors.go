package core

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutError is the synthetic error produced when an attempt loses the
// timeout race. Losing the race does not cancel the underlying attempt;
// the remote action may still be executing with no further observation.
type TimeoutError struct {
	TestCaseID string
	Timeout    time.Duration
}

// Error implements the error interface
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("test case %s timed out after %s", e.TestCaseID, e.Timeout)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
// Timeouts are terminal on first occurrence: neither the fixed-delay nor
// the smart retry path applies to them.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

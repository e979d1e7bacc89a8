package domain

import (
	"errors"
	"fmt"
)

// ErrJobNotFound is returned when a job id is unknown to the store.
var ErrJobNotFound = errors.New("job not found")

// ErrNoInspectableTargets is the engine's transient failure when the
// browser it drives exposes no page to inspect.
var ErrNoInspectableTargets = errors.New("no inspectable targets")

// ValidationError reports a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

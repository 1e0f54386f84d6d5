package flow

import (
	"errors"
	"fmt"
)

// ConfigurationError reports a compiled scenario that cannot serve the turn.
// It is the only failure that ends a turn with ERROR status.
type ConfigurationError struct {
	State  int
	Intent string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Intent == "" {
		return fmt.Sprintf("scenario configuration: state %d: %s", e.State, e.Reason)
	}
	return fmt.Sprintf("scenario configuration: state %d intent %q: %s", e.State, e.Intent, e.Reason)
}

var (
	// ErrUpstreamTimeout marks an LLM, tool or webhook call that exceeded its bound.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstreamMalformed marks an upstream reply outside the expected contract.
	ErrUpstreamMalformed = errors.New("upstream reply malformed")
	// ErrStoreInconsistency marks a dispatched task whose key never resolved.
	ErrStoreInconsistency = errors.New("task result missing")
)

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfg *ConfigurationError
	return errors.As(err, &cfg)
}

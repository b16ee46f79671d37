package llms

import (
	"errors"
	"fmt"
)

// ProviderError is a failed provider call. Retryable marks transient
// failures (network, 5xx, rate limits); auth and schema failures are
// permanent.
type ProviderError struct {
	Provider  string
	Status    int
	Message   string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) IsRetryable() bool {
	return e.Retryable
}

// IsRetryable reports whether any error in the chain carries a retryable
// marker.
func IsRetryable(err error) bool {
	var marker interface{ IsRetryable() bool }
	if errors.As(err, &marker) {
		return marker.IsRetryable()
	}
	return false
}

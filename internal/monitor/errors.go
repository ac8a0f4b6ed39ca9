package monitor

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProxyAvailable signals every proxy endpoint has an open circuit.
	ErrNoProxyAvailable = errors.New("no proxy endpoint available")
	// ErrSuspiciousDocument signals an anti-automation challenge page.
	ErrSuspiciousDocument = errors.New("anti-automation challenge detected")
	// ErrExtractionIncomplete signals neither price nor rank could be extracted.
	ErrExtractionIncomplete = errors.New("mandatory fields missing after all attempts")
	// ErrNotFound signals a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrTaskNotClaimable signals the task is not PENDING or is scheduled later.
	ErrTaskNotClaimable = errors.New("task is not pending or not yet due")
	// ErrRendererDisabled signals rendering is turned off by configuration.
	ErrRendererDisabled = errors.New("renderer disabled")
)

// TransportError describes a failed fetch on one tier.
type TransportError struct {
	Tier       string
	ProxyID    string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s fetch via %q: status %d: %v", e.Tier, e.ProxyID, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s fetch via %q: status %d", e.Tier, e.ProxyID, e.StatusCode)
	default:
		return fmt.Sprintf("%s fetch via %q: %v", e.Tier, e.ProxyID, e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether the pipeline may retry after err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	return errors.As(err, &te) ||
		errors.Is(err, ErrNoProxyAvailable) ||
		errors.Is(err, ErrSuspiciousDocument)
}

package delivery

import (
	"errors"
	"fmt"
)

// ErrTransient and ErrPermanent classify transport failures. ErrNotConfigured
// marks a dispatcher that has no usable transport identity or credential.
var (
	ErrTransient     = errors.New("transient error")
	ErrPermanent     = errors.New("permanent error")
	ErrNotConfigured = errors.New("transport not configured")
)

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

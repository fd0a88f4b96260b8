package app

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks request validation failures.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNoBanksConnected is returned by transaction sync when the user has no
	// stored credential at all.
	ErrNoBanksConnected = errors.New("No banks connected. Please link your bank account first.")
	// ErrBankNotFound is returned by transaction sync when the requested
	// institution is not among the user's banks.
	ErrBankNotFound = errors.New("Bank not found.")
)

// InputError carries a client-facing validation message.
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

// Is lets callers match any InputError with errors.Is(err, ErrInvalidInput).
func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }

func invalidInput(format string, args ...any) error {
	return &InputError{Message: fmt.Sprintf(format, args...)}
}

// ProviderError is an upstream failure. Details is safe to return to clients:
// every known secret has already been scrubbed from it.
type ProviderError struct {
	Operation  string
	Message    string
	StatusCode int
	Details    any
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

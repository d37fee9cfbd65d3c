package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a transport-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "publish")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrInsufficientFunds is returned when a sender cannot cover the amount.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAuditQueueFull is returned when the audit worker pool sheds load.
	ErrAuditQueueFull = errors.New("audit queue full")

	// ErrAuditUnavailable is reported for transient internal failures during
	// a transfer. Callers see this generic error, not the internal diagnostic.
	ErrAuditUnavailable = errors.New("audit unavailable, transfer aborted")

	// ErrContentionExhausted is returned when an optimistic balance update
	// loses the version race more times than the bounded retry budget allows.
	ErrContentionExhausted = errors.New("balance contention exhausted")

	// ErrAccountNotFound is returned for an unknown account id.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidTrade is returned for a zero or non-finite trade amount.
	ErrInvalidTrade = errors.New("invalid trade amount")

	// ErrShuttingDown is returned when new trades/transfers are refused
	// during the shutdown sequence.
	ErrShuttingDown = errors.New("shutting down")
)

// BlockedError is a policy violation: the audit rejected the transfer.
// It carries the stable reason code, not an internal diagnostic.
type BlockedError struct {
	Code int
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("transfer blocked: %s (audit code: %d)", ReasonText(e.Code), e.Code)
}

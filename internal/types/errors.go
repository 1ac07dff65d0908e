package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for the retry and abort decisions.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindRPC           ErrorKind = "rpc"
	KindParse         ErrorKind = "parse"
	KindNotEligible   ErrorKind = "not_eligible"
	KindPersistence   ErrorKind = "persistence"
)

// Error carries a kind, the failing operation, and whether a retry may help.
type Error struct {
	Kind      ErrorKind
	Op        string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ConfigurationError wraps a fatal configuration problem.
func ConfigurationError(op string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

// RPCError wraps a provider or network failure.
func RPCError(op string, err error, retryable bool) error {
	return &Error{Kind: KindRPC, Op: op, Err: err, Retryable: retryable}
}

// ParseError wraps an unrecognized layout.
func ParseError(op string, err error) error {
	return &Error{Kind: KindParse, Op: op, Err: err}
}

// NotEligibleError is an expected outcome carrying a human-readable reason.
func NotEligibleError(reason string) error {
	return &Error{Kind: KindNotEligible, Op: "eligibility", Err: errors.New(reason)}
}

// PersistenceError wraps a store failure.
func PersistenceError(op string, err error) error {
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

// IsKind reports whether any error in the chain has the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// IsRetryable reports whether the outermost classified error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// Package errs defines the engine-wide error taxonomy. Every failure that
// crosses a component boundary is tagged with a Kind so callers can decide
// policy (retry, defer, surface, park the bot) without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy.
type Kind int

const (
	// Other is the zero Kind: an error we have no policy for.
	Other Kind = iota
	// InvalidConfig is a pre-condition violation on a grid configuration
	// or symbol filters. Surfaced to the caller; the bot is not started.
	InvalidConfig
	// InsufficientBalance means free balance was below the requirement at
	// placement time.
	InsufficientBalance
	// RateLimited is a transient exchange overload signal (418/429).
	RateLimited
	// ExchangeTransient covers network errors, 5xx and timeouts. The
	// adapter retries; if retries are exhausted the error keeps this kind
	// and the engine defers the operation.
	ExchangeTransient
	// ExchangeTerminal covers non-retryable exchange rejections (4xx other
	// than rate limiting, rejected orders, unknown symbols).
	ExchangeTerminal
	// TimestampDrift means the request timestamp fell outside the receive
	// window. The adapter resyncs its clock and retries.
	TimestampDrift
	// PairPriceOutOfRange: a computed counter-price fell outside the grid
	// bounds. Not a failure; recorded as a gap statistic.
	PairPriceOutOfRange
	// StateConflict: a bot lifecycle transition that is not allowed.
	StateConflict
	// NotFound: an entity (bot, order, credential) does not exist.
	NotFound
	// Unrecoverable: invalid credentials, inconsistent persisted state, or
	// a persistence failure. The bot transitions to Error and an operator
	// must intervene.
	Unrecoverable
)

func (k Kind) String() string {
	switch k {
	case InvalidConfig:
		return "invalid_config"
	case InsufficientBalance:
		return "insufficient_balance"
	case RateLimited:
		return "rate_limited"
	case ExchangeTransient:
		return "exchange_transient"
	case ExchangeTerminal:
		return "exchange_terminal"
	case TimestampDrift:
		return "timestamp_drift"
	case PairPriceOutOfRange:
		return "pair_price_out_of_range"
	case StateConflict:
		return "state_conflict"
	case NotFound:
		return "not_found"
	case Unrecoverable:
		return "unrecoverable"
	default:
		return "other"
	}
}

// Error is a tagged error. Msg is the user-facing message; Err is the
// underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a tagged error.
func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Ef builds a tagged error with a formatted message.
func Ef(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error. A nil cause yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from an error chain. Untagged errors report Other.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
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

// Retryable reports whether the adapter may retry the failed call.
func Retryable(err error) bool {
	switch KindOf(err) {
	case RateLimited, ExchangeTransient:
		return true
	default:
		return false
	}
}

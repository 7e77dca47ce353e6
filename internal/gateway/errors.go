package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies adapter errors. Business failures are not errors: they
// come back as failed results.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindConfiguration: unknown gateway, missing or rejected credentials.
	KindConfiguration
	// KindTransient: network failures, timeouts, provider 5xx. Retryable.
	KindTransient
	// KindIntegrity: bad webhook signature or unreadable signed payload.
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransient:
		return "transient"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownGateway     = errors.New("unknown gateway")
	ErrMissingCredentials = errors.New("gateway credentials not configured")
	ErrMalformedPayload   = errors.New("malformed webhook payload")
)

// Error is the only error type adapters return.
type Error struct {
	Kind    Kind
	Gateway string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %s: %s: %v", e.Gateway, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, gateway, op string, err error) *Error {
	return &Error{Kind: kind, Gateway: gateway, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return KindUnknown
}

func IsTransient(err error) bool     { return KindOf(err) == KindTransient }
func IsConfiguration(err error) bool { return KindOf(err) == KindConfiguration }
func IsIntegrity(err error) bool     { return KindOf(err) == KindIntegrity }

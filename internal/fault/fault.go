// Package fault classifies the failures dashsync can observe.
//
// Connectivity-class faults are retried locally and only surfaced once a
// retry budget is exhausted. Data-class faults are surfaced exactly once and
// never retried automatically. None of them stops the process.
package fault

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind is the taxonomy bucket of a fault.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport covers connect timeouts, refused connections and protocol
	// violations. Retried with backoff.
	KindTransport
	// KindRejected is a server-side 4xx on a queued write or a log batch.
	KindRejected
	// KindCacheWriteSkipped means a response could not be cached; the request
	// itself still succeeds.
	KindCacheWriteSkipped
	// KindValidation is a malformed inbound update; the snapshot is untouched.
	KindValidation
	// KindClockAnomaly is a backward jump of the scheduler clock.
	KindClockAnomaly
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "TransportFault"
	case KindRejected:
		return "DeliveryRejected"
	case KindCacheWriteSkipped:
		return "CacheWriteSkipped"
	case KindValidation:
		return "ValidationFailure"
	case KindClockAnomaly:
		return "TriggerClockAnomaly"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "transport.dial"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Cause lets github.com/pkg/errors walk through classified errors.
func (e *Error) Cause() error { return e.Err }

// New classifies err under kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transport is shorthand for a KindTransport fault.
func Transport(op string, err error) *Error { return New(KindTransport, op, err) }

// Rejected is shorthand for a KindRejected fault.
func Rejected(op string, err error) *Error { return New(KindRejected, op, err) }

// Validation is shorthand for a KindValidation fault.
func Validation(op string, format string, args ...any) *Error {
	return New(KindValidation, op, errors.Errorf(format, args...))
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err should be retried with backoff.
// Unclassified errors are treated as connectivity faults: losing data to an
// unknown error is worse than retrying it.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransport, KindUnknown:
		return true
	default:
		return false
	}
}

// HTTPStatusKind maps a backend status code to a kind. 2xx and 3xx are not
// faults and map to KindUnknown.
func HTTPStatusKind(code int) Kind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return KindTransport
	case code >= 400 && code < 500:
		return KindRejected
	case code >= 500:
		return KindTransport
	default:
		return KindUnknown
	}
}

// FromStatus builds a classified error for a non-success HTTP status.
func FromStatus(op string, code int, body string) *Error {
	err := errors.Errorf("backend returned %d %s", code, http.StatusText(code))
	if body != "" {
		err = errors.Errorf("backend returned %d %s: %s", code, http.StatusText(code), body)
	}
	return New(HTTPStatusKind(code), op, err)
}

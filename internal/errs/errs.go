package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the subsystem boundary it crossed.
type Kind string

const (
	KindConfig    Kind = "CONFIG"
	KindStorage   Kind = "STORAGE"
	KindNetwork   Kind = "NETWORK"
	KindAdapter   Kind = "ADAPTER"
	KindInvariant Kind = "INVARIANT"
)

// Error carries a kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and operation name. A nil err still produces an
// error, for invariant violations that have no underlying cause.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Config reports a configuration problem detected at startup.
func Config(op string, err error) *Error { return E(KindConfig, op, err) }

// Storage reports a database failure.
func Storage(op string, err error) *Error { return E(KindStorage, op, err) }

// Network reports a transport-level failure (retryable upstream).
func Network(op string, err error) *Error { return E(KindNetwork, op, err) }

// Adapter reports a venue order/balance call failure.
func Adapter(op string, err error) *Error { return E(KindAdapter, op, err) }

// Invariant reports an internal consistency violation.
func Invariant(op string, err error) *Error { return E(KindInvariant, op, err) }

// Invariantf builds an invariant error from a format string.
func Invariantf(op, format string, args ...interface{}) *Error {
	return E(KindInvariant, op, fmt.Errorf(format, args...))
}

// KindOf walks the chain and returns the kind of the outermost *Error,
// or "" when the chain carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
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

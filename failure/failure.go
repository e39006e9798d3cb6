// Package failure is the classification every write-back failure is reduced
// to before the worker decides between retry, conflict handling and
// dead-lettering.
package failure

import (
	"errors"
	"fmt"
	"time"
)

// Kind of failure
type Kind string

const (
	KindValidation      Kind = "validation"
	KindConflict        Kind = "conflict"
	KindAuth            Kind = "auth"
	KindNotFound        Kind = "not_found"
	KindRateLimit       Kind = "rate_limit"
	KindTransientServer Kind = "transient_server"
	KindTimeout         Kind = "timeout"
	KindUnknown         Kind = "unknown"
)

// Retryable whether a failure of this kind may be retried with backoff
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindTransientServer, KindTimeout, KindUnknown:
		return true
	}
	return false
}

// ConflictDetail the remote state reported with a version conflict
type ConflictDetail struct {
	CurrentVersion    int64    `json:"currentVersion"`
	ConflictingFields []string `json:"conflictingFields"`
}

// Error a classified failure
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Conflict   *ConflictDetail
	Err        error
}

func (fe *Error) Error() string {
	s := fmt.Sprintf("%s: %s", fe.Kind, fe.Message)
	if fe.StatusCode != 0 {
		s = fmt.Sprintf("%s (status %d)", s, fe.StatusCode)
	}
	if fe.Err != nil {
		s = fmt.Sprintf("%s: %v", s, fe.Err)
	}
	return s
}

// Unwrap returns the cause
func (fe *Error) Unwrap() error {
	return fe.Err
}

// New creates a classified failure
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap classifies err
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// As returns the classified failure in err's chain, if any
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf classifies err. Errors that were never classified are unknown.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return KindUnknown
}

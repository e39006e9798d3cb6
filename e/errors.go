package e

import (
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// ExtendedError is our custom error
type ExtendedError struct {
	InnerError error
	Message    string
	Code       string
	original   error
}

// Error returns the string of the inner error
func (e *ExtendedError) Error() string {
	return fmt.Sprintf("%+v", e.InnerError)
}

// Unwrap returns the originating error, so errors.Is/As work through the
// extended error
func (e *ExtendedError) Unwrap() error {
	return e.original
}

// IsError checks if the originating error is the specified target
func (e *ExtendedError) IsError(tgt error) bool {
	return errors.Is(e.original, tgt)
}

// AsError calls errors.As on the original error with the specified target error.
// If it is the target error, it will set the target as the original error value
// and return true, otherwise it returns false
func (e *ExtendedError) AsError(tgt interface{}) bool {
	return errors.As(e.original, tgt)
}

// N creates a new error with the code and message. The message is also
// used as the extended error's public message
func N(code, msg string) error {
	return WWM(nil, code, msg)
}

// NewStr creates a new error string based on the code and messages
func NewStr(code string, msgList ...string) (s string) {
	if len(msgList) == 0 {
		return code
	}
	return fmt.Sprintf("%s: %s", code, strings.Join(msgList, "|"))
}

// AsExtendedError helper function that returns the error as an ExtendedError
// if it is one. Otherwise it returns nil
func AsExtendedError(err error) (ee *ExtendedError) {
	if errors.As(err, &ee) {
		return ee
	}
	return nil
}

// ContainsError checks if the error contains the specified error message
func ContainsError(err error, msg string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), msg)
}

// Contains checks if the error contains the code
func Contains(err error, code string) bool {
	return ContainsError(err, code)
}

// WWM calls W, then sets the extended error's message to the passed message.
func WWM(err error, code, msg string, debugMessages ...string) error {
	ee := W(err, code, debugMessages...).(*ExtendedError)
	ee.Message = NewStr(code, msg)
	if err == nil {
		ee.InnerError = pkgerrors.New(NewStr(code, append([]string{msg}, debugMessages...)...))
	}
	return ee
}

// W checks if the passed error has been wrapped before, i.e. is it an
// ExtendedError. If not, it will create an ExtendedError and assign the
// InnerError to it. If it already is an ExtendedError, the code and debug
// messages are prepended to the existing InnerError. The originating error
// is always preserved.
//
// This function always returns an *ExtendedError, but the signature is
// error
func W(err error, code string, debugMessages ...string) error {
	msg := NewStr(code, debugMessages...)

	// If the error is already an extended error, then just update the
	// inner error
	if ee := AsExtendedError(err); ee != nil {
		ee.InnerError = fmt.Errorf("[%s]%+v", msg, ee.InnerError)
		return ee
	}

	ee := &ExtendedError{
		Code:     code,
		original: err,
	}

	if err == nil {
		ee.InnerError = pkgerrors.New(msg)
		ee.Message = msg
		return ee
	}

	ee.InnerError = fmt.Errorf("[%s]%+v", msg, pkgerrors.Wrap(err, ""))
	ee.Message = NewStr(code, MsgUnknownInternalServerError)

	return ee
}

// PublicMessage returns the message that is safe to show a caller. Errors
// that were not created by this package return the unknown error message.
func PublicMessage(err error) string {
	if ee := AsExtendedError(err); ee != nil && ee.Message != "" {
		return ee.Message
	}
	return MsgUnknownInternalServerError
}

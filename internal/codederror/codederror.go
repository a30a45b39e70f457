// Package codederror defines the error type every command handler and the
// transaction processor return: an SMTP reply code, an RFC 3463 enhanced
// status code, and a message. It generalizes chasquid's
// (code int, msg string) handler convention into a single value so it can
// be threaded through the transaction processor and spool without the two
// parts drifting apart.
package codederror

import (
	"fmt"
	"strings"
)

// Error is a coded SMTP response wrapped as a Go error.
type Error struct {
	Code      int    // SMTP reply code, e.g. 550
	Enhanced  string // RFC 3463 enhanced status, e.g. "5.1.1"; may be empty
	Message   string
	Permanent bool // true for 5xx (and classified-permanent transport errors)
}

// New builds a coded error. Permanent is derived from Code unless the
// caller passes an Enhanced status starting with "4", which always means
// transient regardless of Code.
func New(code int, enhanced, message string) *Error {
	return &Error{
		Code:      code,
		Enhanced:  enhanced,
		Message:   message,
		Permanent: code >= 500 && !strings.HasPrefix(enhanced, "4"),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Enhanced != "" {
		return fmt.Sprintf("%d %s %s", e.Code, e.Enhanced, e.Message)
	}
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// Reply renders the code/message pair the way the session writes it to the
// wire: the enhanced status, if any, prefixed onto the message text.
func (e *Error) Reply() (code int, msg string) {
	if e.Enhanced != "" {
		return e.Code, e.Enhanced + " " + e.Message
	}
	return e.Code, e.Message
}

// Transient builds a 4xx coded error.
func Transient(code int, enhanced, message string) *Error {
	e := New(code, enhanced, message)
	e.Permanent = false
	return e
}

// Perm builds a 5xx coded error.
func Perm(code int, enhanced, message string) *Error {
	e := New(code, enhanced, message)
	e.Permanent = true
	return e
}

package dispatch

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Error codes surfaced to callers.
const (
	CodeNotFound     = "act_not_found"
	CodeInvalidMsg   = "act_invalid_msg"
	CodeDefaultBad   = "act_default_bad"
	CodeMaxParents   = "maxparents"
	CodeClosed       = "closed"
	CodeExecute      = "act_execute"
	CodeCallback     = "act_callback"
	CodeNotObjArr    = "result_not_objarr"
	CodeReadyFailed  = "ready_failed"
	CodeTaskTimeout  = "task_timeout"
	CodeInvalidCall  = "act_invalid_call"
	CodeTransportErr = "act_transport"
)

var messages = map[string]string{
	CodeNotFound:     "no matching action pattern found",
	CodeInvalidMsg:   "invalid message",
	CodeDefaultBad:   "default result must be an object or array",
	CodeMaxParents:   "maximum number of parent calls exceeded",
	CodeClosed:       "instance is closed",
	CodeExecute:      "action failed",
	CodeCallback:     "continuation failed",
	CodeNotObjArr:    "result is not an object or array",
	CodeReadyFailed:  "ready hook failed",
	CodeTaskTimeout:  "action timed out",
	CodeInvalidCall:  "invalid call",
	CodeTransportErr: "transport failed",
}

// ErrInvalidCall is returned synchronously for call-site contract violations.
var ErrInvalidCall = errors.New("dispatch: invalid call")

// Error is the structured error delivered for every failed call.
type Error struct {
	Code      string
	Message   string
	Details   map[string]any
	Cause     error
	Pattern   string
	Callpoint string
	Instance  string
	CallID    string

	logged atomic.Bool
}

func newError(code string, cause error, details map[string]any) *Error {
	msg := messages[code]
	if msg == "" {
		msg = code
	}
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	return &Error{Code: code, Message: msg, Details: details, Cause: cause}
}

func (e *Error) Error() string {
	if e.Pattern != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Pattern, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code != "" && t.Code == e.Code
}

// markLogged reports true the first time it is called.
func (e *Error) markLogged() bool {
	return e.logged.CompareAndSwap(false, true)
}

// CodeOf returns the code of the structured error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// asError converts any handler error into a structured one. Errors already
// structured by a child call are passed through unchanged.
func asError(code string, err error, details map[string]any) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(code, err, details)
}

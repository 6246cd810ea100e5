package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code identifies an error class on the wire. Clients branch on the code;
// the message is advisory.
type Code string

const (
	CodeAuth          Code = "auth_error"
	CodeValidation    Code = "validation_error"
	CodeAuthorization Code = "authorization_error"
	CodeNotFound      Code = "not_found"
	CodePersistence   Code = "persistence_error"
	CodeStateConflict Code = "state_conflict"
)

// Error is the taxonomy carried back to the originating connection. It is
// never broadcast.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a protocol error from an error chain. Anything that is
// not already classified surfaces as a persistence error: by the time an
// unclassified error escapes the dispatch path, the store call is the only
// remaining source.
func AsError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return &Error{Code: CodePersistence, Message: err.Error()}
}

// errorFrame is the wire shape sent to the offending sender only.
type errorFrame struct {
	Event   string `json:"event"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// MarshalError renders the error frame for the sender.
func MarshalError(e *Error) []byte {
	b, err := json.Marshal(errorFrame{Event: "error", Code: e.Code, Message: e.Message})
	if err != nil {
		// errorFrame contains only strings; Marshal cannot fail on it.
		panic(err)
	}
	return b
}

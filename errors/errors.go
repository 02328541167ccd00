package errors

import (
	"errors"
	"fmt"
)

var (
	ErrWorkerPanic         = fmt.Errorf("worker panic")
	ErrHandlerPanic        = fmt.Errorf("action handler panic")
	ErrUnknownActionType   = fmt.Errorf("unknown action type")
	ErrDuplicateActionType = fmt.Errorf("action type already registered")
	ErrInvalidDefinition   = fmt.Errorf("invalid action definition")
	ErrSessionNotFound     = fmt.Errorf("session not found")
	ErrConnectionClosed    = fmt.Errorf("connection closed")
	ErrBackpressure        = fmt.Errorf("connection outbound buffer full")
	ErrEntityNotFound      = fmt.Errorf("entity not found")
	ErrEntityTypeNotFound  = fmt.Errorf("entity type not found")
	ErrMalformedMessage    = fmt.Errorf("malformed message")
)

// Wire codes carried in the error field of an error message.
const (
	CodeUnknownActionType = "UNKNOWN_ACTION_TYPE"
	CodeHandlerPanic      = "HANDLER_PANIC"
	CodeEntityNotFound    = "ENTITY_NOT_FOUND"
	CodeMalformedMessage  = "MALFORMED_MESSAGE"
)

// ActionError is a handler failure with a stable wire code.
type ActionError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func NewActionError(code, message string) *ActionError {
	return &ActionError{Code: code, Message: message}
}

func (e *ActionError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var coded = []struct {
	err  error
	code string
}{
	{ErrUnknownActionType, CodeUnknownActionType},
	{ErrHandlerPanic, CodeHandlerPanic},
	{ErrEntityNotFound, CodeEntityNotFound},
	{ErrMalformedMessage, CodeMalformedMessage},
}

// Code returns the wire code of err, empty for plain errors.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		return actionErr.Code
	}
	for _, c := range coded {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// Body returns the value sent in the error field for err.
// Plain errors travel as their message, known failures as {code, message}.
func Body(err error) any {
	if err == nil {
		return nil
	}
	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		if actionErr.Message == "" {
			return actionErr.Code
		}
		return actionErr
	}
	if code := Code(err); code != "" {
		return &ActionError{Code: code, Message: err.Error()}
	}
	return err.Error()
}

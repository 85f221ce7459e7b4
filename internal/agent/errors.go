package agent

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is a failure reported to the caller with an HTTP status.
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorMapping maps a provider error substring to a caller-facing status and message.
type ErrorMapping struct {
	Substring  string
	StatusCode int
	Message    string
}

// ErrorTable is checked in order; the first substring found in the error
// text wins.
var ErrorTable = []ErrorMapping{
	{"Invalid Authentication", http.StatusUnauthorized, "Invalid API key or organization. Please check your credentials."},
	{"Incorrect API key provided", http.StatusUnauthorized, "Invalid API key. Please check or regenerate your API key."},
	{"You must be a member of an organization to use the API", http.StatusUnauthorized, "Account not associated with an organization. Please contact support."},
	{"Country, region, or territory not supported", http.StatusForbidden, "Access denied due to geographical restrictions."},
	{"Rate limit reached for requests", http.StatusTooManyRequests, "Too many requests. Please slow down your request rate."},
	{"You exceeded your current quota", http.StatusTooManyRequests, "Usage limit reached. Please check your plan and billing details."},
	{"The server had an error while processing your request", http.StatusInternalServerError, "Internal server error. Please try again later."},
	{"The engine is currently overloaded", http.StatusServiceUnavailable, "Service temporarily unavailable. Please try again later."},
}

const unexpectedErrorMessage = "An unexpected error occurred"

// Classify maps err to an *Error. An *Error already in the chain is
// returned as is.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	text := err.Error()
	for _, m := range ErrorTable {
		if strings.Contains(text, m.Substring) {
			return &Error{StatusCode: m.StatusCode, Message: m.Message, Err: err}
		}
	}
	return &Error{StatusCode: http.StatusInternalServerError, Message: unexpectedErrorMessage, Err: err}
}

func badRequest(msg string) *Error {
	return &Error{StatusCode: http.StatusBadRequest, Message: msg}
}

package identity

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// reuseSignals are matched case-insensitively against failure bodies. The
// wording is owned by the provider, so callers must still cope with a miss.
var reuseSignals = []string{"already used", "already_used", "reuse"}

// Error is a non-2xx response from the identity provider.
type Error struct {
	Status      int
	Code        string
	Description string
	Body        string
}

type errorBody struct {
	Error            string `json:"error"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func newError(status int, body []byte) *Error {
	e := &Error{Status: status, Body: strings.TrimSpace(string(body))}
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		e.Code = firstNonEmpty(parsed.ErrorCode, parsed.Error)
		e.Description = firstNonEmpty(parsed.ErrorDescription, parsed.Msg, parsed.Message, parsed.Error)
	}
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("identity request failed (%d): %s", e.Status, e.Message())
}

// Message returns the most descriptive text the provider supplied.
func (e *Error) Message() string {
	if e.Description != "" {
		return e.Description
	}
	if e.Body != "" {
		return e.Body
	}
	return http.StatusText(e.Status)
}

// ReuseDetected reports whether the provider rejected a refresh token because
// another client already exchanged it.
func (e *Error) ReuseDetected() bool {
	if e == nil {
		return false
	}
	haystack := strings.ToLower(e.Body + " " + e.Code + " " + e.Description)
	for _, signal := range reuseSignals {
		if strings.Contains(haystack, signal) {
			return true
		}
	}
	return false
}

// Unauthorized reports whether the credentials themselves were rejected.
func (e *Error) Unauthorized() bool {
	return e != nil && (e.Status == http.StatusUnauthorized || e.Status == http.StatusBadRequest)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrResponseTooLarge is returned when a response body exceeds the buffer cap.
var ErrResponseTooLarge = errors.New("transport: response too large")

// StatusError is returned for every non-2xx response.
type StatusError struct {
	Status int
	Code   string
	Detail string
	Body   []byte
}

// errorBody accepts both {"error":{"code","message"}} and {"detail": "..."} shapes.
type errorBody struct {
	Error   json.RawMessage `json:"error"`
	Code    string          `json:"code"`
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
}

// NewStatusError classifies res into a *StatusError.
func NewStatusError(res *Response) *StatusError {
	e := &StatusError{Status: res.Status, Body: res.Body}

	var b errorBody
	if err := json.Unmarshal(res.Body, &b); err != nil {
		e.Detail = strings.TrimSpace(string(res.Body))
		return e
	}

	e.Code = b.Code
	e.Detail = b.Message
	if len(b.Error) > 0 {
		var nested struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		var flat string
		switch {
		case json.Unmarshal(b.Error, &nested) == nil:
			if nested.Code != "" {
				e.Code = nested.Code
			}
			if nested.Message != "" {
				e.Detail = nested.Message
			}
		case json.Unmarshal(b.Error, &flat) == nil && e.Code == "":
			e.Code = flat
		}
	}
	if len(b.Detail) > 0 {
		var s string
		if json.Unmarshal(b.Detail, &s) == nil {
			e.Detail = s
		} else {
			e.Detail = string(b.Detail)
		}
	}
	return e
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("http %d %s", e.Status, http.StatusText(e.Status))
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsAntiForgery reports whether the rejection names the anti-forgery token.
func (e *StatusError) IsAntiForgery() bool {
	if e == nil || e.Status != http.StatusForbidden {
		return false
	}
	return strings.Contains(strings.ToLower(e.Code), "csrf") ||
		strings.Contains(strings.ToLower(e.Detail), "csrf")
}

// AsStatus extracts a *StatusError from err.
func AsStatus(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// HasStatus reports whether err carries the given HTTP status.
func HasStatus(err error, status int) bool {
	se, ok := AsStatus(err)
	return ok && se.Status == status
}

package portal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// loginSuccess is the status value the portal returns for an accepted login or
// one-time code
const loginSuccess = "success"

// LoginResponse is returned by the login and one-time code endpoints
type LoginResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// OK reports whether the portal accepted the request
func (r *LoginResponse) OK() bool {
	return r.Status == loginSuccess
}

// ContextResponse is returned by the domain context switch endpoint
type ContextResponse struct {
	Authenticated bool   `json:"authenticated"`
	Message       string `json:"message"`
}

// RecordResponse is returned by the record creation endpoint.
// When Status is JSON null the real message is under Error.Message.
type RecordResponse struct {
	Status  Status       `json:"status"`
	Message string       `json:"message"`
	Error   *RecordError `json:"error"`
}

// RecordError is the nested error object of a failed record creation
type RecordError struct {
	Message string `json:"message"`
}

// FailureMessage picks the message from whichever location the portal used
func (r *RecordResponse) FailureMessage() string {
	nested := ""
	if r.Error != nil {
		nested = r.Error.Message
	}

	if r.Status.Null {
		if nested != "" {
			return nested
		}
		return r.Message
	}
	if r.Message != "" {
		return r.Message
	}
	return nested
}

// Status is a boolean-like JSON value: true/false, 1/0, a string or null.
// Unrecognised strings such as "error" count as failure.
type Status struct {
	Value bool
	Null  bool // explicit JSON null
	Set   bool // present in the document
}

// UnmarshalJSON implements json.Unmarshaler
func (s *Status) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	s.Set = true

	if bytes.Equal(data, []byte("null")) {
		s.Null = true
		s.Value = false
		return nil
	}

	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch t := v.(type) {
	case bool:
		s.Value = t
	case float64:
		s.Value = t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "ok", "success":
			s.Value = true
		default:
			// any other string, "error" included, is a failure
			s.Value = false
		}
	default:
		return fmt.Errorf("unexpected status type %T", v)
	}
	return nil
}

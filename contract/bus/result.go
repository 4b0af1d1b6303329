package bus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Messages of the errors the bus synthesizes itself. Everything else comes from handlers.
const (
	MsgServiceNotFound = "Service not found"
	MsgMethodNotFound  = "Method not found"
	MsgSchemaNotFound  = "Schema not found"
	MsgCallTimeout     = "Call timeout"
	MsgCallCancelled   = "Call cancelled"
	MsgCallFailed      = "Call failed"
	MsgInvalidPayload  = "Invalid payload"
	MsgInternal        = "Internal error"
)

// ServiceError is the failure branch of a Result.
// Expected distinguishes caller-facing business failures from internal faults.
type ServiceError struct {
	Message  string `json:"message"`
	Expected bool   `json:"expected"`
}

func (e *ServiceError) Error() string { return e.Message }

// Expected builds a caller-facing business or validation error.
func Expected(msg string) *ServiceError { return &ServiceError{Message: msg, Expected: true} }

// Unexpected builds an internal fault.
func Unexpected(msg string) *ServiceError { return &ServiceError{Message: msg, Expected: false} }

// Result is the outcome of a call: either Err is set, or Value holds the JSON encoded value.
// It travels as the tuple [error|null, value|null].
type Result struct {
	Err   *ServiceError
	Value json.RawMessage
}

// OK wraps v as the success branch. A value that cannot be encoded yields an unexpected error.
func OK(v any) Result {
	raw, err := encodeValue(v)
	if err != nil {
		return Fail(Unexpected(MsgInternal))
	}

	return Result{Value: raw}
}

// Fail wraps err as the failure branch.
func Fail(err *ServiceError) Result { return Result{Err: err} }

// Failed reports whether r carries a ServiceError.
func (r Result) Failed() bool { return r.Err != nil }

// Decode unmarshals the success value into v.
func (r Result) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}

	return json.Unmarshal(nullIfEmpty(r.Value), v)
}

func (r Result) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal([2]any{r.Err, nil})
	}

	return json.Marshal([2]any{nil, nullIfEmpty(r.Value)})
}

func (r *Result) UnmarshalJSON(b []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(b, &tuple); err != nil {
		return err
	}

	if len(tuple) != 2 {
		return fmt.Errorf("result: want 2 elements, got %d", len(tuple))
	}

	*r = Result{}

	if !isNull(tuple[0]) {
		var se ServiceError
		if err := json.Unmarshal(tuple[0], &se); err != nil {
			return err
		}

		r.Err = &se

		return nil
	}

	r.Value = append(json.RawMessage(nil), tuple[1]...)

	return nil
}

// AsServiceError extracts a ServiceError from err, if any.
func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}

	return nil, false
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

package bus_test

import (
	"encoding/json"
	"errors"
	"testing"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
)

func TestResult_WireTuple(t *testing.T) {
	b, err := json.Marshal(cbus.Fail(cbus.Unexpected(cbus.MsgCallTimeout)))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if string(b) != `[{"message":"Call timeout","expected":false},null]` {
		t.Fatalf("failure tuple: %s", b)
	}

	b, err = json.Marshal(cbus.OK(map[string]string{"test": "test"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if string(b) != `[null,{"test":"test"}]` {
		t.Fatalf("success tuple: %s", b)
	}

	b, err = json.Marshal(cbus.OK(nil))
	if err != nil || string(b) != `[null,null]` {
		t.Fatalf("nil success tuple: %s %v", b, err)
	}
}

func TestResult_UnmarshalBranches(t *testing.T) {
	var r cbus.Result
	if err := json.Unmarshal([]byte(`[{"message":"insufficient funds","expected":true},null]`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !r.Failed() || r.Err.Message != "insufficient funds" || !r.Err.Expected {
		t.Fatalf("failure branch: %+v", r.Err)
	}

	if err := json.Unmarshal([]byte(`[null,{"n":3}]`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if r.Failed() {
		t.Fatalf("success branch carries error: %+v", r.Err)
	}

	var got struct{ N int }
	if err := r.Decode(&got); err != nil || got.N != 3 {
		t.Fatalf("decode: %v %+v", err, got)
	}

	if err := json.Unmarshal([]byte(`[null]`), &r); err == nil {
		t.Fatalf("expected error for short tuple")
	}
}

func TestResult_DecodeFailureReturnsServiceError(t *testing.T) {
	r := cbus.Fail(cbus.Expected("nope"))

	var v any

	err := r.Decode(&v)

	se, ok := cbus.AsServiceError(err)
	if !ok || se.Message != "nope" || !se.Expected {
		t.Fatalf("want expected ServiceError, got %v", err)
	}
}

func TestOK_UnencodableValue(t *testing.T) {
	r := cbus.OK(make(chan int))
	if !r.Failed() || r.Err.Expected {
		t.Fatalf("want unexpected failure, got %+v", r)
	}
}

func TestAsServiceError_Wrapped(t *testing.T) {
	err := errors.Join(errors.New("ctx"), cbus.Expected("bad input"))

	se, ok := cbus.AsServiceError(err)
	if !ok || se.Message != "bad input" {
		t.Fatalf("as service error: %v %v", se, ok)
	}

	if _, ok := cbus.AsServiceError(errors.New("plain")); ok {
		t.Fatalf("plain error is not a ServiceError")
	}
}

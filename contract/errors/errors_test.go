package errors_test

import (
	"errors"
	"fmt"
	"testing"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

func TestCodeAndVars(t *testing.T) {
	e := berr.Code(berr.ErrCodePublishFailed)
	if e.Error() != berr.ErrCodePublishFailed {
		t.Fatalf("unexpected error string: %s", e.Error())
	}

	// exported variables must carry their codes
	tests := []struct {
		err  error
		code string
	}{
		{berr.ErrServiceNotFound, berr.ErrCodeServiceNotFound},
		{berr.ErrMethodNotFound, berr.ErrCodeMethodNotFound},
		{berr.ErrCallTimeout, berr.ErrCodeCallTimeout},
		{berr.ErrAppendFailed, berr.ErrCodeAppendFailed},
		{berr.ErrPublishFailed, berr.ErrCodePublishFailed},
		{berr.ErrSerializationFailed, berr.ErrCodeSerializationFailed},
		{berr.ErrInvalidChannel, berr.ErrCodeInvalidChannel},
		{berr.ErrUnknownCall, berr.ErrCodeUnknownCall},
		{berr.ErrMissingEventHandler, berr.ErrCodeMissingEventHandler},
		{berr.ErrUnsupported, berr.ErrCodeUnsupported},
		{berr.ErrTransportClosed, berr.ErrCodeTransportClosed},
		{berr.ErrInvalidConfig, berr.ErrCodeInvalidConfig},
		{berr.ErrBusStopped, berr.ErrCodeBusStopped},
	}

	for _, tc := range tests {
		if !errors.Is(tc.err, berr.Code(tc.code)) {
			t.Fatalf("expected %s to be %s", tc.err, tc.code)
		}
	}
}

func TestWrappedCodesMatch(t *testing.T) {
	err := fmt.Errorf("redis append: %w", errors.Join(berr.ErrAppendFailed, errors.New("conn reset")))

	if !errors.Is(err, berr.ErrAppendFailed) {
		t.Fatalf("want ErrAppendFailed in chain, got %v", err)
	}

	if errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("unexpected ErrPublishFailed in chain")
	}
}

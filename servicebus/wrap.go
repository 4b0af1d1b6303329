package servicebus

import (
	"context"
	"fmt"
	"log/slog"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
)

// ServiceFunc is the natural Go shape of a service method.
type ServiceFunc func(ctx context.Context, p cbus.Payload) (any, error)

// EventFunc is the natural Go shape of an event consumer.
type EventFunc func(ctx context.Context, p cbus.Payload) error

// Wrap adapts fn to a cbus.Handler, converting its failures into ServiceErrors before the
// bus ever transports them. A *cbus.ServiceError keeps its Expected flag; any other error
// or a panic becomes an unexpected error. Expected errors are logged at warn, others at error.
func Wrap(fn ServiceFunc, source string, logger *slog.Logger) cbus.Handler {
	logger = LoggerOrDiscard(logger)

	return func(ctx context.Context, p cbus.Payload) (res cbus.Result) {
		defer func() {
			if rec := recover(); rec != nil {
				res = cbus.Fail(processServiceError(ctx, fmt.Errorf("panic: %v", rec), source, p, logger))
			}
		}()

		v, err := fn(ctx, p)
		if err != nil {
			return cbus.Fail(processServiceError(ctx, err, source, p, logger))
		}

		return cbus.OK(v)
	}
}

// WrapEvent adapts fn to a cbus.EventHandler with the same error classification as Wrap.
func WrapEvent(fn EventFunc, source string, logger *slog.Logger) cbus.EventHandler {
	logger = LoggerOrDiscard(logger)

	return func(ctx context.Context, p cbus.Payload) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = processServiceError(ctx, fmt.Errorf("panic: %v", rec), source, p, logger)
			}
		}()

		if err := fn(ctx, p); err != nil {
			return processServiceError(ctx, err, source, p, logger)
		}

		return nil
	}
}

func processServiceError(ctx context.Context, err error, source string, p cbus.Payload, logger *slog.Logger) *cbus.ServiceError {
	se, ok := cbus.AsServiceError(err)
	if !ok {
		se = cbus.Unexpected(err.Error())
	}

	level := slog.LevelError
	if se.Expected {
		level = slog.LevelWarn
	}

	logger.Log(ctx, level, se.Message, "source", source, "operationId", p.Meta.OperationID(), "error", err)

	return se
}

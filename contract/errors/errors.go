package errors

// Error codes for the bus contracts. Keep stable; used across adapters and bus.
const (
	ErrCodeServiceNotFound     = "servicebus.service_not_found"
	ErrCodeMethodNotFound      = "servicebus.method_not_found"
	ErrCodeCallTimeout         = "servicebus.call_timeout"
	ErrCodeAppendFailed        = "servicebus.append_failed"
	ErrCodePublishFailed       = "servicebus.publish_failed"
	ErrCodeSerializationFailed = "servicebus.serialization_failed"
	ErrCodeInvalidChannel      = "servicebus.invalid_channel"
	ErrCodeUnknownCall         = "servicebus.unknown_call"
	ErrCodeMissingEventHandler = "servicebus.missing_event_handler"
	ErrCodeUnsupported         = "servicebus.unsupported"
	ErrCodeTransportClosed     = "servicebus.transport_closed"
	ErrCodeInvalidConfig       = "servicebus.invalid_config"
	ErrCodeBusStopped          = "servicebus.bus_stopped"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrServiceNotFound     = Code(ErrCodeServiceNotFound)
	ErrMethodNotFound      = Code(ErrCodeMethodNotFound)
	ErrCallTimeout         = Code(ErrCodeCallTimeout)
	ErrAppendFailed        = Code(ErrCodeAppendFailed)
	ErrPublishFailed       = Code(ErrCodePublishFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrInvalidChannel      = Code(ErrCodeInvalidChannel)
	ErrUnknownCall         = Code(ErrCodeUnknownCall)
	ErrMissingEventHandler = Code(ErrCodeMissingEventHandler)
	ErrUnsupported         = Code(ErrCodeUnsupported)
	ErrTransportClosed     = Code(ErrCodeTransportClosed)
	ErrInvalidConfig       = Code(ErrCodeInvalidConfig)
	ErrBusStopped          = Code(ErrCodeBusStopped)
)

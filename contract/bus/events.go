package bus

import "strings"

// Wire-level names shared by every process talking to the same broker.
// Keep stable; they are part of the interop contract.
const (
	SchemasKey  = "internal:schemas"
	EventsGroup = "events"

	FieldServerID = "serverId"
	FieldCallID   = "callId"
	FieldPayload  = "payload"

	requestSuffix  = ":request"
	eventSuffix    = ":event"
	responsePrefix = "response:"
)

// RequestStream is the stream carrying calls of cmd.
func RequestStream(cmd Command) string { return cmd.Service + ":" + cmd.Method + requestSuffix }

// MethodFromRequestStream recovers the method of a request stream read by service's group.
func MethodFromRequestStream(service, stream string) (string, bool) {
	rest, ok := strings.CutPrefix(stream, service+":")
	if !ok {
		return "", false
	}

	method, ok := strings.CutSuffix(rest, requestSuffix)
	if !ok || method == "" {
		return "", false
	}

	return method, true
}

// EventStream is the stream carrying instances of event.
func EventStream(event string) string { return event + eventSuffix }

// EventFromStream recovers the event name of an event stream.
func EventFromStream(stream string) (string, bool) {
	event, ok := strings.CutSuffix(stream, eventSuffix)
	return event, ok && event != ""
}

// ResponseChannel is the channel a single call result is published to.
func ResponseChannel(serverID, callID string) string {
	return responsePrefix + serverID + ":" + callID
}

// ResponsePattern matches every response channel of serverID.
func ResponsePattern(serverID string) string { return responsePrefix + serverID + ":*" }

// CallIDFromChannel extracts the callId suffix of a response channel.
func CallIDFromChannel(channel string) (string, bool) {
	i := strings.LastIndex(channel, ":")
	if i < 0 || i == len(channel)-1 {
		return "", false
	}

	return channel[i+1:], true
}

package ipc

import (
	"encoding/json"
)

const (
	// CommandKey holds the command name followed by its positional arguments.
	CommandKey = "command"
	// RequestIDKey is the correlation id, set on outbound commands and echoed in replies.
	RequestIDKey = "request_id"
	// EventKey names the event of an asynchronous player message.
	EventKey = "event"
)

// Command is one outbound request.
// Keys other than "command" are sent as-is, except "request_id", which is owned by the Correlator and overwritten on send.
type Command map[string]any

// NewCommand builds a Command from a command name and its positional arguments.
func NewCommand(name string, args ...any) Command {
	return Command{CommandKey: append([]any{name}, args...)}
}

// Name returns the command name, or "" if the command has none.
func (c Command) Name() string {
	args, ok := c[CommandKey].([]any)
	if !ok || len(args) == 0 {
		return ""
	}
	name, _ := args[0].(string)
	return name
}

// Message is one decoded inbound frame.
type Message struct {
	// Raw is the complete frame, without its trailing newline.
	Raw json.RawMessage

	// RequestID is set when the frame carries a non-negative integer request_id.
	RequestID *uint64

	// Event is the frame's "event" field, if it has one.
	Event string
}

// MarshalJSON returns the frame unchanged, so a Message can be embedded in other JSON documents.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Raw) == 0 {
		return []byte("null"), nil
	}
	return m.Raw, nil
}

// Unmarshal decodes the raw frame into v.
func (m Message) Unmarshal(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// DecodeMessage decodes a single frame.
// Any valid JSON value is a frame; only objects can carry a request_id or an event name.
func DecodeMessage(line []byte) (Message, error) {
	raw := make(json.RawMessage, len(line))
	copy(raw, line)

	if !json.Valid(raw) {
		var v any
		err := json.Unmarshal(raw, &v)
		return Message{}, &FrameError{Line: raw, Err: err}
	}

	msg := Message{Raw: raw}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		// valid JSON, but not an object
		return msg, nil
	}
	if idRaw, ok := fields[RequestIDKey]; ok && string(idRaw) != "null" {
		var id uint64
		if err := json.Unmarshal(idRaw, &id); err == nil {
			msg.RequestID = &id
		}
	}
	if evRaw, ok := fields[EventKey]; ok {
		_ = json.Unmarshal(evRaw, &msg.Event)
	}
	return msg, nil
}

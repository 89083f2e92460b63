// ABOUTME: Wire envelope codec for relay frames: "<event>::<filter>::<jsonPayload>".
// ABOUTME: The payload is the remainder after the second delimiter and may contain "::".

package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Delimiter separates the event, filter and payload segments.
const Delimiter = "::"

// ErrMalformedFrame indicates a frame that cannot be split into its three segments.
var ErrMalformedFrame = errors.New("malformed frame")

// ErrPayloadDecode indicates a frame whose payload segment is not valid JSON
// for the requested type.
var ErrPayloadDecode = errors.New("payload decode failed")

// Frame is a decoded wire envelope. Payload is left as raw JSON; callers
// decide how to parse it.
type Frame struct {
	Event   string
	Filter  string
	Payload json.RawMessage
}

// Encode marshals payload to JSON and builds the wire string.
func Encode(event, filter string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding payload for %q: %w", event, err)
	}
	return EncodeRaw(event, filter, raw)
}

// EncodeRaw builds the wire string from an already-encoded payload.
// The event must be non-empty and neither event nor filter may contain the
// delimiter, otherwise the frame would not decode back to the same segments.
func EncodeRaw(event, filter string, raw json.RawMessage) (string, error) {
	if event == "" {
		return "", fmt.Errorf("%w: empty event", ErrMalformedFrame)
	}
	if strings.Contains(event, Delimiter) {
		return "", fmt.Errorf("%w: event %q contains %q", ErrMalformedFrame, event, Delimiter)
	}
	if strings.Contains(filter, Delimiter) {
		return "", fmt.Errorf("%w: filter %q contains %q", ErrMalformedFrame, filter, Delimiter)
	}

	var b strings.Builder
	b.Grow(len(event) + len(filter) + len(raw) + 2*len(Delimiter))
	b.WriteString(event)
	b.WriteString(Delimiter)
	b.WriteString(filter)
	b.WriteString(Delimiter)
	b.Write(raw)
	return b.String(), nil
}

// Decode splits a wire string into its segments without parsing the payload.
func Decode(wire string) (*Frame, error) {
	if wire == "" {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}

	event, rest, ok := strings.Cut(wire, Delimiter)
	if !ok {
		return nil, fmt.Errorf("%w: delimiter %q not found", ErrMalformedFrame, Delimiter)
	}
	if event == "" {
		return nil, fmt.Errorf("%w: empty event", ErrMalformedFrame)
	}

	filter, payload, ok := strings.Cut(rest, Delimiter)
	if !ok {
		return nil, fmt.Errorf("%w: missing filter delimiter after event %q", ErrMalformedFrame, event)
	}

	return &Frame{
		Event:   event,
		Filter:  filter,
		Payload: json.RawMessage(payload),
	}, nil
}

// Unmarshal parses the payload into v. An empty payload is treated as JSON null.
func (f *Frame) Unmarshal(v any) error {
	if len(strings.TrimSpace(string(f.Payload))) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: event %q: %v", ErrPayloadDecode, f.Event, err)
	}
	return nil
}

// String re-encodes the frame. Frames produced by Decode always re-encode
// to the original wire string.
func (f *Frame) String() string {
	return f.Event + Delimiter + f.Filter + Delimiter + string(f.Payload)
}

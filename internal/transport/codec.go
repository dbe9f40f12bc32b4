package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrBadEnvelope = errors.New("transport: malformed envelope")

// Encode serializes m for fabrics that carry opaque bytes.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrBadEnvelope)
	}
	return json.Marshal(m)
}

// Decode parses an envelope produced by Encode.
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if m.ID == "" || m.ChannelID == "" {
		return nil, fmt.Errorf("%w: missing id or channel", ErrBadEnvelope)
	}
	return &m, nil
}

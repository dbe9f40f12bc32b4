package transport

import (
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Header is the routing triple of a message. Any part may be empty.
type Header struct {
	ChannelID   string `json:"channel_id"`
	MessageType string `json:"message_type,omitempty"`
	ActionType  string `json:"action_type,omitempty"`
}

// Key is the case-insensitive "channel/type/action" form used for lookups.
func (h Header) Key() string {
	return strings.ToLower(h.ChannelID + "/" + h.MessageType + "/" + h.ActionType)
}

// PartialKey is the prefix that a partial registration matches against:
// "channel/" when no type is set, "channel/type/" when no action is set,
// otherwise the full key.
func (h Header) PartialKey() string {
	switch {
	case h.MessageType == "":
		return strings.ToLower(h.ChannelID + "/")
	case h.ActionType == "":
		return strings.ToLower(h.ChannelID + "/" + h.MessageType + "/")
	default:
		return h.Key()
	}
}

func (h Header) IsZero() bool {
	return h.ChannelID == "" && h.MessageType == "" && h.ActionType == ""
}

func (h Header) String() string { return h.Key() }

// Message is the envelope carried by every fabric.
type Message struct {
	ID              string            `json:"id"`
	OriginatorID    string            `json:"originator_id"`
	ChannelID       string            `json:"channel_id"`
	ChannelPriority int               `json:"channel_priority"`
	MessageType     string            `json:"message_type,omitempty"`
	ActionType      string            `json:"action_type,omitempty"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	DeadLetter      bool              `json:"dead_letter,omitempty"`
	EnqueuedAt      time.Time         `json:"enqueued_at"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            []byte            `json:"body,omitempty"`
}

// NewMessage builds a message addressed by h with a fresh id.
func NewMessage(originator string, h Header, body []byte) *Message {
	return &Message{
		ID:           uuid.NewString(),
		OriginatorID: originator,
		ChannelID:    h.ChannelID,
		MessageType:  h.MessageType,
		ActionType:   h.ActionType,
		EnqueuedAt:   time.Now(),
		Body:         body,
	}
}

func (m *Message) Header() Header {
	return Header{ChannelID: m.ChannelID, MessageType: m.MessageType, ActionType: m.ActionType}
}

// Reply builds a response correlated to m.
func (m *Message) Reply(originator string, h Header, body []byte) *Message {
	r := NewMessage(originator, h, body)
	r.CorrelationID = m.ID
	r.ChannelPriority = m.ChannelPriority
	return r
}

// Clone returns a deep copy so each receiver owns its message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Headers = maps.Clone(m.Headers)
	if m.Body != nil {
		cp.Body = append([]byte(nil), m.Body...)
	}
	return &cp
}

func (m *Message) String() string {
	return fmt.Sprintf("%s [%s] from %s", m.ID, m.Header().Key(), m.OriginatorID)
}

// Route tells the container where a payload goes.
type Route int

const (
	RouteExternal Route = iota
	RouteInternal
)

// Payload is a message in flight inside the runtime.
type Payload struct {
	Message  *Message
	Source   string
	Route    Route
	Received time.Time

	once   sync.Once
	signal func(success bool)
}

func NewPayload(m *Message, source string) *Payload {
	return &Payload{Message: m, Source: source, Received: time.Now()}
}

// OnSignal installs the completion acknowledgement.
func (p *Payload) OnSignal(fn func(success bool)) { p.signal = fn }

// Signal acknowledges the payload. Only the first call has effect.
func (p *Payload) Signal(success bool) {
	p.once.Do(func() {
		if p.signal != nil {
			p.signal(success)
		}
	})
}

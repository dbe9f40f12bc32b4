package command

import (
	"sync"

	"github.com/ikvm/Microservice/internal/transport"
)

// Request is what a handler receives: the inbound payload plus a place to
// put responses. The container sends the responses after the handler returns.
type Request struct {
	Payload *transport.Payload
	// Originator is the id stamped on replies.
	Originator string
	// Key is the registration that matched, filled in by Dispatch.
	Key Key
	// TaskID identifies the engine record running this request. The
	// registry uses it to route a timeout to the matched registration.
	TaskID string

	mu        sync.Mutex
	responses []*transport.Message
}

func NewRequest(p *transport.Payload, originator string) *Request {
	return &Request{Payload: p, Originator: originator}
}

func (r *Request) Message() *transport.Message {
	if r.Payload == nil {
		return nil
	}
	return r.Payload.Message
}

// Respond queues an outbound message.
func (r *Request) Respond(m *transport.Message) {
	if m == nil {
		return
	}
	r.mu.Lock()
	r.responses = append(r.responses, m)
	r.mu.Unlock()
}

// Reply queues a response correlated to the inbound message.
func (r *Request) Reply(h transport.Header, body []byte) *transport.Message {
	in := r.Message()
	var m *transport.Message
	if in == nil {
		m = transport.NewMessage(r.Originator, h, body)
	} else {
		m = in.Reply(r.Originator, h, body)
	}
	r.Respond(m)
	return m
}

// Responses returns and clears the queued responses.
func (r *Request) Responses() []*transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.responses
	r.responses = nil
	return out
}

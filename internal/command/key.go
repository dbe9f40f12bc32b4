package command

import (
	"strings"

	"github.com/ikvm/Microservice/internal/transport"
)

// Key identifies a registration.
type Key struct {
	transport.Header
	// Partial matches any header whose key starts with the channel (and
	// type, when set) prefix.
	Partial bool
	// DeadLetter registrations only receive dead-letter messages.
	DeadLetter bool
}

// Exact builds a full-match key.
func Exact(channel, messageType, action string) Key {
	return Key{Header: transport.Header{ChannelID: channel, MessageType: messageType, ActionType: action}}
}

// Prefix builds a partial key for a channel and optional message type.
func Prefix(channel, messageType string) Key {
	return Key{Header: transport.Header{ChannelID: channel, MessageType: messageType}, Partial: true}
}

// AsDeadLetter returns a copy of k that only matches dead-letter messages.
func (k Key) AsDeadLetter() Key {
	k.DeadLetter = true
	return k
}

// id is the registry map key: the matching string plus flags.
func (k Key) id() string {
	var b strings.Builder
	if k.Partial {
		b.WriteString(k.PartialKey())
		b.WriteString("|partial")
	} else {
		b.WriteString(k.Header.Key())
	}
	if k.DeadLetter {
		b.WriteString("|dlq")
	}
	return b.String()
}

func (k Key) String() string { return k.id() }

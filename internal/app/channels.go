package app

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrDuplicateChannel = errors.New("channel already registered")

type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// maxChannelPriority caps channel priority. Payload records get
// maxChannelPriority-priority so higher channel priority is admitted first.
const maxChannelPriority = 10

// Channel is a declared fabric channel.
type Channel struct {
	ID        string
	Direction Direction
	Priority  int
	// BatchSize and PollWait tune listener polls (incoming only).
	BatchSize   int
	PollWait    time.Duration
	BoundaryLog bool
}

func (c Channel) recordPriority() int {
	return maxChannelPriority - min(max(c.Priority, 0), maxChannelPriority)
}

// channelRegistry indexes channels by direction and case-insensitive id.
// The same id may be declared once per direction.
type channelRegistry struct {
	mu       sync.RWMutex
	incoming map[string]Channel
	outgoing map[string]Channel
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{incoming: map[string]Channel{}, outgoing: map[string]Channel{}}
}

func (r *channelRegistry) table(d Direction) map[string]Channel {
	if d == Outgoing {
		return r.outgoing
	}
	return r.incoming
}

func (r *channelRegistry) Add(c Channel) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("channel id is required")
	}
	id := strings.ToLower(c.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.table(c.Direction)
	if _, ok := t[id]; ok {
		return fmt.Errorf("%w: %s %s", ErrDuplicateChannel, c.Direction, c.ID)
	}
	t[id] = c
	return nil
}

func (r *channelRegistry) Get(d Direction, id string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.table(d)[strings.ToLower(id)]
	return c, ok
}

// List returns the channels of one direction sorted by id.
func (r *channelRegistry) List(d Direction) []Channel {
	r.mu.RLock()
	out := make([]Channel, 0, len(r.table(d)))
	for _, c := range r.table(d) {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

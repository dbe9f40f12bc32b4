package masterjob

import (
	"math/rand/v2"
	"time"

	"github.com/ikvm/Microservice/internal/command"
)

// Window is an inclusive jitter range for the next negotiation tick.
type Window struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
}

// Rand is the randomness source for tick jitter. *rand.Rand satisfies it.
type Rand interface {
	Int64N(n int64) int64
}

type globalRand struct{}

func (globalRand) Int64N(n int64) int64 { return rand.Int64N(n) }

// DutyCommand is registered while the job is active and removed when it
// stops being active.
type DutyCommand struct {
	Key     command.Key
	Action  command.Handler
	Options []command.Option
}

type Config struct {
	Name string
	// ChannelID and MessageType address negotiation messages. MessageType
	// defaults to Name.
	ChannelID       string
	MessageType     string
	ChannelPriority int

	// Frequency and InitialWait seed the negotiation schedule; each tick
	// then picks its next interval from a window.
	Frequency   time.Duration
	InitialWait time.Duration

	ActiveWindow        Window
	FirstInactiveWindow Window
	DefaultWindow       Window

	// MaxPolls is how many unanswered Inactive polls precede a new attempt.
	MaxPolls int
	// SendTimeout bounds each negotiation send, including the awaited
	// resync on shutdown.
	SendTimeout time.Duration

	Commands []DutyCommand
	Rand     Rand
}

func (c Config) withDefaults() Config {
	if c.MessageType == "" {
		c.MessageType = c.Name
	}
	if c.Frequency <= 0 {
		c.Frequency = 20 * time.Second
	}
	if c.InitialWait <= 0 {
		c.InitialWait = 5 * time.Second
	}
	if c.ActiveWindow == (Window{}) {
		c.ActiveWindow = Window{Min: 5 * time.Second, Max: 15 * time.Second}
	}
	if c.FirstInactiveWindow == (Window{}) {
		c.FirstInactiveWindow = Window{Min: 10 * time.Second, Max: 70 * time.Second}
	}
	if c.DefaultWindow == (Window{}) {
		c.DefaultWindow = Window{Min: 5 * time.Second, Max: 25 * time.Second}
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.Rand == nil {
		c.Rand = globalRand{}
	}
	return c
}

func (w Window) pick(r Rand) time.Duration {
	if w.Max <= w.Min {
		return w.Min
	}
	return w.Min + time.Duration(r.Int64N(int64(w.Max-w.Min)+1))
}

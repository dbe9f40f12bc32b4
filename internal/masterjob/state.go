package masterjob

import (
	"strings"
	"time"
)

// State is ordered; the yield rule compares positions.
type State int

const (
	VerifyingComms State = iota
	Starting
	Inactive
	Requesting1
	Requesting2
	TakingControl
	Active
)

func (s State) String() string {
	switch s {
	case VerifyingComms:
		return "VerifyingComms"
	case Starting:
		return "Starting"
	case Inactive:
		return "Inactive"
	case Requesting1:
		return "Requesting1"
	case Requesting2:
		return "Requesting2"
	case TakingControl:
		return "TakingControl"
	case Active:
		return "Active"
	default:
		return "Unknown"
	}
}

// Action is carried in the negotiation message's action type.
type Action string

const (
	WhoIsMaster        Action = "WhoIsMaster"
	IAmMaster          Action = "IAmMaster"
	IAmStandby         Action = "IAmStandby"
	RequestingControl1 Action = "RequestingControl1"
	RequestingControl2 Action = "RequestingControl2"
	TakingControlNow   Action = "TakingControl"
	ResyncMaster       Action = "ResyncMaster"
)

// ParseAction is case-insensitive because header keys are matched lowercased.
func ParseAction(s string) (Action, bool) {
	for _, a := range []Action{WhoIsMaster, IAmMaster, IAmStandby, RequestingControl1, RequestingControl2, TakingControlNow, ResyncMaster} {
		if strings.EqualFold(s, string(a)) {
			return a, true
		}
	}
	return "", false
}

// stage is the state a competing request corresponds to. A non-active job
// at or below that stage yields.
func (a Action) stage() (State, bool) {
	switch a {
	case RequestingControl1:
		return Requesting1, true
	case RequestingControl2:
		return Requesting2, true
	case TakingControlNow:
		return TakingControl, true
	}
	return 0, false
}

// Transition is published on the event bus for every state change.
type Transition struct {
	Job    string    `json:"job"`
	Self   string    `json:"self"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Master string    `json:"master,omitempty"`
	At     time.Time `json:"at"`
}

type Standby struct {
	ID       string    `json:"id"`
	LastSeen time.Time `json:"last_seen"`
}

// Status is a point-in-time view used by statistics.
type Status struct {
	Name        string    `json:"name"`
	Self        string    `json:"self"`
	State       string    `json:"state"`
	Active      bool      `json:"active"`
	Master      string    `json:"master,omitempty"`
	MasterSeen  time.Time `json:"master_seen,omitempty"`
	Polls       int       `json:"polls"`
	LastPoll    time.Time `json:"last_poll,omitempty"`
	Channel     string    `json:"channel"`
	MessageType string    `json:"message_type"`
	Standbys    []Standby `json:"standbys,omitempty"`
	SubJobs     []string  `json:"sub_jobs,omitempty"`
	// Summary is a one-line description for logs and the status page.
	Summary string `json:"summary"`
}

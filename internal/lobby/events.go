package lobby

import (
	"time"

	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/configstore"
)

// EventKind classifies notifications delivered to API subscribers.
type EventKind string

const (
	EventNodeJoined    EventKind = "NODE_JOINED"
	EventNodeLeft      EventKind = "NODE_LEFT"
	EventOfficeChanged EventKind = "OFFICE_CHANGED"
	EventGainedQuorum  EventKind = "GAINED_QUORUM"
	EventLostQuorum    EventKind = "LOST_QUORUM"
	EventConfigChanged EventKind = "CONFIG_CHANGED"
)

// Event is one membership or config notification.
type Event struct {
	Time    time.Time              `json:"time"`
	Kind    EventKind              `json:"kind"`
	Node    int                    `json:"node,omitempty"`
	Version int64                  `json:"version,omitempty"`
	Office  cluster.Office         `json:"office,omitempty"`
	File    configstore.ConfigFile `json:"file,omitempty"`
}

// Notifier receives events from the lobby goroutine. Notify must not block.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ev Event)

// Notify calls f(ev).
func (f NotifierFunc) Notify(ev Event) {
	f(ev)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}

package cmm

import (
	"sync"
	"time"
)

// Link is the state of the outbound ring connection. The sender writes it;
// the lobby and the API read it.
type Link struct {
	since     time.Time
	reset     chan struct{}
	mu        sync.Mutex
	peer      int
	connected bool
}

// NewLink returns a disconnected link.
func NewLink() *Link {
	return &Link{reset: make(chan struct{}, 1)}
}

// Up records a connection to peer.
func (l *Link) Up(peer int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = true
	l.peer = peer
	l.since = time.Now()
}

// Down records the loss of the connection.
func (l *Link) Down() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	l.peer = 0
	l.since = time.Now()
}

// State returns the connected peer and whether the link is up.
func (l *Link) State() (peer int, connected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peer, l.connected
}

// Since returns when the link last changed state.
func (l *Link) Since() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.since
}

// RequestReset asks the sender to drop its connection and start a new
// connect cycle. Repeated requests before the sender reacts collapse into one.
func (l *Link) RequestReset() {
	select {
	case l.reset <- struct{}{}:
	default:
	}
}

// Resets delivers reset requests to the sender.
func (l *Link) Resets() <-chan struct{} {
	return l.reset
}

package ring

import (
	"log"
	"sync"
	"time"
)

// PeerHealth tracks the liveness of the peer at the other end of one ring
// link. Status is "unknown" until the first check, then "healthy" or
// "unhealthy".
type PeerHealth struct {
	LastCheck         time.Time // Timestamp of the last liveness check
	LastSeen          time.Time // Timestamp of the last frame received from the peer
	Status            string    // Current status: "healthy", "unhealthy", "unknown"
	PeerID            int       // Node id of the peer
	ConsecutiveMisses int       // Heartbeat windows elapsed without traffic
}

// Liveness declares a ring peer dead after a configurable number of
// consecutive heartbeat windows pass without any inbound frame.
// Thread-safe: Seen is called by the link reader while Check runs on the
// owner's ticker.
type Liveness struct {
	now         func() time.Time
	onUnhealthy func(peerID int) // invoked once on the healthy -> unhealthy edge
	health      PeerHealth
	window      time.Duration // heartbeat timeout
	mu          sync.Mutex
	maxMisses   int // windows before marking the peer unhealthy
}

// NewLiveness creates a monitor for peer. The peer is considered seen at
// creation time.
//
// Parameters:
//   - peer: node id of the link peer
//   - window: heartbeat timeout; one window without traffic is one miss
//   - maxMisses: consecutive misses before the peer is unhealthy (minimum 1)
//
// Example:
//
//	live := NewLiveness(2, 2*time.Second, 2)
//	live.SetOnUnhealthy(func(id int) { log.Printf("peer %d lost", id) })
func NewLiveness(peer int, window time.Duration, maxMisses int) *Liveness {
	if maxMisses < 1 {
		maxMisses = 1
	}
	l := &Liveness{
		now:       time.Now,
		window:    window,
		maxMisses: maxMisses,
	}
	l.health = PeerHealth{
		PeerID:   peer,
		Status:   "unknown",
		LastSeen: l.now(),
	}
	return l
}

// SetOnUnhealthy sets the callback invoked when the peer becomes unhealthy.
// The callback runs synchronously in the goroutine that called Check.
func (l *Liveness) SetOnUnhealthy(callback func(peerID int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onUnhealthy = callback
}

// Seen records inbound traffic from the peer and resets the miss count.
func (l *Liveness) Seen() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.health.Status == "unhealthy" {
		log.Printf("ring: peer %d recovered", l.health.PeerID)
	}
	l.health.LastSeen = l.now()
	l.health.ConsecutiveMisses = 0
	l.health.Status = "healthy"
}

// Check updates the miss count from the time elapsed since the peer was last
// seen and reports whether the peer is still healthy.
//
// Implementation:
//  1. Count whole heartbeat windows elapsed since the last frame
//  2. Mark the peer unhealthy once the count reaches the miss limit
//  3. Fire the callback on the healthy -> unhealthy edge only
func (l *Liveness) Check() bool {
	l.mu.Lock()
	now := l.now()
	l.health.LastCheck = now

	misses := 0
	if l.window > 0 {
		misses = int(now.Sub(l.health.LastSeen) / l.window)
	}
	l.health.ConsecutiveMisses = misses

	if misses < l.maxMisses {
		if l.health.Status == "unknown" {
			l.health.Status = "healthy"
		}
		l.mu.Unlock()
		return true
	}

	previous := l.health.Status
	l.health.Status = "unhealthy"
	callback := l.onUnhealthy
	peer := l.health.PeerID
	l.mu.Unlock()

	if previous != "unhealthy" && callback != nil {
		callback(peer)
	}
	return false
}

// Healthy reports whether the peer has been seen within the miss limit,
// without updating the recorded state.
func (l *Liveness) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.window <= 0 {
		return true
	}
	return l.now().Sub(l.health.LastSeen) < l.window*time.Duration(l.maxMisses)
}

// Health returns a copy of the current record.
func (l *Liveness) Health() PeerHealth {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.health
}

// Deadline returns the instant after which the peer counts as dead if no
// further traffic arrives.
func (l *Liveness) Deadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.health.LastSeen.Add(l.window * time.Duration(l.maxMisses))
}

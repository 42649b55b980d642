package ring

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is advanced by hand so miss counting is deterministic.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLiveness(peer int, window time.Duration, misses int) (*Liveness, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := NewLiveness(peer, window, misses)
	l.now = clock.now
	l.health.LastSeen = clock.now()
	return l, clock
}

// TestLivenessMissLimit verifies the peer survives exactly missLimit-1
// silent windows, for several miss limits.
func TestLivenessMissLimit(t *testing.T) {
	for _, limit := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			l, clock := newTestLiveness(2, time.Second, limit)
			calls := 0
			l.SetOnUnhealthy(func(peer int) {
				assert.Equal(t, 2, peer)
				calls++
			})

			for i := 1; i < limit; i++ {
				clock.advance(time.Second)
				assert.True(t, l.Check(), "window %d of %d", i, limit)
			}
			clock.advance(time.Second)
			assert.False(t, l.Check())
			assert.False(t, l.Healthy())
			assert.Equal(t, 1, calls)

			// Still unhealthy: the callback fires once per edge.
			clock.advance(time.Second)
			assert.False(t, l.Check())
			assert.Equal(t, 1, calls)

			h := l.Health()
			assert.Equal(t, "unhealthy", h.Status)
			assert.GreaterOrEqual(t, h.ConsecutiveMisses, limit)
		})
	}
}

// TestLivenessSeenResetsMisses verifies traffic restores a peer.
func TestLivenessSeenResetsMisses(t *testing.T) {
	l, clock := newTestLiveness(3, time.Second, 2)
	assert.Equal(t, "unknown", l.Health().Status)

	clock.advance(1500 * time.Millisecond)
	assert.True(t, l.Check())
	assert.Equal(t, 1, l.Health().ConsecutiveMisses)

	l.Seen()
	clock.advance(1500 * time.Millisecond)
	assert.True(t, l.Check(), "seen restarted the windows")

	clock.advance(time.Second)
	assert.False(t, l.Check())

	l.Seen()
	h := l.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 0, h.ConsecutiveMisses)
	assert.Equal(t, clock.now().Add(2*time.Second), l.Deadline())
}

func TestLivenessMinimumLimit(t *testing.T) {
	l := NewLiveness(1, time.Second, 0)
	assert.Equal(t, 1, l.maxMisses)
}

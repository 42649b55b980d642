package lobby

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/cmm"
	"github.com/dreamware/cmm/internal/config"
	"github.com/dreamware/cmm/internal/configstore"
	"github.com/dreamware/cmm/internal/protocol"
)

// ring wires lobbies together over channels in place of the sender and
// receiver: whatever a node sends is delivered to the next running node in
// id order.
type ring struct {
	nodes map[int]*member
	ids   []int
	mu    sync.Mutex
}

type member struct {
	rt     *cmm.Context
	l      *Lobby
	rec    *recorder
	reqs   chan Request
	cancel context.CancelFunc
	done   chan error
	id     int
	down   bool
}

func ringConfig(ids []int, local int) *config.Config {
	entries := make([]string, len(ids))
	for i, id := range ids {
		entries[i] = fmt.Sprintf("%d 127.0.0.1 true", id)
	}
	cfg := config.Default()
	cfg.Nodes = strings.Join(entries, ", ")
	cfg.NodeID = local
	cfg.Quorum = config.QuorumConfig{Threshold: 75, DisksPerNode: 2}
	cfg.Ring.LatencyTimeout = 20 * time.Millisecond
	cfg.Ring.DiscoveryTimeout = 60 * time.Millisecond
	cfg.Ring.ElectionInterval = 20 * time.Millisecond
	cfg.Update.PhaseTimeout = time.Second
	cfg.Update.RetryDelay = 20 * time.Millisecond
	return cfg
}

func startRing(t *testing.T, ids ...int) *ring {
	t.Helper()
	r := &ring{nodes: make(map[int]*member), ids: append([]int(nil), ids...)}
	sort.Ints(r.ids)

	for _, id := range r.ids {
		cfg := ringConfig(r.ids, id)
		table, err := cfg.NewTable()
		require.NoError(t, err)
		store, err := configstore.New(t.TempDir(), cfg.Update.PurgeKeep)
		require.NoError(t, err)
		rt := cmm.New(cfg, table, store)
		m := &member{id: id, rt: rt, rec: &recorder{}, reqs: make(chan Request, 8), done: make(chan error, 1)}
		m.l = New(rt, m.reqs, m.rec)
		r.nodes[id] = m
	}

	for _, id := range r.ids {
		m := r.nodes[id]
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		go func() { m.done <- m.l.Run(ctx) }()
		go r.route(ctx, m)
		next := r.next(id)
		m.rt.ToLobby <- cmm.LinkUp{Peer: next}
	}
	t.Cleanup(func() {
		for _, id := range r.ids {
			r.stop(t, id)
		}
	})
	return r
}

// next returns the first running node after id in ring order.
func (r *ring) next(id int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.SearchInts(r.ids, id)
	for step := 1; step <= len(r.ids); step++ {
		cand := r.ids[(i+step)%len(r.ids)]
		if !r.nodes[cand].down {
			return cand
		}
	}
	return id
}

func (r *ring) route(ctx context.Context, m *member) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.rt.ToSender:
			dst := r.nodes[r.next(m.id)]
			c, err := protocol.Clone(msg)
			if err != nil {
				panic(err)
			}
			select {
			case dst.rt.ToLobby <- cmm.MessageIn{Msg: c}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// stop takes a node out of the ring.
func (r *ring) stop(t *testing.T, id int) {
	t.Helper()
	r.mu.Lock()
	m := r.nodes[id]
	already := m.down
	m.down = true
	r.mu.Unlock()
	if already {
		return
	}
	m.cancel()
	select {
	case err := <-m.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Errorf("node %d did not stop", id)
	}
}

func (r *ring) call(t *testing.T, id int, req Request) Response {
	t.Helper()
	r.nodes[id].reqs <- req
	select {
	case resp := <-req.Reply:
		return resp
	case <-time.After(5 * time.Second):
		require.FailNow(t, "request timed out")
		return Response{}
	}
}

func (r *ring) holder(id int, o cluster.Office) int {
	n, ok := r.nodes[id].rt.Table.Holder(o)
	if !ok {
		return 0
	}
	return n.ID
}

func (r *ring) running() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, id := range r.ids {
		if !r.nodes[id].down {
			out = append(out, id)
		}
	}
	return out
}

// settled reports whether every running node agrees on both offices.
func (r *ring) settled(master, vice int) bool {
	for _, id := range r.running() {
		if r.holder(id, cluster.OfficeMaster) != master || r.holder(id, cluster.OfficeViceMaster) != vice {
			return false
		}
	}
	return true
}

func TestRingElectsLowestIDs(t *testing.T) {
	r := startRing(t, 3, 1, 2)
	require.Eventually(t, func() bool { return r.settled(1, 2) }, 5*time.Second, 10*time.Millisecond)

	for _, id := range r.ids {
		assert.Equal(t, 3, r.nodes[id].rt.Table.ActiveCount(), "node %d", id)
		assert.True(t, r.call(t, id, NewRequest(OpHasQuorum)).OK, "node %d", id)
	}

	resp := r.call(t, 3, NewRequest(OpGetMaster))
	require.True(t, resp.OK)
	assert.Equal(t, 1, resp.Node.ID)
}

// TestRingQuorumLoss runs three nodes with two disks each and a 75% quorum:
// five disks are needed, so losing one node loses quorum exactly once.
func TestRingQuorumLoss(t *testing.T) {
	r := startRing(t, 1, 2, 3)
	first := r.nodes[1]
	require.Eventually(t, func() bool { return r.settled(1, 2) }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return first.rec.count(EventGainedQuorum) == 1 }, time.Second, 10*time.Millisecond)

	r.stop(t, 3)
	require.Eventually(t, func() bool { return first.rt.Table.ActiveCount() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return first.rec.count(EventLostQuorum) == 1 }, time.Second, 10*time.Millisecond)

	r.stop(t, 2)
	require.Eventually(t, func() bool { return first.rt.Table.ActiveCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, first.rec.count(EventLostQuorum))
	assert.Equal(t, 1, first.rec.count(EventGainedQuorum))
	assert.Equal(t, 1, r.holder(1, cluster.OfficeMaster))
	assert.False(t, r.call(t, 1, NewRequest(OpHasQuorum)).OK)
	assert.GreaterOrEqual(t, first.rec.count(EventNodeLeft), 2)
}

func TestRingViceMasterTakesOver(t *testing.T) {
	r := startRing(t, 1, 2, 3)
	require.Eventually(t, func() bool { return r.settled(1, 2) }, 5*time.Second, 10*time.Millisecond)

	r.stop(t, 1)
	require.Eventually(t, func() bool { return r.settled(2, 3) }, 5*time.Second, 10*time.Millisecond)
}

func TestRingConfigUpdate(t *testing.T) {
	r := startRing(t, 1, 2, 3)
	require.Eventually(t, func() bool { return r.settled(1, 2) }, 5*time.Second, 10*time.Millisecond)

	before, err := r.nodes[1].rt.Store.Version(configstore.ClusterConfig)
	require.NoError(t, err)

	req := NewRequest(OpUpdateConfig)
	req.File = configstore.ClusterConfig
	req.Props = configstore.Properties{"cluster.name": "alpha"}
	resp := r.call(t, 1, req)
	require.NoError(t, resp.Err)
	assert.Greater(t, resp.Version, before)

	for _, id := range r.ids {
		store := r.nodes[id].rt.Store
		v, err := store.Version(configstore.ClusterConfig)
		require.NoError(t, err)
		assert.Equal(t, resp.Version, v, "node %d", id)
		props, err := store.Properties(configstore.ClusterConfig)
		require.NoError(t, err)
		assert.Equal(t, "alpha", props["cluster.name"])
	}

	// Non-master nodes refuse without side effects.
	req = NewRequest(OpUpdateConfig)
	req.File = configstore.ClusterConfig
	req.Props = configstore.Properties{"cluster.name": "beta"}
	assert.ErrorIs(t, r.call(t, 2, req).Err, ErrNotMaster)
	versions, err := r.nodes[2].rt.Store.Versions(configstore.ClusterConfig)
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	// Wipe removes the file everywhere.
	wipe := NewRequest(OpWipeConfig)
	wipe.File = configstore.ClusterConfig
	require.NoError(t, r.call(t, 1, wipe).Err)
	for _, id := range r.ids {
		v, err := r.nodes[id].rt.Store.Version(configstore.ClusterConfig)
		require.NoError(t, err)
		assert.Zero(t, v, "node %d", id)
	}
}

func TestSingleNodeRing(t *testing.T) {
	r := startRing(t, 4)
	require.Eventually(t, func() bool { return r.holder(4, cluster.OfficeMaster) == 4 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, r.holder(4, cluster.OfficeViceMaster))

	req := NewRequest(OpUpdateConfig)
	req.File = configstore.MetadataConfig
	req.Props = configstore.Properties{"k": "v"}
	resp := r.call(t, 4, req)
	require.NoError(t, resp.Err)

	get := NewRequest(OpGetVersion)
	get.File = configstore.MetadataConfig
	assert.Equal(t, resp.Version, r.call(t, 4, get).Version)
	assert.True(t, r.call(t, 4, NewRequest(OpHasQuorum)).OK)
}

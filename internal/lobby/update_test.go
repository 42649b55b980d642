package lobby

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/cmm"
	"github.com/dreamware/cmm/internal/configstore"
	"github.com/dreamware/cmm/internal/protocol"
)

// newMaster returns a fixture for node 1 holding the master office in a
// fully alive three node ring.
func newMaster(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, testConfig(1))
	require.NoError(t, f.l.applyView([]protocol.NodeStatus{peer(1), peer(2), peer(3)}))
	require.NoError(t, f.rt.Table.SetOffice(cluster.OfficeMaster, 1))
	f.l.setLink(2, true)
	return f
}

// inFlight reports the file and version of the update in progress.
func inFlight(l *Lobby) (configstore.ConfigFile, int64, bool) {
	p := l.current()
	if p == nil {
		return 0, 0, false
	}
	return p.file, p.version, true
}

func updateRequest(props configstore.Properties) Request {
	req := NewRequest(OpUpdateConfig)
	req.File = configstore.ClusterConfig
	req.Props = props
	return req
}

func pendingReply(t *testing.T, req Request) {
	t.Helper()
	select {
	case resp := <-req.Reply:
		require.FailNowf(t, "answered early", "%+v", resp)
	default:
	}
}

func reply(t *testing.T, req Request) Response {
	t.Helper()
	select {
	case resp := <-req.Reply:
		return resp
	default:
		require.FailNow(t, "no response")
		return Response{}
	}
}

func TestUpdateConfigRequiresMaster(t *testing.T) {
	f := newFixture(t, testConfig(2))
	f.l.setLink(3, true)

	resp := f.serve(t, updateRequest(configstore.Properties{"a": "1"}))
	assert.ErrorIs(t, resp.Err, ErrNotMaster)
	f.nothingSent(t)

	versions, err := f.rt.Store.Versions(configstore.ClusterConfig)
	require.NoError(t, err)
	assert.Empty(t, versions, "no file is created on a non-master")
}

func TestRequestKeyIgnoresPropertyOrder(t *testing.T) {
	a, err := requestKey(updateRequest(configstore.Properties{"x": "1", "y": "2"}))
	require.NoError(t, err)
	b, err := requestKey(updateRequest(configstore.Properties{"y": "2", "x": "1"}))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := requestKey(updateRequest(configstore.Properties{"x": "2"}))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestUpdateConfigRequiresLink(t *testing.T) {
	f := newMaster(t)
	f.l.setLink(0, false)
	resp := f.serve(t, updateRequest(configstore.Properties{"a": "1"}))
	assert.ErrorIs(t, resp.Err, ErrNoLink)
}

func TestUpdateCommitRoundTrip(t *testing.T) {
	f := newMaster(t)
	before, err := f.rt.Store.Version(configstore.ClusterConfig)
	require.NoError(t, err)

	first := updateRequest(configstore.Properties{"mode": "fast"})
	f.l.serve(first)
	pendingReply(t, first)

	update := f.sent(t).(*protocol.Update)
	assert.True(t, update.Inline())
	assert.False(t, update.Wipe)
	assert.Equal(t, configstore.Checksum(update.Content), update.Checksum)
	file, version, ok := inFlight(f.l)
	require.True(t, ok)
	assert.Equal(t, configstore.ClusterConfig, file)
	assert.Equal(t, update.Version, version)

	// An identical request joins, a different one is refused.
	dup := updateRequest(configstore.Properties{"mode": "fast"})
	f.l.serve(dup)
	pendingReply(t, dup)
	other := updateRequest(configstore.Properties{"mode": "slow"})
	assert.ErrorIs(t, f.serve(t, other).Err, ErrBusy)

	update.Acks = []int{2, 3}
	require.NoError(t, f.deliver(t, update))
	commit := f.sent(t).(*protocol.Commit)
	assert.Equal(t, update.Version, commit.Version)
	active, err := f.rt.Store.Version(configstore.ClusterConfig)
	require.NoError(t, err)
	assert.Equal(t, update.Version, active, "master activates before the commit lap")

	commit.Acks = []int{3, 2}
	require.NoError(t, f.deliver(t, commit))
	for _, req := range []Request{first, dup} {
		resp := reply(t, req)
		require.NoError(t, resp.Err)
		assert.Equal(t, update.Version, resp.Version)
		assert.Greater(t, resp.Version, before)
	}
	_, _, ok = inFlight(f.l)
	assert.False(t, ok)
	ev, ok := f.rec.last(EventConfigChanged)
	require.True(t, ok)
	assert.Equal(t, update.Version, ev.Version)
}

func TestUpdateNackRetriesThenFails(t *testing.T) {
	f := newMaster(t)
	req := updateRequest(configstore.Properties{"a": "1"})
	f.l.serve(req)

	update := f.sent(t).(*protocol.Update)
	update.Acks = []int{2}
	update.Nacks = []int{3}
	require.NoError(t, f.deliver(t, update))
	pendingReply(t, req)
	f.nothingSent(t)

	f.advance(5 * time.Millisecond)
	f.l.tickUpdate()
	f.nothingSent(t)

	f.advance(10 * time.Millisecond)
	f.l.tickUpdate()
	retry := f.sent(t).(*protocol.Update)
	assert.Greater(t, retry.FrameID, update.FrameID)
	assert.Equal(t, update.Version, retry.Version)

	// The earlier lap coming back late is ignored.
	require.NoError(t, f.deliver(t, update))
	pendingReply(t, req)

	retry.Nacks = []int{3}
	require.NoError(t, f.deliver(t, retry))
	assert.ErrorIs(t, reply(t, req).Err, ErrDistFailure)
}

func TestUpdatePhaseTimeout(t *testing.T) {
	f := newMaster(t)
	f.rt.Config.Update.Retries = 0
	req := updateRequest(configstore.Properties{"a": "1"})
	f.l.serve(req)
	f.sent(t)

	f.advance(2 * time.Second)
	f.l.tickUpdate()
	assert.ErrorIs(t, reply(t, req).Err, ErrNoLink)
}

func TestUpdateMissingAckIsNoLink(t *testing.T) {
	f := newMaster(t)
	f.rt.Config.Update.Retries = 0
	req := updateRequest(configstore.Properties{"a": "1"})
	f.l.serve(req)

	update := f.sent(t).(*protocol.Update)
	update.Acks = []int{2}
	require.NoError(t, f.deliver(t, update))
	assert.ErrorIs(t, reply(t, req).Err, ErrNoLink)
}

func TestExpiredUpdateIsSuperseded(t *testing.T) {
	f := newMaster(t)
	old := updateRequest(configstore.Properties{"a": "1"})
	f.l.serve(old)
	f.sent(t)

	f.advance(f.rt.Config.Update.Timeout)
	next := updateRequest(configstore.Properties{"a": "2"})
	f.l.serve(next)
	assert.ErrorIs(t, reply(t, old).Err, ErrNoLink)
	pendingReply(t, next)
	f.sent(t)
}

func TestWipeCompletesAfterUpdateLap(t *testing.T) {
	f := newMaster(t)
	version, err := f.rt.Store.CreateFile(configstore.MetadataConfig, configstore.Properties{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, f.rt.Store.Activate(configstore.MetadataConfig, version))

	req := NewRequest(OpWipeConfig)
	req.File = configstore.MetadataConfig
	req.Version = version + 10
	f.l.serve(req)

	update := f.sent(t).(*protocol.Update)
	assert.True(t, update.Wipe)
	update.Acks = []int{2, 3}
	require.NoError(t, f.deliver(t, update))
	f.nothingSent(t)

	resp := reply(t, req)
	require.NoError(t, resp.Err)
	assert.Equal(t, version+10, resp.Version)
	wiped, ok, err := f.rt.Store.Wiped(configstore.MetadataConfig)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, version+10, wiped)
}

func TestStoreConfigVerifiesChecksum(t *testing.T) {
	f := newMaster(t)
	data := []byte("name: cell\n")
	require.NoError(t, f.rt.Store.Write(configstore.MultiCellConfig, 1234, data))

	req := NewRequest(OpStoreConfig)
	req.File = configstore.MultiCellConfig
	req.Version = 1234
	req.Checksum = "bogus"
	assert.ErrorIs(t, f.serve(t, req).Err, ErrInvalidRequest)

	req = NewRequest(OpStoreConfig)
	req.File = configstore.MultiCellConfig
	req.Version = 1234
	req.Checksum = configstore.Checksum(data)
	f.l.serve(req)
	update := f.sent(t).(*protocol.Update)
	assert.False(t, update.Inline(), "peers fetch stored files from the master")
	assert.Equal(t, req.Checksum, update.Checksum)
}

func TestPeerMaterializesAndActivates(t *testing.T) {
	f := newFixture(t, testConfig(2))
	require.NoError(t, f.l.applyView([]protocol.NodeStatus{peer(1), peer(2), peer(3)}))

	content := []byte("mode: fast\n")
	update := &protocol.Update{
		Header:   protocol.Header{FrameID: 100, Source: 1},
		File:     configstore.ClusterConfig,
		Version:  5000,
		Content:  content,
		Checksum: configstore.Checksum(content),
		Acks:     []int{3},
	}
	require.NoError(t, f.deliver(t, update))
	fwd := f.sent(t).(*protocol.Update)
	assert.Equal(t, []int{3, 2}, fwd.Acks)
	assert.Empty(t, fwd.Nacks)

	active, err := f.rt.Store.Version(configstore.ClusterConfig)
	require.NoError(t, err)
	assert.Zero(t, active, "nothing is activated before the commit")

	commit := &protocol.Commit{Header: protocol.Header{FrameID: 101, Source: 1}, File: configstore.ClusterConfig, Version: 5000}
	require.NoError(t, f.deliver(t, commit))
	fwdCommit := f.sent(t).(*protocol.Commit)
	assert.Equal(t, []int{2}, fwdCommit.Acks)

	active, err = f.rt.Store.Version(configstore.ClusterConfig)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), active)
	assert.Equal(t, 1, f.rec.count(EventConfigChanged))
}

func TestPeerNacksBadContent(t *testing.T) {
	f := newFixture(t, testConfig(2))
	update := &protocol.Update{
		Header:   protocol.Header{FrameID: 100, Source: 1},
		File:     configstore.ClusterConfig,
		Version:  5000,
		Content:  []byte("mode: fast\n"),
		Checksum: "0000",
	}
	require.NoError(t, f.deliver(t, update))
	fwd := f.sent(t).(*protocol.Update)
	assert.Equal(t, []int{2}, fwd.Nacks)

	commit := &protocol.Commit{Header: protocol.Header{FrameID: 101, Source: 1}, File: configstore.ClusterConfig, Version: 6000}
	require.NoError(t, f.deliver(t, commit))
	fwdCommit := f.sent(t).(*protocol.Commit)
	assert.Equal(t, []int{2}, fwdCommit.Nacks, "activating a version never received fails")
}

// finishFetch runs the completion of one background fetch.
func (f *fixture) finishFetch(t *testing.T) {
	t.Helper()
	select {
	case done := <-f.l.results:
		done()
	case <-time.After(5 * time.Second):
		require.FailNow(t, "fetch never completed")
	}
}

func TestFetchKeepsMasterFrameOrder(t *testing.T) {
	f := newFixture(t, testConfig(2))
	require.NoError(t, f.l.applyView([]protocol.NodeStatus{peer(1), peer(2), peer(3)}))

	update := &protocol.Update{
		Header:   protocol.Header{FrameID: 100, Source: 1},
		File:     configstore.MultiCellConfig,
		Version:  7000,
		Checksum: configstore.Checksum([]byte("name: cell\n")),
	}
	require.NoError(t, f.deliver(t, update))
	f.nothingSent(t)

	view := &protocol.Discovery{
		Header: protocol.Header{FrameID: 101, Source: 1},
		Phase:  protocol.PhaseDistribute,
		Nodes:  []protocol.NodeStatus{peer(1), peer(2), peer(3)},
	}
	require.NoError(t, f.deliver(t, view))
	f.nothingSent(t)

	f.finishFetch(t)

	first := f.sent(t).(*protocol.Update)
	assert.Equal(t, uint64(100), first.FrameID)
	second := f.sent(t).(*protocol.Discovery)
	assert.Equal(t, uint64(101), second.FrameID)
	f.nothingSent(t)
	assert.Empty(t, f.l.outbox)

	// The next node sees both frames and accepts them in order.
	next := newFixture(t, testConfig(3))
	require.NoError(t, next.l.applyView([]protocol.NodeStatus{peer(1), peer(2), peer(3)}))
	require.NoError(t, next.deliver(t, first))
	next.finishFetch(t)
	fwd := next.sent(t).(*protocol.Update)
	assert.Equal(t, uint64(100), fwd.FrameID)
}

func TestHeldSlotOrdersForwards(t *testing.T) {
	f := newFixture(t, testConfig(2))
	slot := f.l.hold()
	later := &protocol.Discovery{Header: protocol.Header{FrameID: 9, Source: 3}, Phase: protocol.PhaseCollect}
	f.l.forward(later)
	f.nothingSent(t)

	held := &protocol.Discovery{Header: protocol.Header{FrameID: 8, Source: 3}, Phase: protocol.PhaseCollect}
	f.l.release(slot, held)
	assert.Equal(t, uint64(8), f.sent(t).Head().FrameID)
	assert.Equal(t, uint64(9), f.sent(t).Head().FrameID)

	f.l.forward(later)
	assert.Equal(t, uint64(9), f.sent(t).Head().FrameID)
}

func TestStopAnswersWaiters(t *testing.T) {
	f := newMaster(t)
	req := updateRequest(configstore.Properties{"a": "1"})
	f.l.serve(req)
	f.l.stop()
	assert.ErrorIs(t, reply(t, req).Err, ErrStopped)
}

func TestLinkEvents(t *testing.T) {
	f := newFixture(t, testConfig(1))
	f.l.lastOriginated = f.now.Add(-time.Hour)

	require.NoError(t, f.l.dispatch(cmm.LinkUp{Peer: 2}))
	peer, up := f.l.Linked()
	assert.True(t, up)
	assert.Equal(t, 2, peer)
	d := f.sent(t).(*protocol.Discovery)
	assert.Equal(t, protocol.PhaseCollect, d.Phase, "a new link starts a discovery round")

	require.NoError(t, f.l.dispatch(cmm.LinkDown{Peer: 2, Reason: "heartbeat lost"}))
	_, up = f.l.Linked()
	assert.False(t, up)
}

func TestTickOriginatesDiscovery(t *testing.T) {
	f := newFixture(t, testConfig(2))
	f.l.setLink(3, true)
	f.l.lastOriginated = f.now

	f.l.tick()
	f.nothingSent(t)

	f.advance(f.rt.Config.Ring.DiscoveryTimeout)
	f.l.tick()
	d := f.sent(t).(*protocol.Discovery)
	assert.Equal(t, 2, d.Source)
}

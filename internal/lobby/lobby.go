package lobby

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/cmm"
	"github.com/dreamware/cmm/internal/configstore"
	"github.com/dreamware/cmm/internal/protocol"
)

// Lobby is the single-threaded protocol core of a node. It consumes ring
// messages and link events from the runtime context, API requests from its
// request queue and a periodic tick, and it is the only writer of the node
// table.
//
// Everything except Linked runs on the goroutine that called Run.
type Lobby struct {
	ctx      context.Context
	rt       *cmm.Context
	requests <-chan Request
	notifier Notifier
	now      func() time.Time
	results  chan func() // completions of background fetches

	lastView       time.Time // last discovery view applied
	lastOriginated time.Time // last discovery originated here
	lastApply      map[cluster.Office]time.Time
	fetching       map[configstore.ConfigFile]int64
	outbox         []*outbound // forwards queued behind a held message

	mu     sync.Mutex // guards update, linked and peer
	update *pending
	peer   int
	linked bool

	firstFrame uint64 // own messages older than this belong to a previous run
	viewFrame  uint64 // newest own collect lap applied
	synced     bool   // at least one discovery view applied
	quorum     bool
}

// New creates a lobby over rt. requests may be nil when the node serves no
// API; notifier may be nil to discard events.
//
// The local node starts with every configured disk active.
func New(rt *cmm.Context, requests <-chan Request, notifier Notifier) *Lobby {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	l := &Lobby{
		ctx:       context.Background(),
		rt:        rt,
		requests:  requests,
		notifier:  notifier,
		now:       time.Now,
		results:   make(chan func(), 16),
		lastApply: make(map[cluster.Office]time.Time),
		fetching:  make(map[configstore.ConfigFile]int64),
	}
	l.firstFrame = rt.NextFrameID()
	l.lastView = l.now()

	local := rt.Table.Local()
	if local.ActiveDisks == 0 {
		if err := rt.Table.SetStatus(local.ID, local.Eligible, rt.Config.Quorum.DisksPerNode); err != nil {
			rt.Logf("lobby", "default disk count: %v", err)
		}
	}
	return l
}

// Run processes events until ctx is done or a fatal error occurs. Requests
// still waiting for a config update are answered with ErrStopped.
func (l *Lobby) Run(ctx context.Context) error {
	l.ctx = ctx
	ticker := time.NewTicker(l.tickInterval())
	defer ticker.Stop()

	l.rt.Logf("lobby", "started, %d configured nodes", l.rt.Table.Size())
	for {
		var err error
		select {
		case <-ctx.Done():
			l.stop()
			return nil
		case ev := <-l.rt.ToLobby:
			err = l.dispatch(ev)
		case req := <-l.requests:
			l.serve(req)
		case done := <-l.results:
			done()
		case <-ticker.C:
			l.tick()
		}
		if err == nil {
			err = l.checkInvariants()
		}
		if err != nil {
			if cmm.IsFatal(err) {
				l.stop()
				return err
			}
			l.rt.Logf("lobby", "%v", err)
		}
	}
}

// Linked reports the successor the lobby last heard the sender connect to.
func (l *Lobby) Linked() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peer, l.linked
}

func (l *Lobby) tickInterval() time.Duration {
	cfg := l.rt.Config
	d := cfg.Ring.LatencyTimeout
	for _, c := range []time.Duration{cfg.Ring.ElectionInterval, cfg.Update.PhaseTimeout} {
		if c > 0 && c < d {
			d = c
		}
	}
	d /= 4
	if d < 5*time.Millisecond {
		d = 5 * time.Millisecond
	}
	return d
}

func (l *Lobby) dispatch(ev cmm.Inbound) error {
	switch ev := ev.(type) {
	case cmm.MessageIn:
		return l.receive(ev.Msg)
	case cmm.LinkUp:
		l.setLink(ev.Peer, true)
		l.rt.Logf("lobby", "ring link up to node %d", ev.Peer)
		if l.now().Sub(l.lastOriginated) >= l.rt.Config.Ring.LatencyTimeout {
			l.originateDiscovery()
		}
	case cmm.LinkDown:
		l.setLink(0, false)
		l.rt.Logf("lobby", "ring link to node %d down: %s", ev.Peer, ev.Reason)
	case cmm.ConfigMismatch:
		l.catchUp(ev)
	default:
		return fmt.Errorf("lobby: unknown event %T", ev)
	}
	return nil
}

// receive applies the hop limit and duplicate filter, then dispatches.
func (l *Lobby) receive(m protocol.Message) error {
	h := m.Head()
	h.Hops++
	if limit := protocol.MaxHops(l.rt.Table.Size()); h.Hops > limit {
		l.rt.Logf("lobby", "dropping %s from node %d after %d hops", h.Type, h.Source, h.Hops)
		return nil
	}

	if h.Source == l.rt.LocalID() {
		if h.FrameID < l.firstFrame {
			l.rt.Logf("lobby", "dropping own %s from a previous run", h.Type)
			return nil
		}
		return m.Accept(l)
	}

	n, ok := l.rt.Table.Lookup(h.Source)
	if !ok {
		return fmt.Errorf("lobby: %s from unknown node %d", h.Type, h.Source)
	}
	if h.FrameID <= n.LastFrameID {
		return nil
	}
	if err := l.rt.Table.SetLastFrame(h.Source, h.FrameID); err != nil {
		return err
	}
	return m.Accept(l)
}

func (l *Lobby) tick() {
	now := l.now()
	if _, up := l.Linked(); up {
		cfg := l.rt.Config.Ring
		switch {
		case l.rt.Table.Local().Master && now.Sub(l.lastOriginated) >= cfg.LatencyTimeout:
			l.originateDiscovery()
		case now.Sub(l.lastView) >= cfg.DiscoveryTimeout && now.Sub(l.lastOriginated) >= cfg.DiscoveryTimeout:
			l.rt.Logf("lobby", "no discovery for %s, starting one", now.Sub(l.lastView).Round(time.Millisecond))
			l.originateDiscovery()
		}
		l.elect()
	}
	l.tickUpdate()
}

func (l *Lobby) checkInvariants() error {
	if err := l.rt.Table.Validate(); err != nil {
		return cmm.Fatal("lobby", err)
	}
	return nil
}

func (l *Lobby) stop() {
	if l.current() != nil {
		l.finish(Response{Err: ErrStopped})
	}
	l.rt.Logf("lobby", "stopped")
}

func (l *Lobby) setLink(peer int, up bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peer = peer
	l.linked = up
}

// header stamps a message originated here.
func (l *Lobby) header() protocol.Header {
	return protocol.Header{FrameID: l.rt.NextFrameID(), Source: l.rt.LocalID()}
}

// outbound is one slot in the forwarding order. A held slot keeps every
// later forward queued until it is released.
type outbound struct {
	msg   protocol.Message
	ready bool
}

// forward hands m to the sender behind any held message. The lobby must not
// touch m afterwards.
func (l *Lobby) forward(m protocol.Message) {
	if len(l.outbox) > 0 {
		l.outbox = append(l.outbox, &outbound{msg: m, ready: true})
		return
	}
	l.send(m)
}

// hold reserves the next place in the forwarding order for a message that
// is not ready yet. Peers drop frames that arrive behind a newer frame from
// the same source, so nothing may overtake it.
func (l *Lobby) hold() *outbound {
	slot := &outbound{}
	l.outbox = append(l.outbox, slot)
	return slot
}

// release fills slot with m and sends every ready message at the head of
// the queue.
func (l *Lobby) release(slot *outbound, m protocol.Message) {
	slot.msg, slot.ready = m, true
	for len(l.outbox) > 0 && l.outbox[0].ready {
		next := l.outbox[0]
		l.outbox[0] = nil
		l.outbox = l.outbox[1:]
		l.send(next.msg)
	}
}

func (l *Lobby) send(m protocol.Message) {
	if !l.rt.Send(m) {
		h := m.Head()
		l.rt.Logf("lobby", "sender queue full, dropped %s from node %d", h.Type, h.Source)
	}
}

func (l *Lobby) notify(ev Event) {
	ev.Time = l.now()
	l.notifier.Notify(ev)
}

// background runs work off the lobby goroutine and schedules done back onto
// it with the result.
func (l *Lobby) background(timeout time.Duration, work func(ctx context.Context) error, done func(err error)) {
	ctx := l.ctx
	go func() {
		wctx, cancel := context.WithTimeout(ctx, timeout)
		err := work(wctx)
		cancel()
		select {
		case l.results <- func() { done(err) }:
		case <-ctx.Done():
		}
	}()
}

// holders returns the current holder id of each office, 0 for vacant.
func (l *Lobby) holders() [2]int {
	var out [2]int
	for i, o := range offices {
		if n, ok := l.rt.Table.Holder(o); ok {
			out[i] = n.ID
		}
	}
	return out
}

// announceOffices emits an event for every office whose holder changed since
// before was taken.
func (l *Lobby) announceOffices(before [2]int) {
	after := l.holders()
	for i, o := range offices {
		if before[i] == after[i] {
			continue
		}
		if after[i] == 0 {
			l.rt.Logf("lobby", "%s office vacant", o)
		} else {
			l.rt.Logf("lobby", "node %d is %s", after[i], o)
		}
		l.notify(Event{Kind: EventOfficeChanged, Office: o, Node: after[i]})
	}
}

// VisitConnect rejects link-level messages, which the receiver consumes.
func (l *Lobby) VisitConnect(m *protocol.Connect) error {
	return fmt.Errorf("lobby: unexpected connect from node %d", m.Source)
}

func (l *Lobby) VisitConnectResponse(m *protocol.ConnectResponse) error {
	return fmt.Errorf("lobby: unexpected connect response from node %d", m.Source)
}

func (l *Lobby) VisitDisconnect(m *protocol.Disconnect) error {
	return fmt.Errorf("lobby: unexpected disconnect from node %d", m.Source)
}

func (l *Lobby) VisitHeartbeat(m *protocol.Heartbeat) error {
	return fmt.Errorf("lobby: unexpected heartbeat from node %d", m.Source)
}

// serve answers one API request. Config changes are answered when their
// replication finishes.
func (l *Lobby) serve(req Request) {
	t := l.rt.Table
	local := t.Local()
	switch req.Op {
	case OpNodeID:
		req.reply(Response{Value: local.ID, OK: true})
	case OpSetEligibility:
		req.reply(Response{Err: l.setStatus(req.Eligible, local.ActiveDisks), OK: true})
	case OpGetNodes:
		req.reply(Response{Nodes: t.Nodes(), OK: true})
	case OpGetMaster:
		n, ok := t.Master()
		req.reply(Response{Node: n, OK: ok})
	case OpGetViceMaster:
		n, ok := t.ViceMaster()
		req.reply(Response{Node: n, OK: ok})
	case OpSetActiveDiskCount:
		if req.Count < 0 {
			req.fail(fmt.Errorf("%w: negative disk count %d", ErrInvalidRequest, req.Count))
			return
		}
		req.reply(Response{Err: l.setStatus(local.Eligible, req.Count), OK: true})
	case OpGetActiveDiskCount:
		req.reply(Response{Value: local.ActiveDisks, OK: true})
	case OpHasQuorum:
		req.reply(Response{OK: l.quorum})
	case OpGetVersion:
		v, err := l.rt.Store.Version(req.File)
		req.reply(Response{Version: v, Err: err, OK: err == nil})
	case OpWipeConfig, OpUpdateConfig, OpStoreConfig:
		l.requestUpdate(req)
	default:
		req.fail(fmt.Errorf("%w: operation %d", ErrInvalidRequest, req.Op))
	}
}

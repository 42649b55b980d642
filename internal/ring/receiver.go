package ring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/cmm"
	"github.com/dreamware/cmm/internal/protocol"
)

// Receiver accepts the single inbound ring connection from this node's
// predecessor and hands decoded messages to the lobby.
//
// A new predecessor replaces the current one when it is closer backwards in
// ring order, when it is the same node reconnecting, or when the current one
// has gone silent. Otherwise it is answered with StatusRejected so the dialer
// moves on to its next candidate.
type Receiver struct {
	rt      *cmm.Context
	current *predecessor
	wg      sync.WaitGroup
	mu      sync.Mutex // guards current
}

// predecessor is one accepted inbound connection.
type predecessor struct {
	conn     net.Conn
	live     *Liveness
	echoed   chan struct{} // closed when our Disconnect is echoed back
	done     chan struct{} // closed when the read loop exits
	echoOnce sync.Once
	wmu      sync.Mutex // serializes writes
	node     int
	flushing atomic.Bool
}

// NewReceiver creates a receiver bound to the runtime context.
func NewReceiver(rt *cmm.Context) *Receiver {
	return &Receiver{rt: rt}
}

// Run listens on the local node's ring address and serves until ctx is done.
func (r *Receiver) Run(ctx context.Context) error {
	addr := r.rt.Table.Local().RingAddr(r.rt.Config.Ports)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("receiver: listen %s: %w", addr, err)
	}
	return r.Serve(ctx, ln)
}

// Serve accepts ring connections on ln until ctx is done. It closes ln.
func (r *Receiver) Serve(ctx context.Context, ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		ln.Close()
	}()

	r.rt.Logf("receiver", "listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			r.shutdown()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiver: accept: %w", err)
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handle(ctx, conn)
		}()
	}
}

// shutdown flushes the current predecessor and waits for every connection
// handler to return.
func (r *Receiver) shutdown() {
	r.mu.Lock()
	cur := r.current
	r.current = nil
	r.mu.Unlock()
	if cur != nil {
		r.flush(cur)
	}
	r.wg.Wait()
}

func (r *Receiver) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	cfg := r.rt.Config.Ring

	conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	msg, err := protocol.ReadFrame(conn)
	if err != nil {
		r.rt.Logf("receiver", "handshake from %s: %v", conn.RemoteAddr(), err)
		return
	}
	connect, ok := msg.(*protocol.Connect)
	if !ok {
		r.rt.Logf("receiver", "rejecting %s from %s before handshake", msg.Head().Type, conn.RemoteAddr())
		return
	}

	p := &predecessor{
		conn:   conn,
		node:   connect.Source,
		live:   NewLiveness(connect.Source, cfg.HeartbeatTimeout, cfg.MissLimit),
		echoed: make(chan struct{}),
		done:   make(chan struct{}),
	}

	status := r.check(connect)
	var old *predecessor
	if status.Has(protocol.StatusOK) {
		r.mu.Lock()
		if r.current == nil || r.prefer(connect.Source, r.current) {
			old = r.current
			r.current = p
		} else {
			status = protocol.StatusRejected
		}
		r.mu.Unlock()
	}
	defer r.release(p)

	resp := &protocol.ConnectResponse{
		Header:          protocol.Header{FrameID: r.rt.NextFrameID(), Source: r.rt.LocalID()},
		Status:          status,
		SoftwareVersion: r.rt.Config.SoftwareVersion,
		Versions:        r.rt.Versions(),
	}
	if err := p.write(resp, cfg.ConnectTimeout); err != nil {
		r.rt.Logf("receiver", "handshake reply to node %d: %v", p.node, err)
		return
	}
	if !status.Has(protocol.StatusOK) {
		r.rt.Logf("receiver", "node %d connect answered %s", p.node, status)
		return
	}
	conn.SetDeadline(time.Time{})

	if newer := r.rt.Versions().Newer(connect.Versions); len(newer) > 0 {
		r.rt.Deliver(ctx, cmm.ConfigMismatch{Peer: p.node, Versions: connect.Versions})
	}
	if old != nil && old != p {
		r.rt.Logf("receiver", "node %d replaces predecessor %d", p.node, old.node)
		r.flush(old)
	}
	r.rt.Logf("receiver", "accepted predecessor %d", p.node)

	go r.heartbeats(ctx, p)
	r.readLoop(ctx, p)
}

// check validates a handshake and returns the response status before
// arbitration.
func (r *Receiver) check(m *protocol.Connect) protocol.Status {
	local := r.rt.LocalID()
	switch {
	case m.ProtocolVersion != protocol.Version:
		r.rt.Logf("receiver", "node %d speaks protocol %d, want %d", m.Source, m.ProtocolVersion, protocol.Version)
		return protocol.StatusRefused
	case m.Target != local:
		r.rt.Logf("receiver", "node %d dialed node %d at this address", m.Source, m.Target)
		return protocol.StatusRefused
	}
	if _, ok := r.rt.Table.Lookup(m.Source); !ok {
		r.rt.Logf("receiver", "unknown node %d", m.Source)
		return protocol.StatusRefused
	}
	if m.SoftwareVersion != r.rt.Config.SoftwareVersion {
		r.rt.Logf("receiver", "node %d runs software %q, local %q", m.Source, m.SoftwareVersion, r.rt.Config.SoftwareVersion)
		return protocol.StatusVersionMismatch
	}
	status := protocol.StatusOK
	if !r.rt.Versions().Equal(m.Versions) {
		status |= protocol.StatusCfgMismatch
	}
	return status
}

// prefer reports whether node should take the predecessor slot from cur.
// Called with r.mu held.
func (r *Receiver) prefer(node int, cur *predecessor) bool {
	if cur.node == node || !cur.live.Healthy() {
		return true
	}
	return r.backward(node) > r.backward(cur.node)
}

// backward ranks a predecessor: the larger the clockwise distance from the
// local node, the closer the node sits behind it. The self-loop ranks last.
func (r *Receiver) backward(id int) int64 {
	if id == r.rt.LocalID() {
		return 0
	}
	return r.rt.Table.Distance(cluster.Node{ID: id})
}

func (r *Receiver) isCurrent(p *predecessor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current == p
}

func (r *Receiver) release(p *predecessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == p {
		r.current = nil
	}
}

// flush performs the disconnect handshake with a replaced predecessor: send
// Disconnect, wait a bounded time for the echo, close.
func (r *Receiver) flush(p *predecessor) {
	if !p.flushing.CompareAndSwap(false, true) {
		return
	}
	timeout := r.rt.Config.Ring.FlushTimeout
	if err := p.write(&protocol.Disconnect{Header: protocol.Header{Source: r.rt.LocalID()}}, timeout); err == nil {
		timer := time.NewTimer(timeout)
		select {
		case <-p.echoed:
		case <-p.done:
		case <-timer.C:
			r.rt.Logf("receiver", "no disconnect echo from node %d", p.node)
		}
		timer.Stop()
	}
	p.conn.Close()
}

func (r *Receiver) readLoop(ctx context.Context, p *predecessor) {
	defer close(p.done)
	for {
		p.conn.SetReadDeadline(p.live.Deadline())
		msg, err := protocol.ReadFrame(p.conn)
		if err != nil {
			var ne net.Error
			switch {
			case p.flushing.Load() || ctx.Err() != nil:
			case errors.As(err, &ne) && ne.Timeout():
				r.rt.Logf("receiver", "predecessor %d silent for %s, closing", p.node,
					r.rt.Config.Ring.HeartbeatTimeout*time.Duration(r.rt.Config.Ring.MissLimit))
			default:
				r.rt.Logf("receiver", "predecessor %d: %v", p.node, err)
			}
			return
		}
		p.live.Seen()

		switch msg.(type) {
		case *protocol.Heartbeat:
			continue
		case *protocol.Disconnect:
			if p.flushing.Load() {
				p.echoOnce.Do(func() { close(p.echoed) })
				return
			}
			p.write(&protocol.Disconnect{Header: protocol.Header{Source: r.rt.LocalID()}}, r.rt.Config.Ring.FlushTimeout)
			r.rt.Logf("receiver", "predecessor %d disconnected", p.node)
			return
		case *protocol.Connect, *protocol.ConnectResponse:
			r.rt.Logf("receiver", "unexpected %s from predecessor %d", msg.Head().Type, p.node)
			return
		}

		if p.flushing.Load() {
			continue
		}
		if !r.isCurrent(p) {
			r.rt.Logf("receiver", "rejecting %s from replaced predecessor %d", msg.Head().Type, p.node)
			return
		}
		if err := r.rt.Deliver(ctx, cmm.MessageIn{Msg: msg}); err != nil {
			return
		}
	}
}

// heartbeats keeps the predecessor's liveness monitor fed.
func (r *Receiver) heartbeats(ctx context.Context, p *predecessor) {
	cfg := r.rt.Config.Ring
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			if p.flushing.Load() {
				continue
			}
			if err := p.write(&protocol.Heartbeat{Header: protocol.Header{Source: r.rt.LocalID()}}, cfg.HeartbeatTimeout); err != nil {
				p.conn.Close()
				return
			}
		}
	}
}

func (p *predecessor) write(m protocol.Message, timeout time.Duration) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(timeout))
	return protocol.WriteFrame(p.conn, m)
}

package ring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/cmm"
	"github.com/dreamware/cmm/internal/protocol"
)

var (
	// ErrVersionMismatch is returned when a peer runs different software.
	// The engine treats it as fatal.
	ErrVersionMismatch = errors.New("ring: software version mismatch")

	// ErrHandshake is returned when a peer answers Connect with something
	// other than ConnectResponse.
	ErrHandshake = errors.New("ring: bad handshake")
)

// DialFunc opens a TCP connection. Tests replace it to simulate partitions.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Sender keeps the single outbound ring connection to the closest reachable
// successor and writes every message the lobby queues for the ring.
//
// Each connect cycle runs in two phases. Phase one dials every other node in
// parallel and keeps the closest one that accepts. Phase two, reached when
// nobody accepted or the cluster has a single node, tries the same
// candidates one at a time followed by the local node itself, dropping each
// candidate that fails.
type Sender struct {
	rt   *cmm.Context
	dial DialFunc
}

// NewSender creates a sender bound to the runtime context.
func NewSender(rt *cmm.Context) *Sender {
	d := &net.Dialer{}
	return &Sender{rt: rt, dial: func(ctx context.Context, addr string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}}
}

// SetDialer replaces the dial function.
func (s *Sender) SetDialer(dial DialFunc) {
	s.dial = dial
}

// attempt is the outcome of one handshake.
type attempt struct {
	conn net.Conn
	resp *protocol.ConnectResponse
	err  error
	node cluster.Node
}

func (a attempt) ok() bool {
	return a.err == nil && a.resp.Status.Has(protocol.StatusOK)
}

func (a attempt) String() string {
	if a.err != nil {
		return a.err.Error()
	}
	return a.resp.Status.String()
}

// Run connects, serves the link until it fails and reconnects, until ctx is
// done or a fatal error occurs.
func (s *Sender) Run(ctx context.Context) error {
	retry := s.rt.Config.Ring.RetryInterval
	for {
		if ctx.Err() != nil {
			return nil
		}
		a, err := s.connect(ctx)
		if err != nil {
			return err
		}
		if a == nil {
			if ctx.Err() != nil {
				return nil
			}
			s.rt.Logf("sender", "no successor reachable, retrying in %s", retry)
			if !sleep(ctx, retry) {
				return nil
			}
			continue
		}

		peer := a.node.ID
		s.rt.Logf("sender", "connected to node %d", peer)
		s.rt.Link.Up(peer)
		s.rt.Deliver(ctx, cmm.LinkUp{Peer: peer})

		reason := s.serve(ctx, a.conn, peer)

		s.rt.Link.Down()
		s.rt.Logf("sender", "link to node %d closed: %s", peer, reason)
		if ctx.Err() != nil {
			return nil
		}
		s.rt.Deliver(ctx, cmm.LinkDown{Peer: peer, Reason: reason})
	}
}

// connect runs one connect cycle. It returns nil without error when no
// candidate accepted.
func (s *Sender) connect(ctx context.Context) (*attempt, error) {
	candidates := s.rt.Table.Candidates()
	if !s.rt.Table.SingleMode() {
		a, err := s.phaseOne(ctx, candidates)
		if err != nil || a != nil {
			return a, err
		}
	}
	return s.phaseTwo(ctx, append(candidates, s.rt.Table.Local()))
}

// phaseOne dials every candidate in parallel and keeps the closest that
// accepts; every other accepted link is flushed.
func (s *Sender) phaseOne(ctx context.Context, candidates []cluster.Node) (*attempt, error) {
	results := make([]attempt, len(candidates))
	var wg sync.WaitGroup
	for i, n := range candidates {
		wg.Add(1)
		go func(i int, n cluster.Node) {
			defer wg.Done()
			results[i] = s.handshake(ctx, n)
		}(i, n)
	}
	wg.Wait()

	var chosen *attempt
	var fatal error
	for i := range results {
		a := &results[i]
		if err := s.fatal(a); err != nil && fatal == nil {
			fatal = err
		}
		switch {
		case !a.ok():
			if a.conn != nil {
				a.conn.Close()
			}
		case chosen == nil && fatal == nil:
			chosen = a
		default:
			go s.abandon(a.conn)
		}
	}
	if fatal != nil {
		if chosen != nil {
			chosen.conn.Close()
		}
		return nil, fatal
	}
	if chosen != nil {
		s.reportConfig(ctx, chosen)
	}
	return chosen, nil
}

// phaseTwo tries candidates one at a time, closest first, removing each one
// that fails.
func (s *Sender) phaseTwo(ctx context.Context, candidates []cluster.Node) (*attempt, error) {
	for len(candidates) > 0 && ctx.Err() == nil {
		a := s.handshake(ctx, candidates[0])
		if err := s.fatal(&a); err != nil {
			if a.conn != nil {
				a.conn.Close()
			}
			return nil, err
		}
		if a.ok() {
			s.reportConfig(ctx, &a)
			return &a, nil
		}
		if a.conn != nil {
			a.conn.Close()
		}
		s.rt.Logf("sender", "node %d: %s", candidates[0].ID, a)
		candidates = candidates[1:]
	}
	return nil, nil
}

// fatal converts a software version mismatch into a fatal error.
func (s *Sender) fatal(a *attempt) error {
	if a.err != nil || !a.resp.Status.Has(protocol.StatusVersionMismatch) {
		return nil
	}
	return cmm.Fatal("sender", fmt.Errorf("%w: node %d runs %q, local %q",
		ErrVersionMismatch, a.node.ID, a.resp.SoftwareVersion, s.rt.Config.SoftwareVersion))
}

// reportConfig posts a ConfigMismatch event when the accepting peer runs
// newer config versions.
func (s *Sender) reportConfig(ctx context.Context, a *attempt) {
	if !a.resp.Status.Has(protocol.StatusCfgMismatch) {
		return
	}
	if newer := s.rt.Versions().Newer(a.resp.Versions); len(newer) > 0 {
		s.rt.Logf("sender", "node %d runs newer config %v", a.node.ID, newer)
		s.rt.Deliver(ctx, cmm.ConfigMismatch{Peer: a.node.ID, Versions: a.resp.Versions})
	}
}

// handshake dials n and exchanges Connect/ConnectResponse within the connect
// timeout.
func (s *Sender) handshake(ctx context.Context, n cluster.Node) attempt {
	timeout := s.rt.Config.Ring.ConnectTimeout
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := s.dial(dctx, n.RingAddr(s.rt.Config.Ports))
	if err != nil {
		return attempt{node: n, err: err}
	}
	conn.SetDeadline(time.Now().Add(timeout))
	req := &protocol.Connect{
		Header:          protocol.Header{FrameID: s.rt.NextFrameID(), Source: s.rt.LocalID()},
		Target:          n.ID,
		ProtocolVersion: protocol.Version,
		SoftwareVersion: s.rt.Config.SoftwareVersion,
		Versions:        s.rt.Versions(),
	}
	if err := protocol.WriteFrame(conn, req); err != nil {
		conn.Close()
		return attempt{node: n, err: err}
	}
	msg, err := protocol.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return attempt{node: n, err: err}
	}
	resp, ok := msg.(*protocol.ConnectResponse)
	if !ok {
		conn.Close()
		return attempt{node: n, err: fmt.Errorf("%w: %s from node %d", ErrHandshake, msg.Head().Type, n.ID)}
	}
	conn.SetDeadline(time.Time{})
	return attempt{node: n, conn: conn, resp: resp}
}

// abandon releases an accepted link that lost to a closer candidate.
func (s *Sender) abandon(conn net.Conn) {
	defer conn.Close()
	timeout := s.rt.Config.Ring.FlushTimeout
	conn.SetDeadline(time.Now().Add(timeout))
	if err := protocol.WriteFrame(conn, &protocol.Disconnect{Header: protocol.Header{Source: s.rt.LocalID()}}); err != nil {
		return
	}
	for {
		msg, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		if _, ok := msg.(*protocol.Disconnect); ok {
			return
		}
	}
}

// serve runs the connected state until the link fails or is dropped. It
// returns the reason.
func (s *Sender) serve(ctx context.Context, conn net.Conn, peer int) string {
	defer conn.Close()
	cfg := s.rt.Config.Ring

	// A reset requested before this link came up is stale.
	select {
	case <-s.rt.Link.Resets():
	default:
	}

	live := NewLiveness(peer, cfg.HeartbeatTimeout, cfg.MissLimit)
	live.SetOnUnhealthy(func(id int) {
		h := live.Health()
		s.rt.Logf("sender", "node %d silent since %s, %d heartbeat windows missed",
			id, h.LastSeen.Format(time.RFC3339Nano), h.ConsecutiveMisses)
	})
	peerDisconnect := make(chan struct{}, 1)
	readErr := make(chan error, 1)
	go func() {
		for {
			// The ticker normally declares the peer dead first; the deadline
			// only bounds the read.
			conn.SetReadDeadline(live.Deadline().Add(cfg.HeartbeatInterval))
			msg, err := protocol.ReadFrame(conn)
			if err != nil {
				readErr <- err
				return
			}
			live.Seen()
			if _, ok := msg.(*protocol.Disconnect); ok {
				peerDisconnect <- struct{}{}
				return
			}
		}
	}()

	write := func(m protocol.Message) error {
		conn.SetWriteDeadline(time.Now().Add(cfg.HeartbeatTimeout))
		return protocol.WriteFrame(conn, m)
	}
	disconnect := func(reason string) string {
		if err := write(&protocol.Disconnect{Header: protocol.Header{Source: s.rt.LocalID()}}); err != nil {
			return reason
		}
		timer := time.NewTimer(cfg.FlushTimeout)
		defer timer.Stop()
		select {
		case <-peerDisconnect:
		case <-readErr:
		case <-timer.C:
			s.rt.Logf("sender", "no disconnect echo from node %d", peer)
		}
		return reason
	}

	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	var splitSince time.Time
	for {
		select {
		case <-ctx.Done():
			return disconnect("shutdown")
		case <-s.rt.Link.Resets():
			return disconnect("reset requested")
		case <-peerDisconnect:
			write(&protocol.Disconnect{Header: protocol.Header{Source: s.rt.LocalID()}})
			return "peer disconnected"
		case err := <-readErr:
			return fmt.Sprintf("read: %v", err)
		case m := <-s.rt.ToSender:
			if s.stale(m) {
				continue
			}
			if err := write(m); err != nil {
				return fmt.Sprintf("write %s: %v", m.Head().Type, err)
			}
		case <-ticker.C:
			if err := write(&protocol.Heartbeat{Header: protocol.Header{Source: s.rt.LocalID()}}); err != nil {
				return fmt.Sprintf("write heartbeat: %v", err)
			}
			if !live.Check() {
				return disconnect("heartbeat lost")
			}
			if s.splitBrain(peer, &splitSince) {
				return disconnect("split brain")
			}
		}
	}
}

// stale reports whether m must be dropped because its originator is no
// longer on the ring. Discovery is exempt: it is how nodes rejoin.
func (s *Sender) stale(m protocol.Message) bool {
	h := m.Head()
	if h.Type == protocol.TypeDiscovery {
		return false
	}
	if n, ok := s.rt.Table.Lookup(h.Source); ok && n.Alive {
		return false
	}
	s.rt.Logf("sender", "dropping %s from departed node %d", h.Type, h.Source)
	return true
}

// splitBrain reports whether the link should be dropped because the ring
// lacks a majority and this node has not reached its best successor for
// longer than the connect timeout.
func (s *Sender) splitBrain(peer int, since *time.Time) bool {
	t := s.rt.Table
	if t.SingleMode() {
		return false
	}
	best, _ := t.Best()
	if t.ActiveCount()*2 > t.Size() || peer == best.ID {
		*since = time.Time{}
		return false
	}
	now := time.Now()
	if since.IsZero() {
		*since = now
		return false
	}
	return now.Sub(*since) > s.rt.Config.Ring.ConnectTimeout
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

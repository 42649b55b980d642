package lobby

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/cmm/internal/cmm"
	"github.com/dreamware/cmm/internal/configstore"
	"github.com/dreamware/cmm/internal/protocol"
)

type phase uint8

const (
	phaseUpdate phase = iota + 1
	phaseCommit
	phaseRetry
)

func (p phase) String() string {
	switch p {
	case phaseUpdate:
		return "update"
	case phaseCommit:
		return "commit"
	case phaseRetry:
		return "retry"
	}
	return "unknown"
}

// pending is the one config update the master has in flight.
type pending struct {
	started  time.Time
	deadline time.Time // current phase must return by then
	retryAt  time.Time
	lastErr  error
	key      string // identifies duplicate requests
	checksum string
	content  []byte // nil unless the content travels inline
	waiters  []Request
	version  int64
	frame    uint64 // frame id of the message now circulating
	attempts int
	file     configstore.ConfigFile
	phase    phase
	wipe     bool
}

func (l *Lobby) current() *pending {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.update
}

func requestKey(req Request) (string, error) {
	switch req.Op {
	case OpUpdateConfig:
		data, err := req.Props.Marshal()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return "update:" + configstore.Checksum(data), nil
	case OpStoreConfig:
		return "store:" + strconv.FormatInt(req.Version, 10) + ":" + req.Checksum, nil
	default:
		return "wipe:" + strconv.FormatInt(req.Version, 10), nil
	}
}

// requestUpdate starts replicating a config change, or joins an identical
// change already in flight.
func (l *Lobby) requestUpdate(req Request) {
	if !l.rt.Table.Local().Master {
		req.fail(ErrNotMaster)
		return
	}
	if !req.File.Valid() {
		req.fail(fmt.Errorf("%w: config file %d", ErrInvalidRequest, req.File))
		return
	}

	key, err := requestKey(req)
	if err != nil {
		req.fail(err)
		return
	}
	if p := l.current(); p != nil {
		switch {
		case l.now().Sub(p.started) >= l.rt.Config.Update.Timeout:
			l.rt.Logf("lobby", "%s.%d expired, superseding", p.file, p.version)
			l.finish(Response{Err: fmt.Errorf("%w: update expired", ErrNoLink)})
		case p.file == req.File && p.key == key:
			p.waiters = append(p.waiters, req)
			return
		default:
			req.fail(ErrBusy)
			return
		}
	}
	if _, up := l.Linked(); !up {
		req.fail(ErrNoLink)
		return
	}

	p, err := l.prepare(req)
	if err != nil {
		req.fail(err)
		return
	}
	p.key = key
	p.waiters = []Request{req}

	l.mu.Lock()
	l.update = p
	l.mu.Unlock()
	l.sendUpdate(p)
}

// prepare materializes the change on the master.
func (l *Lobby) prepare(req Request) (*pending, error) {
	store := l.rt.Store
	p := &pending{file: req.File, started: l.now()}
	switch req.Op {
	case OpUpdateConfig:
		if len(req.Props) == 0 {
			return nil, fmt.Errorf("%w: no properties", ErrInvalidRequest)
		}
		v, err := store.CreateFile(req.File, req.Props)
		if err != nil {
			return nil, err
		}
		data, err := store.Read(req.File, v)
		if err != nil {
			return nil, err
		}
		p.version = v
		p.content = data
		p.checksum = configstore.Checksum(data)
	case OpStoreConfig:
		if req.Version <= 0 {
			return nil, fmt.Errorf("%w: version %d", ErrInvalidRequest, req.Version)
		}
		if err := store.Verify(req.File, req.Version, req.Checksum); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		p.version = req.Version
		p.checksum = req.Checksum
	case OpWipeConfig:
		p.version = req.Version
		if p.version <= 0 {
			p.version = l.now().UnixMilli()
		}
		p.wipe = true
	}
	return p, nil
}

func (l *Lobby) sendUpdate(p *pending) {
	if !l.rt.Table.Local().Master {
		l.finish(Response{Err: ErrNotMaster})
		return
	}
	p.attempts++
	p.phase = phaseUpdate
	p.deadline = l.now().Add(l.rt.Config.Update.PhaseTimeout)
	m := &protocol.Update{
		Header:   l.header(),
		File:     p.file,
		Version:  p.version,
		Wipe:     p.wipe,
		Content:  p.content,
		Checksum: p.checksum,
	}
	p.frame = m.FrameID
	l.rt.Logf("lobby", "distributing %s.%d, attempt %d", p.file, p.version, p.attempts)
	l.forward(m)
}

// tickUpdate enforces the phase timeout and schedules retries.
func (l *Lobby) tickUpdate() {
	p := l.current()
	if p == nil {
		return
	}
	now := l.now()
	switch p.phase {
	case phaseUpdate, phaseCommit:
		if now.After(p.deadline) {
			l.failUpdate(fmt.Errorf("%w: %s phase timed out", ErrNoLink, p.phase))
		}
	case phaseRetry:
		if now.Before(p.retryAt) {
			return
		}
		if _, up := l.Linked(); !up {
			l.failUpdate(ErrNoLink)
			return
		}
		l.sendUpdate(p)
	}
}

// failUpdate schedules a retry or, once retries or time run out, answers
// every waiter with err.
func (l *Lobby) failUpdate(err error) {
	p := l.current()
	if p == nil {
		return
	}
	cfg := l.rt.Config.Update
	p.lastErr = err
	if p.attempts <= cfg.Retries && l.now().Sub(p.started) < cfg.Timeout {
		l.rt.Logf("lobby", "%s.%d attempt %d failed: %v", p.file, p.version, p.attempts, err)
		p.phase = phaseRetry
		p.retryAt = l.now().Add(cfg.RetryDelay)
		return
	}
	l.rt.Logf("lobby", "%s.%d failed: %v", p.file, p.version, err)
	l.finish(Response{Err: err})
}

// finish clears the in-flight update and answers its waiters.
func (l *Lobby) finish(resp Response) {
	l.mu.Lock()
	p := l.update
	l.update = nil
	l.mu.Unlock()
	if p == nil {
		return
	}
	for _, w := range p.waiters {
		w.reply(resp)
	}
}

func (l *Lobby) succeed(p *pending) {
	l.rt.Logf("lobby", "%s.%d replicated", p.file, p.version)
	l.changed(p.file, p.version, !p.wipe)
	l.finish(Response{Version: p.version, OK: true})
}

// changed announces a new active version and purges old ones.
func (l *Lobby) changed(file configstore.ConfigFile, version int64, purge bool) {
	if purge {
		if _, err := l.rt.Store.Purge(file); err != nil {
			l.rt.Logf("lobby", "purge %s: %v", file, err)
		}
	}
	l.notify(Event{Kind: EventConfigChanged, File: file, Version: version})
}

// fullAck checks that every alive node other than this one acked.
func (l *Lobby) fullAck(acks, nacks []int) error {
	if len(nacks) > 0 {
		return fmt.Errorf("%w: rejected by nodes %v", ErrDistFailure, nacks)
	}
	for _, n := range l.rt.Table.Nodes() {
		if n.Local || !n.Alive {
			continue
		}
		if !slices.Contains(acks, n.ID) {
			return fmt.Errorf("%w: node %d did not acknowledge", ErrNoLink, n.ID)
		}
	}
	return nil
}

// vote appends the local node to acks or nacks depending on err.
func (l *Lobby) vote(acks, nacks []int, what string, err error) ([]int, []int) {
	if err != nil {
		l.rt.Logf("lobby", "%s: %v", what, err)
		return acks, append(nacks, l.rt.LocalID())
	}
	return append(acks, l.rt.LocalID()), nacks
}

func voted(id int, acks, nacks []int) bool {
	return slices.Contains(acks, id) || slices.Contains(nacks, id)
}

// VisitUpdate materializes a config version on a peer, or starts the commit
// lap when the master's own update returns fully acked.
func (l *Lobby) VisitUpdate(m *protocol.Update) error {
	local := l.rt.LocalID()
	if m.Source == local {
		return l.updateReturned(m)
	}
	if voted(local, m.Acks, m.Nacks) {
		l.forward(m)
		return nil
	}

	what := fmt.Sprintf("update %s.%d", m.File, m.Version)
	store := l.rt.Store
	switch {
	case m.Wipe:
		m.Acks, m.Nacks = l.vote(m.Acks, m.Nacks, what, store.Wipe(m.File, m.Version))
	case m.Inline():
		err := store.Write(m.File, m.Version, m.Content)
		if err == nil && m.Checksum != "" {
			err = store.Verify(m.File, m.Version, m.Checksum)
		}
		m.Acks, m.Nacks = l.vote(m.Acks, m.Nacks, what, err)
	default:
		master, ok := l.rt.Table.Lookup(m.Source)
		if !ok {
			return fmt.Errorf("lobby: update from unknown node %d", m.Source)
		}
		addr := master.HTTPAddr(l.rt.Config.Ports)
		slot := l.hold()
		l.background(l.rt.Config.Update.PhaseTimeout/2, func(ctx context.Context) error {
			if err := store.Fetch(ctx, addr, m.File, m.Version); err != nil {
				return err
			}
			if m.Checksum != "" {
				return store.Verify(m.File, m.Version, m.Checksum)
			}
			return nil
		}, func(err error) {
			m.Acks, m.Nacks = l.vote(m.Acks, m.Nacks, what, err)
			l.release(slot, m)
		})
		return nil
	}
	l.forward(m)
	return nil
}

func (l *Lobby) updateReturned(m *protocol.Update) error {
	p := l.current()
	if p == nil || p.phase != phaseUpdate || p.frame != m.FrameID {
		l.rt.Logf("lobby", "ignoring stale update %s.%d", m.File, m.Version)
		return nil
	}
	if err := l.fullAck(m.Acks, m.Nacks); err != nil {
		l.failUpdate(err)
		return nil
	}

	store := l.rt.Store
	if p.wipe {
		if err := store.Wipe(p.file, p.version); err != nil {
			l.finish(Response{Err: err})
			return err
		}
		l.succeed(p)
		return nil
	}
	if err := store.Activate(p.file, p.version); err != nil {
		l.finish(Response{Err: err})
		return err
	}

	c := &protocol.Commit{Header: l.header(), File: p.file, Version: p.version}
	p.phase = phaseCommit
	p.frame = c.FrameID
	p.deadline = l.now().Add(l.rt.Config.Update.PhaseTimeout)
	l.forward(c)
	return nil
}

// VisitCommit activates a version on a peer, or completes the update when
// the master's commit returns fully acked.
func (l *Lobby) VisitCommit(m *protocol.Commit) error {
	local := l.rt.LocalID()
	if m.Source == local {
		return l.commitReturned(m)
	}
	if voted(local, m.Acks, m.Nacks) {
		l.forward(m)
		return nil
	}
	err := l.rt.Store.Activate(m.File, m.Version)
	if err == nil {
		l.changed(m.File, m.Version, true)
	}
	m.Acks, m.Nacks = l.vote(m.Acks, m.Nacks, fmt.Sprintf("commit %s.%d", m.File, m.Version), err)
	l.forward(m)
	return nil
}

func (l *Lobby) commitReturned(m *protocol.Commit) error {
	p := l.current()
	if p == nil || p.phase != phaseCommit || p.frame != m.FrameID {
		l.rt.Logf("lobby", "ignoring stale commit %s.%d", m.File, m.Version)
		return nil
	}
	if err := l.fullAck(m.Acks, m.Nacks); err != nil {
		l.failUpdate(err)
		return nil
	}
	l.succeed(p)
	return nil
}

// catchUp fetches every config the peer runs at a newer version and
// activates it.
func (l *Lobby) catchUp(ev cmm.ConfigMismatch) {
	peer, ok := l.rt.Table.Lookup(ev.Peer)
	if !ok {
		return
	}
	addr := peer.HTTPAddr(l.rt.Config.Ports)
	store := l.rt.Store
	for file, version := range l.rt.Versions().Newer(ev.Versions) {
		file, version := file, version
		if l.fetching[file] == version {
			continue
		}
		l.fetching[file] = version
		l.rt.Logf("lobby", "node %d runs %s.%d, fetching", peer.ID, file, version)
		l.background(l.rt.Config.Update.PhaseTimeout, func(ctx context.Context) error {
			return store.Fetch(ctx, addr, file, version)
		}, func(err error) {
			delete(l.fetching, file)
			if err != nil {
				l.rt.Logf("lobby", "catch up %s.%d: %v", file, version, err)
				return
			}
			if cur, _ := store.Version(file); cur >= version {
				return
			}
			if err := store.Activate(file, version); err != nil {
				l.rt.Logf("lobby", "catch up %s.%d: %v", file, version, err)
				return
			}
			l.rt.Logf("lobby", "caught up to %s.%d", file, version)
			l.changed(file, version, true)
		})
	}
}

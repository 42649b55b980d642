package lobby

import (
	"fmt"

	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/protocol"
)

func (l *Lobby) localStatus() protocol.NodeStatus {
	n := l.rt.Table.Local()
	return protocol.NodeStatus{
		ID:         n.ID,
		Disks:      n.ActiveDisks,
		Eligible:   n.Eligible,
		Master:     n.Master,
		ViceMaster: n.ViceMaster,
	}
}

// originateDiscovery starts the collect lap of a discovery round.
func (l *Lobby) originateDiscovery() {
	l.lastOriginated = l.now()
	l.forward(&protocol.Discovery{
		Header: l.header(),
		Phase:  protocol.PhaseCollect,
		Nodes:  []protocol.NodeStatus{l.localStatus()},
	})
}

// VisitDiscovery appends the local status to a collect lap, turns a returned
// collect lap into a distribute lap, and applies every distributed view.
func (l *Lobby) VisitDiscovery(m *protocol.Discovery) error {
	local := l.rt.LocalID()
	switch m.Phase {
	case protocol.PhaseCollect:
		if m.Source != local {
			if _, ok := m.Lookup(local); !ok {
				m.Nodes = append(m.Nodes, l.localStatus())
			}
			l.forward(m)
			return nil
		}
		if m.FrameID <= l.viewFrame {
			return nil
		}
		l.viewFrame = m.FrameID
		nodes := make([]protocol.NodeStatus, 0, len(m.Nodes))
		for _, s := range m.Nodes {
			if s.ID == local {
				s = l.localStatus()
			}
			nodes = append(nodes, s)
		}
		err := l.applyView(nodes)
		l.forward(&protocol.Discovery{Header: l.header(), Phase: protocol.PhaseDistribute, Nodes: nodes})
		return err

	case protocol.PhaseDistribute:
		if m.Source == local {
			return nil
		}
		err := l.applyView(m.Nodes)
		l.forward(m)
		return err
	}
	return fmt.Errorf("lobby: discovery from node %d has unknown phase %d", m.Source, m.Phase)
}

// applyView makes the table match a distributed view: nodes in the view are
// alive, nodes missing from it are dead. The local entry is never taken from
// the view.
func (l *Lobby) applyView(nodes []protocol.NodeStatus) error {
	t := l.rt.Table
	before := l.holders()
	defer l.announceOffices(before)

	view := make(map[int]protocol.NodeStatus, len(nodes))
	for _, s := range nodes {
		if _, ok := t.Lookup(s.ID); !ok {
			l.rt.Logf("lobby", "discovery lists unknown node %d", s.ID)
			continue
		}
		view[s.ID] = s
	}

	for _, n := range t.Nodes() {
		if n.Local {
			continue
		}
		s, seen := view[n.ID]
		switch {
		case seen && !n.Alive:
			if err := t.SetAlive(n.ID, true); err != nil {
				return err
			}
			l.rt.Logf("lobby", "node %d joined", n.ID)
			l.notify(Event{Kind: EventNodeJoined, Node: n.ID})
		case !seen && n.Alive:
			if err := t.SetAlive(n.ID, false); err != nil {
				return err
			}
			l.rt.Logf("lobby", "node %d left", n.ID)
			l.notify(Event{Kind: EventNodeLeft, Node: n.ID})
		}
		if seen {
			if err := t.SetStatus(n.ID, s.Eligible, s.Disks); err != nil {
				return err
			}
		}
	}

	for _, o := range offices {
		if err := l.crossCheck(o, view); err != nil {
			return err
		}
	}

	l.lastView = l.now()
	l.synced = true
	l.updateQuorum()
	l.rt.Beat()

	if !t.SingleMode() && t.ActiveCount() == 1 {
		l.rt.Logf("lobby", "alone in a %d node cluster, resetting ring link", t.Size())
		l.rt.Link.RequestReset()
	}
	return nil
}

func claims(s protocol.NodeStatus, o cluster.Office) bool {
	switch o {
	case cluster.OfficeMaster:
		return s.Master
	case cluster.OfficeViceMaster:
		return s.ViceMaster
	}
	return false
}

// crossCheck resolves the holder of office o from the view's claims and the
// local node's own flag. Among several claimants the lowest id wins and a
// losing local node concedes. The local flag is never raised here.
func (l *Lobby) crossCheck(o cluster.Office, view map[int]protocol.NodeStatus) error {
	t := l.rt.Table
	local := t.Local()

	winner := 0
	if local.Holds(o) {
		winner = local.ID
	}
	for id, s := range view {
		if id == local.ID || !claims(s, o) {
			continue
		}
		n, ok := t.Lookup(id)
		if !ok || !n.CanHold(o) {
			continue
		}
		if winner == 0 || id < winner {
			winner = id
		}
	}

	switch {
	case winner == 0:
		if h, ok := t.Holder(o); ok && !h.Local {
			return t.ClearOffice(o, h.ID)
		}
		return nil
	case winner != local.ID && local.Holds(o):
		l.rt.Logf("lobby", "conceding %s to node %d", o, winner)
	}
	if h, ok := t.Holder(o); ok && h.ID == winner {
		return nil
	}
	return t.SetOffice(o, winner)
}

// threshold returns the number of active disks needed for quorum.
func (l *Lobby) threshold() int {
	q := l.rt.Config.Quorum
	total := l.rt.Table.Size() * q.DisksPerNode
	return total*q.Threshold/100 + 1
}

// updateQuorum recomputes quorum and emits an event on each change only.
func (l *Lobby) updateQuorum() {
	has := l.rt.Table.ActiveDiskCount() >= l.threshold()
	if has == l.quorum {
		return
	}
	l.quorum = has
	kind := EventLostQuorum
	if has {
		kind = EventGainedQuorum
	}
	l.rt.Logf("lobby", "%s: %d active disks, %d needed", kind, l.rt.Table.ActiveDiskCount(), l.threshold())
	l.notify(Event{Kind: kind})
}

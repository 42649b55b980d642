package lobby

import (
	"fmt"

	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/protocol"
)

var offices = []cluster.Office{cluster.OfficeMaster, cluster.OfficeViceMaster}

// electionHop returns the candidate for office o after an application passes
// node n. A lower id able to hold the office replaces the candidate.
func electionHop(n cluster.Node, o cluster.Office, candidate int) int {
	if n.ID < candidate && n.CanHold(o) {
		return n.ID
	}
	return candidate
}

// elect applies for each vacant office the local node may hold, at most once
// per election interval per office. The vice-master office is contested only
// once a master exists.
func (l *Lobby) elect() {
	if !l.synced {
		return
	}
	t := l.rt.Table
	local := t.Local()
	now := l.now()
	for _, o := range offices {
		if _, held := t.Holder(o); held || !local.CanHold(o) {
			continue
		}
		if _, ok := t.Master(); o == cluster.OfficeViceMaster && !ok {
			continue
		}
		if now.Sub(l.lastApply[o]) < l.rt.Config.Ring.ElectionInterval {
			continue
		}
		l.lastApply[o] = now
		l.rt.Logf("lobby", "applying for %s", o)
		l.forward(&protocol.Election{Header: l.header(), Office: o, Candidate: local.ID})
	}
}

// VisitElection runs the hop rule on applications and applies announcements.
func (l *Lobby) VisitElection(m *protocol.Election) error {
	if m.Office != cluster.OfficeMaster && m.Office != cluster.OfficeViceMaster {
		return fmt.Errorf("lobby: election from node %d for unknown office %d", m.Source, m.Office)
	}
	t := l.rt.Table
	local := t.Local()
	before := l.holders()
	defer l.announceOffices(before)

	if m.NotifyOnly {
		if m.Source == local.ID {
			return nil
		}
		var err error
		if n, ok := t.Lookup(m.Candidate); ok && n.CanHold(m.Office) {
			err = t.SetOffice(m.Office, n.ID)
		} else {
			err = fmt.Errorf("lobby: node %d announced as %s cannot hold it here", m.Candidate, m.Office)
		}
		l.forward(m)
		return err
	}

	if m.Source == local.ID {
		switch {
		case m.Candidate != local.ID:
			l.rt.Logf("lobby", "lost %s election to node %d", m.Office, m.Candidate)
			return nil
		case !local.CanHold(m.Office):
			return nil
		}
		if h, held := t.Holder(m.Office); held && !h.Local {
			l.rt.Logf("lobby", "%s election moot, node %d holds it", m.Office, h.ID)
			return nil
		}
		if err := t.SetOffice(m.Office, local.ID); err != nil {
			return err
		}
		l.rt.Logf("lobby", "won %s election", m.Office)
		l.forward(&protocol.Election{
			Header:     l.header(),
			Office:     m.Office,
			Candidate:  local.ID,
			NotifyOnly: true,
		})
		return nil
	}

	if local.Holds(m.Office) {
		l.rt.Logf("lobby", "cancelling %s application from node %d", m.Office, m.Source)
		return nil
	}
	m.Candidate = electionHop(local, m.Office, m.Candidate)
	l.forward(m)
	return nil
}

// VisitNotification records another node's eligibility and disk count.
func (l *Lobby) VisitNotification(m *protocol.Notification) error {
	if m.Source == l.rt.LocalID() {
		return nil
	}
	before := l.holders()
	err := l.rt.Table.SetStatus(m.Source, m.Eligible, m.Disks)
	l.announceOffices(before)
	l.updateQuorum()
	l.forward(m)
	return err
}

// setStatus changes the local eligibility and disk count and broadcasts them.
func (l *Lobby) setStatus(eligible bool, disks int) error {
	before := l.holders()
	if err := l.rt.Table.SetStatus(l.rt.LocalID(), eligible, disks); err != nil {
		return err
	}
	l.announceOffices(before)
	l.updateQuorum()
	l.forward(&protocol.Notification{Header: l.header(), Eligible: eligible, Disks: disks})
	return nil
}

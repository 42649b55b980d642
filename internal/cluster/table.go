package cluster

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"
)

var (
	// ErrUnknownNode is returned when a node id is not part of the static configuration.
	ErrUnknownNode = errors.New("cluster: unknown node")

	// ErrLocalNodeMissing is returned when the local node id is absent from the node list.
	ErrLocalNodeMissing = errors.New("cluster: local node not in node list")

	// ErrOfficeConflict is returned when an office assignment would break the
	// one-holder-per-office invariant.
	ErrOfficeConflict = errors.New("cluster: office conflict")
)

// wrapOffset pushes ids smaller than the local id behind every larger id so
// that sorting by distance yields a rotation anchored at the local node.
const wrapOffset = int64(1) << 62

// Table is the ring-ordered view of every configured node.
//
// Reads never lock: every mutation publishes a fresh immutable snapshot.
// Mutations are serialized and are only issued by the lobby goroutine.
type Table struct {
	snap    atomic.Pointer[snapshot]
	mu      sync.Mutex // serializes writers
	localID int
}

type snapshot struct {
	index map[int]int // node id -> position in nodes
	nodes []Node      // sorted by distance from the local node
}

// NewTable builds the table from the parsed node list. The local node is
// marked alive; every other node starts dead until discovery reports it.
func NewTable(nodes []Node, localID int) (*Table, error) {
	found := false
	list := make([]Node, len(nodes))
	copy(list, nodes)
	for i := range list {
		list[i].Local = list[i].ID == localID
		list[i].Alive = list[i].Local
		list[i].Master = false
		list[i].ViceMaster = false
		if list[i].Local {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %d", ErrLocalNodeMissing, localID)
	}

	slices.SortFunc(list, func(a, b Node) int {
		return cmpInt64(distance(a.ID, localID), distance(b.ID, localID))
	})

	t := &Table{localID: localID}
	t.publish(list)
	return t, nil
}

func distance(id, local int) int64 {
	d := int64(id) - int64(local)
	if d < 0 {
		d += wrapOffset
	}
	return d
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (t *Table) publish(nodes []Node) {
	s := &snapshot{nodes: nodes, index: make(map[int]int, len(nodes))}
	for i, n := range nodes {
		s.index[n.ID] = i
	}
	t.snap.Store(s)
}

func (t *Table) load() *snapshot {
	return t.snap.Load()
}

// LocalID returns the id of the local node.
func (t *Table) LocalID() int {
	return t.localID
}

// Size returns the number of configured nodes.
func (t *Table) Size() int {
	return len(t.load().nodes)
}

// SingleMode reports whether the cluster is configured with a single node.
func (t *Table) SingleMode() bool {
	return t.Size() == 1
}

// Local returns the local node.
func (t *Table) Local() Node {
	s := t.load()
	return s.nodes[s.index[t.localID]]
}

// Lookup returns the node with the given id.
func (t *Table) Lookup(id int) (Node, bool) {
	s := t.load()
	i, ok := s.index[id]
	if !ok {
		return Node{}, false
	}
	return s.nodes[i], true
}

// Nodes returns a copy of every node in ring order, local node first.
func (t *Table) Nodes() []Node {
	s := t.load()
	out := make([]Node, len(s.nodes))
	copy(out, s.nodes)
	return out
}

// Candidates returns every non-local node ordered by ring distance.
func (t *Table) Candidates() []Node {
	s := t.load()
	out := make([]Node, 0, len(s.nodes)-1)
	for _, n := range s.nodes {
		if !n.Local {
			out = append(out, n)
		}
	}
	return out
}

// Best returns the closest non-local node regardless of liveness: the
// successor this node should be connected to in a fully healthy ring.
func (t *Table) Best() (Node, bool) {
	for _, n := range t.load().nodes {
		if !n.Local {
			return n, true
		}
	}
	return Node{}, false
}

// Master returns the node currently holding the master office.
func (t *Table) Master() (Node, bool) {
	return t.holder(OfficeMaster)
}

// ViceMaster returns the node currently holding the vice-master office.
func (t *Table) ViceMaster() (Node, bool) {
	return t.holder(OfficeViceMaster)
}

// Holder returns the node holding office o.
func (t *Table) Holder(o Office) (Node, bool) {
	return t.holder(o)
}

func (t *Table) holder(o Office) (Node, bool) {
	for _, n := range t.load().nodes {
		if n.Holds(o) {
			return n, true
		}
	}
	return Node{}, false
}

// ActiveCount returns the number of alive nodes.
func (t *Table) ActiveCount() int {
	count := 0
	for _, n := range t.load().nodes {
		if n.Alive {
			count++
		}
	}
	return count
}

// ActiveDiskCount returns the sum of active disks over alive nodes.
func (t *Table) ActiveDiskCount() int {
	total := 0
	for _, n := range t.load().nodes {
		if n.Alive {
			total += n.ActiveDisks
		}
	}
	return total
}

// Distance returns the clockwise ring distance from the local node to n.
// The local node is at distance zero.
func (t *Table) Distance(n Node) int64 {
	return distance(n.ID, t.localID)
}

// Compare orders two nodes by ring distance from the local node. It returns 0
// when either argument is the local node, which is unorderable against itself.
func (t *Table) Compare(a, b Node) int {
	if a.ID == t.localID || b.ID == t.localID {
		return 0
	}
	return cmpInt64(t.Distance(a), t.Distance(b))
}

// Validate checks the table invariants: one local node, at most one holder
// per office and no office held by a dead or ineligible node.
func (t *Table) Validate() error {
	locals, masters, vices := 0, 0, 0
	for _, n := range t.load().nodes {
		if n.Local {
			locals++
		}
		if n.Master {
			masters++
		}
		if n.ViceMaster {
			vices++
		}
		if (n.Master || n.ViceMaster) && (!n.Alive || !n.Eligible) {
			return fmt.Errorf("%w: node %d holds an office while alive=%t eligible=%t",
				ErrOfficeConflict, n.ID, n.Alive, n.Eligible)
		}
		if n.Master && n.ViceMaster {
			return fmt.Errorf("%w: node %d holds both offices", ErrOfficeConflict, n.ID)
		}
	}
	if locals != 1 {
		return fmt.Errorf("cluster: %d local nodes", locals)
	}
	if masters > 1 || vices > 1 {
		return fmt.Errorf("%w: %d masters, %d vice-masters", ErrOfficeConflict, masters, vices)
	}
	return nil
}

// mutate applies fn to a copy of the node list and publishes the result.
func (t *Table) mutate(fn func(nodes []Node, index map[int]int) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.load()
	nodes := make([]Node, len(s.nodes))
	copy(nodes, s.nodes)
	if err := fn(nodes, s.index); err != nil {
		return err
	}
	t.publish(nodes)
	return nil
}

func (t *Table) mutateNode(id int, fn func(n *Node)) error {
	return t.mutate(func(nodes []Node, index map[int]int) error {
		i, ok := index[id]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownNode, id)
		}
		fn(&nodes[i])
		return nil
	})
}

// SetAlive marks a node alive. Marking a node dead clears its offices and
// resets its frame id so that a restarted incarnation is accepted.
func (t *Table) SetAlive(id int, alive bool) error {
	return t.mutateNode(id, func(n *Node) {
		n.Alive = alive
		if !alive {
			n.Master = false
			n.ViceMaster = false
			n.LastFrameID = 0
		}
	})
}

// SetStatus records a node's eligibility and active disk count. A node that
// becomes ineligible loses both offices in the same mutation.
func (t *Table) SetStatus(id int, eligible bool, disks int) error {
	return t.mutateNode(id, func(n *Node) {
		n.Eligible = eligible
		n.ActiveDisks = disks
		if !eligible {
			n.Master = false
			n.ViceMaster = false
		}
	})
}

// SetLastFrame records the highest frame id accepted from a node.
func (t *Table) SetLastFrame(id int, frame uint64) error {
	return t.mutateNode(id, func(n *Node) {
		n.LastFrameID = frame
	})
}

// SetOffice hands office o to node id and demotes any previous holder.
// Winning the master office preempts the node's vice-master office.
func (t *Table) SetOffice(o Office, id int) error {
	return t.mutate(func(nodes []Node, index map[int]int) error {
		i, ok := index[id]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownNode, id)
		}
		if o == OfficeViceMaster && nodes[i].Master {
			return fmt.Errorf("%w: node %d is master", ErrOfficeConflict, id)
		}
		for j := range nodes {
			switch o {
			case OfficeMaster:
				nodes[j].Master = false
			case OfficeViceMaster:
				nodes[j].ViceMaster = false
			}
		}
		switch o {
		case OfficeMaster:
			nodes[i].Master = true
			nodes[i].ViceMaster = false
		case OfficeViceMaster:
			nodes[i].ViceMaster = true
		}
		return nil
	})
}

// ClearOffice removes office o from node id if it holds it.
func (t *Table) ClearOffice(o Office, id int) error {
	return t.mutateNode(id, func(n *Node) {
		switch o {
		case OfficeMaster:
			n.Master = false
		case OfficeViceMaster:
			n.ViceMaster = false
		}
	})
}

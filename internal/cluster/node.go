package cluster

import (
	"net"
	"strconv"
)

// Ports holds the cluster-wide default ports. A node whose host entry carries
// an explicit ring port keeps the same offsets for its API and HTTP ports.
type Ports struct {
	Ring int `yaml:"ring" json:"ring"`
	API  int `yaml:"api" json:"api"`
	HTTP int `yaml:"http" json:"http"`
}

// Office identifies one of the two elected roles in the cluster.
type Office uint8

const (
	// OfficeMaster is the node that drives discovery and config replication.
	OfficeMaster Office = 1
	// OfficeViceMaster takes over when the master leaves.
	OfficeViceMaster Office = 2
)

// String returns a human readable office name.
func (o Office) String() string {
	switch o {
	case OfficeMaster:
		return "master"
	case OfficeViceMaster:
		return "vicemaster"
	default:
		return "unknown"
	}
}

// Node is one statically configured member of the ring together with its
// live state. Nodes are created once at startup and are never removed; a node
// that leaves the ring is marked not alive.
type Node struct {
	Host        string `json:"host"`          // host or host:ringPort
	ID          int    `json:"id"`            // unique id, ring position and total order
	RingIndex   int    `json:"ring_index"`    // position in the configured node list
	ActiveDisks int    `json:"active_disks"`  // last reported active disk count
	LastFrameID uint64 `json:"last_frame_id"` // highest frame id accepted from this node
	Alive       bool   `json:"alive"`
	Eligible    bool   `json:"eligible"` // may hold an office
	Master      bool   `json:"master"`
	ViceMaster  bool   `json:"vice_master"`
	Local       bool   `json:"local"`
}

// IsLocalNode reports whether n describes the node this process runs on.
func (n Node) IsLocalNode() bool {
	return n.Local
}

// Holds reports whether n currently holds the given office.
func (n Node) Holds(o Office) bool {
	switch o {
	case OfficeMaster:
		return n.Master
	case OfficeViceMaster:
		return n.ViceMaster
	}
	return false
}

// CanHold reports whether n may be elected to office o. A master cannot be
// vice-master at the same time; a vice-master may be promoted to master.
func (n Node) CanHold(o Office) bool {
	if !n.Alive || !n.Eligible {
		return false
	}
	if o == OfficeViceMaster && n.Master {
		return false
	}
	return true
}

// RingAddr returns the address of the node's ring listener.
func (n Node) RingAddr(p Ports) string {
	host, port := n.hostPort(p.Ring)
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// APIAddr returns the address of the node's client API listener.
func (n Node) APIAddr(p Ports) string {
	host, port := n.hostPort(p.Ring)
	return net.JoinHostPort(host, strconv.Itoa(port+p.API-p.Ring))
}

// HTTPAddr returns the address of the node's HTTP listener, used by peers to
// download config files.
func (n Node) HTTPAddr(p Ports) string {
	host, port := n.hostPort(p.Ring)
	return net.JoinHostPort(host, strconv.Itoa(port+p.HTTP-p.Ring))
}

func (n Node) hostPort(def int) (string, int) {
	host, ps, err := net.SplitHostPort(n.Host)
	if err != nil {
		return n.Host, def
	}
	port, err := strconv.Atoi(ps)
	if err != nil {
		return host, def
	}
	return host, port
}

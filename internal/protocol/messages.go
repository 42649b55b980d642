package protocol

import (
	"strings"

	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/configstore"
)

// Version is the ring protocol version carried in Connect. Peers speaking a
// different version are refused.
const Version uint16 = 3

// Type tags every frame on the wire.
type Type uint8

const (
	TypeConnect Type = iota + 1
	TypeConnectResponse
	TypeDisconnect
	TypeHeartbeat
	TypeDiscovery
	TypeElection
	TypeNotification
	TypeUpdate
	TypeCommit
)

var typeNames = map[Type]string{
	TypeConnect:         "connect",
	TypeConnectResponse: "connect-response",
	TypeDisconnect:      "disconnect",
	TypeHeartbeat:       "heartbeat",
	TypeDiscovery:       "discovery",
	TypeElection:        "election",
	TypeNotification:    "notification",
	TypeUpdate:          "update",
	TypeCommit:          "commit",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "type(" + itoa(int(t)) + ")"
}

// Circulates reports whether messages of this type travel around the ring
// until they return to their originator.
func (t Type) Circulates() bool {
	return t >= TypeDiscovery && t <= TypeCommit
}

// MaxHops bounds how far a circulating message may travel in a ring of n
// nodes. A message whose originator left the ring is dropped once it exceeds
// the limit.
func MaxHops(n int) uint16 {
	return uint16(2*n + 2)
}

// Header is common to every message.
type Header struct {
	Type    Type
	FrameID uint64 // per-originator monotonic sequence
	Source  int    // originating node
	Hops    uint16 // ring hops travelled so far
}

// Head returns the header. It is promoted into every message type.
func (h *Header) Head() *Header {
	return h
}

// Message is a member of the closed ring message set. Only types declared in
// this package implement it.
type Message interface {
	Head() *Header
	// Accept dispatches to the visitor method for the concrete type.
	Accept(v Visitor) error

	encodeBody(e *encoder)
	decodeBody(d *decoder)
}

// Visitor handles every message type. Adding a message type adds a method
// here, so every dispatcher fails to compile until it handles the new type.
type Visitor interface {
	VisitConnect(m *Connect) error
	VisitConnectResponse(m *ConnectResponse) error
	VisitDisconnect(m *Disconnect) error
	VisitHeartbeat(m *Heartbeat) error
	VisitDiscovery(m *Discovery) error
	VisitElection(m *Election) error
	VisitNotification(m *Notification) error
	VisitUpdate(m *Update) error
	VisitCommit(m *Commit) error
}

// Versions maps each config file to its active version.
type Versions map[configstore.ConfigFile]int64

// Newer returns the files whose version in other is greater than in v.
func (v Versions) Newer(other Versions) Versions {
	out := Versions{}
	for f, ver := range other {
		if ver > v[f] {
			out[f] = ver
		}
	}
	return out
}

// Equal reports whether both maps name the same version for every file.
func (v Versions) Equal(other Versions) bool {
	for _, f := range configstore.Files() {
		if v[f] != other[f] {
			return false
		}
	}
	return true
}

// Connect opens a ring link. Target names the node the dialer believes it is
// talking to.
type Connect struct {
	Header
	Target          int
	ProtocolVersion uint16
	SoftwareVersion string
	Versions        Versions
}

// Status is the bit set returned in ConnectResponse.
type Status uint8

const (
	// StatusOK accepts the link.
	StatusOK Status = 1 << iota
	// StatusCfgMismatch reports that the acceptor runs different config
	// versions. It may be combined with StatusOK.
	StatusCfgMismatch
	// StatusRefused is a hard refusal: wrong protocol, wrong target or an
	// unknown source.
	StatusRefused
	// StatusVersionMismatch reports a software version difference. It is
	// fatal for the dialer.
	StatusVersionMismatch
	// StatusRejected means a healthier predecessor closer in ring order
	// already holds the slot.
	StatusRejected
)

// Has reports whether every bit of flag is set.
func (s Status) Has(flag Status) bool {
	return s&flag == flag
}

func (s Status) String() string {
	var parts []string
	for _, f := range []struct {
		bit  Status
		name string
	}{
		{StatusOK, "ok"},
		{StatusCfgMismatch, "cfg-mismatch"},
		{StatusRefused, "refused"},
		{StatusVersionMismatch, "version-mismatch"},
		{StatusRejected, "rejected"},
	} {
		if s.Has(f.bit) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ConnectResponse answers Connect. Versions carries the acceptor's active
// config versions so the dialer can catch up on a mismatch.
type ConnectResponse struct {
	Header
	Status          Status
	SoftwareVersion string
	Versions        Versions
}

// Disconnect ends a link. The receiving side echoes it before closing.
type Disconnect struct {
	Header
}

// Heartbeat is exchanged on an idle link.
type Heartbeat struct {
	Header
}

// DiscoveryPhase separates the two laps of a discovery round.
type DiscoveryPhase uint8

const (
	// PhaseCollect gathers the status of every node on the ring.
	PhaseCollect DiscoveryPhase = 1
	// PhaseDistribute circulates the complete view gathered by the collect lap.
	PhaseDistribute DiscoveryPhase = 2
)

func (p DiscoveryPhase) String() string {
	switch p {
	case PhaseCollect:
		return "collect"
	case PhaseDistribute:
		return "distribute"
	}
	return "phase(" + itoa(int(p)) + ")"
}

// NodeStatus is one node's entry in a Discovery view.
type NodeStatus struct {
	ID         int
	Disks      int
	Eligible   bool
	Master     bool
	ViceMaster bool
}

// Discovery carries the set of nodes reachable around the ring. A node is
// alive exactly when it appears in a distributed view.
type Discovery struct {
	Header
	Phase DiscoveryPhase
	Nodes []NodeStatus
}

// Lookup returns the entry for id.
func (m *Discovery) Lookup(id int) (NodeStatus, bool) {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeStatus{}, false
}

// Election applies for an office. Each hop may replace Candidate; the
// originator wins when the candidate is still itself on return. A NotifyOnly
// election announces a result and is applied on every hop.
type Election struct {
	Header
	Office     cluster.Office
	Candidate  int
	NotifyOnly bool
}

// Notification broadcasts the originator's own eligibility and disk count.
type Notification struct {
	Header
	Eligible bool
	Disks    int
}

// Update distributes a new config version. Content is inline for a config
// update, empty for a store (peers fetch from the originator) and ignored for
// a wipe.
type Update struct {
	Header
	File     configstore.ConfigFile
	Version  int64
	Wipe     bool
	Content  []byte
	Checksum string
	Acks     []int
	Nacks    []int
}

// Inline reports whether the content travels in the message.
func (m *Update) Inline() bool {
	return len(m.Content) > 0
}

// Commit activates a version distributed by a prior Update.
type Commit struct {
	Header
	File    configstore.ConfigFile
	Version int64
	Acks    []int
	Nacks   []int
}

func (m *Connect) Accept(v Visitor) error         { return v.VisitConnect(m) }
func (m *ConnectResponse) Accept(v Visitor) error { return v.VisitConnectResponse(m) }
func (m *Disconnect) Accept(v Visitor) error      { return v.VisitDisconnect(m) }
func (m *Heartbeat) Accept(v Visitor) error       { return v.VisitHeartbeat(m) }
func (m *Discovery) Accept(v Visitor) error       { return v.VisitDiscovery(m) }
func (m *Election) Accept(v Visitor) error        { return v.VisitElection(m) }
func (m *Notification) Accept(v Visitor) error    { return v.VisitNotification(m) }
func (m *Update) Accept(v Visitor) error          { return v.VisitUpdate(m) }
func (m *Commit) Accept(v Visitor) error          { return v.VisitCommit(m) }

// New returns an empty message of type t with its header type set.
func New(t Type) (Message, error) {
	var m Message
	switch t {
	case TypeConnect:
		m = &Connect{}
	case TypeConnectResponse:
		m = &ConnectResponse{}
	case TypeDisconnect:
		m = &Disconnect{}
	case TypeHeartbeat:
		m = &Heartbeat{}
	case TypeDiscovery:
		m = &Discovery{}
	case TypeElection:
		m = &Election{}
	case TypeNotification:
		m = &Notification{}
	case TypeUpdate:
		m = &Update{}
	case TypeCommit:
		m = &Commit{}
	default:
		return nil, errUnknownType(t)
	}
	m.Head().Type = t
	return m, nil
}

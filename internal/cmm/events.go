package cmm

import "github.com/dreamware/cmm/internal/protocol"

// Inbound is an event delivered to the lobby through Context.ToLobby.
type Inbound interface {
	inbound()
}

// MessageIn carries a ring message decoded by the receiver.
type MessageIn struct {
	Msg protocol.Message
}

// LinkUp reports that the sender connected to Peer.
type LinkUp struct {
	Peer int
}

// LinkDown reports that the sender lost its successor link.
type LinkDown struct {
	Reason string
	Peer   int
}

// ConfigMismatch reports the active config versions of a peer that differ
// from the local ones.
type ConfigMismatch struct {
	Versions protocol.Versions
	Peer     int
}

func (MessageIn) inbound()      {}
func (LinkUp) inbound()         {}
func (LinkDown) inbound()       {}
func (ConfigMismatch) inbound() {}

// Package cmm holds the runtime context shared by the three protocol
// goroutines of a node: the receiver, the lobby and the sender.
//
// A Context is created fresh for every engine start. It carries the static
// configuration, the node table, the config store and the queues that connect
// the goroutines:
//
//	receiver ──ToLobby──▶ lobby ──ToSender──▶ sender
//	                        ▲                   │
//	                        └──────ToLobby──────┘  (link events)
//
// The lobby is the only writer of the node table. The link state is the one
// piece of mutable state that the sender writes and the lobby reads; it is
// guarded by a mutex inside Link.
package cmm

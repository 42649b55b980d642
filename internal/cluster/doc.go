// Package cluster holds the static, ring-ordered view of the nodes that make
// up a CMM cluster together with their live state.
//
// # Overview
//
// Every node is listed once in the static configuration as an
// "id host eligible" triple. The node id is both the identity of a node and
// its position on the ring: each node keeps one outbound connection to the
// closest reachable node with a larger id (wrapping around to the smallest id)
// and accepts one inbound connection from its predecessor.
//
//	      ┌─────┐       ┌─────┐
//	 ┌───▶│  1  │──────▶│  2  │───┐
//	 │    └─────┘       └─────┘   │
//	 │                            ▼
//	┌─────┐                    ┌─────┐
//	│  5  │◀───────────────────│  3  │
//	└─────┘                    └─────┘
//
// # Core Components
//
// Node: one configured member with its live state (alive, eligible, offices,
// active disk count, last accepted frame id).
//
// Table: all nodes sorted by ring distance from the local node. The local node
// sorts first with distance zero, followed by larger ids in ascending order and
// then smaller ids in ascending order.
//
// # Concurrency Model
//
// Only the lobby goroutine mutates a Table. Every mutation copies the node
// list and publishes it through an atomic pointer, so the sender, receiver and
// API goroutines read consistent snapshots without locking.
//
// # Invariants
//
//   - Exactly one node is local.
//   - At most one node is master and at most one is vice-master.
//   - A node that dies or becomes ineligible loses both offices in the same
//     mutation.
package cluster

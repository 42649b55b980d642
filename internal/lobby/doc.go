// Package lobby implements the protocol core of a CMM node.
//
// The lobby is a single goroutine. It consumes ring messages and link events
// from the runtime context, API requests from its request queue and a periodic
// tick, and it is the only writer of the node table.
//
// # Discovery
//
// A discovery round makes two laps. The collect lap gathers the status of
// every node it passes; when it returns, the originator applies the complete
// view and circulates it again as the distribute lap, which every node
// applies. The master starts a round every latency interval. Any linked node
// starts one when no view has arrived within the discovery timeout.
//
// # Election
//
// An eligible node applies for a vacant office at most once per election
// interval. Each hop replaces the candidate with its own id when that id is
// lower and it may hold the office, so only the application started by the
// lowest such id returns with itself as candidate. The winner announces the
// result with a notify-only election.
//
// # Config replication
//
// Only the master replicates config files, one change at a time. An Update
// lap materializes the new version on every node and collects acks. A Commit
// lap then activates it everywhere. Wipes complete after the Update lap.
package lobby

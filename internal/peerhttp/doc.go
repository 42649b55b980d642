// Package peerhttp serves a node's HTTP port.
//
// Peers download replicated config versions from the master here:
//
//	GET /config/:file/:version   numbered version, digest in X-Checksum
//	GET /config/:file            active version, X-Version names it
//
// Operators get read-only views of the local node:
//
//	GET /health     node id, ring link, offices
//	GET /nodes      the membership table
//	GET /versions   active version of every config file
//
// Handlers never touch the lobby goroutine. The membership table is read
// through its lock-free snapshot.
package peerhttp

// Package api is the client surface of a CMM node.
//
// Service implements API inside the node process by queueing requests for
// the lobby goroutine and waiting for its answer. Every call is bounded by a
// timeout and the number of outstanding calls is capped. Config changes get
// the longer ConfigRequestTimeout because they need two laps of the ring.
//
// Server exposes an API over TCP and Client is its remote counterpart. Each
// frame is a protocol packet with a JSON body:
//
//	request  (tag 1): {"id":"<uuid>","seq":7,"method":"getMaster"}
//	response (tag 2): {"id":"<uuid>","seq":7,"node":{...},"ok":true}
//
// Failed calls carry a stable error code such as NOT_MASTER or BUSY that the
// client maps back to the matching sentinel error, so errors.Is works on
// both sides of the wire.
//
// Notifications are delivered through Hub. A subscriber that stops reading
// loses its oldest events rather than stalling the lobby.
package api

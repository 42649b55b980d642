// Package protocol defines the closed set of ring messages and their binary
// encoding.
//
// Every frame is laid out as
//
//	[type:1][length:4 LE][frameID:8][source:4][hops:2][body]
//
// where length counts everything after the five byte frame header. The API
// port reuses the same outer framing through WritePacket and ReadPacket with
// JSON bodies.
//
// Dispatch goes through Visitor: a component that handles ring traffic
// implements one method per message type and calls m.Accept(v).
package protocol

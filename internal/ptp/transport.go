// Package ptp defines the boundary to the peer-to-peer transport: connection
// creation, signaling blobs, byte delivery, and realtime status. The mesh
// layer treats everything behind this interface as a black box.
package ptp

import "strings"

// EventKind enumerates asynchronous transport notifications.
type EventKind int

const (
	// EventIncomingRequest reports a remote connection attempt awaiting an
	// Accept or Reject decision.
	EventIncomingRequest EventKind = iota
	// EventAccepted reports that the handshake is underway and a route is
	// being negotiated.
	EventAccepted
	// EventEstablished reports a fully usable connection.
	EventEstablished
	// EventClosedByPeer reports the remote side closed the connection.
	EventClosedByPeer
	// EventProblemDetected reports a locally-observed failure.
	EventProblemDetected
)

func (k EventKind) String() string {
	switch k {
	case EventIncomingRequest:
		return "incoming_request"
	case EventAccepted:
		return "accepted"
	case EventEstablished:
		return "established"
	case EventClosedByPeer:
		return "closed_by_peer"
	case EventProblemDetected:
		return "problem_detected"
	default:
		return "unknown"
	}
}

// DisconnectPrefix marks an explicit application-level close reason. Closure
// reasons without it are classified as abnormal by the retry policy.
const DisconnectPrefix = "disconnect:"

// CleanReason builds an explicit-disconnect reason string.
func CleanReason(detail string) string {
	return DisconnectPrefix + detail
}

// IsCleanReason reports whether the closure reason was an explicit disconnect.
func IsCleanReason(reason string) bool {
	return strings.HasPrefix(reason, DisconnectPrefix)
}

// Status is a point-in-time view of a live connection.
type Status struct {
	LatencyMs int
	Direct    bool
	IPv4      bool
	Kind      string
}

// SignalSender carries opaque signaling blobs toward one peer. Implementations
// must be safe to call from transport goroutines.
type SignalSender interface {
	SendSignal(target int64, payload []byte)
}

// Event is one asynchronous notification. Delivered on an unspecified
// goroutine; consumers must queue and drain on their own thread.
type Event struct {
	Conn   Conn
	Remote int64
	Kind   EventKind
	Reason string
}

// Conn is one peer link handle.
type Conn interface {
	// Remote returns the peer's user id.
	Remote() int64
	// Send enqueues one reliable ordered message. Never blocks.
	Send(p []byte) error
	// Receive drains buffered inbound messages. Never blocks.
	Receive() [][]byte
	// Status reports the realtime connection state; ok is false before the
	// connection is established.
	Status() (status Status, ok bool)
	// Close tears the connection down with a human-readable reason.
	Close(reason string)
}

// Transport is the connection factory.
type Transport interface {
	// Listen opens the local listen socket for inbound connection attempts.
	Listen(virtualPort int) error
	// CloseListen invalidates the listen socket; later inbound attempts fail.
	CloseListen()
	// Connect initiates an outbound connection, exchanging handshake blobs
	// through the provided signal sender. Never blocks.
	Connect(remote int64, virtualPort int, signals SignalSender) (Conn, error)
	// Accept admits a pending inbound connection surfaced by
	// EventIncomingRequest.
	Accept(conn Conn) error
	// Reject refuses a pending inbound connection with an explicit reason.
	Reject(conn Conn, reason string)
	// ProcessSignal feeds one inbound signaling blob into the transport. May
	// surface EventIncomingRequest for unknown initiators.
	ProcessSignal(from int64, payload []byte, signals SignalSender)
	// OnEvent registers the global state-change callback. Events arrive on an
	// unspecified goroutine.
	OnEvent(fn func(Event))
	// Close releases all connections and the listen socket.
	Close()
}

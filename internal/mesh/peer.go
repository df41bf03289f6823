// Package mesh owns the set of peer links for the active lobby: signaling
// store-and-forward, connection lifecycle, bounded retry arbitration, and the
// inbound packet queue consumed by the transport shim.
package mesh

import (
	"warfront/client/internal/ptp"
)

// State is the lifecycle position of one peer link.
type State int

const (
	// StateNotConnected covers both "never connected" and "waiting for the
	// peer to re-initiate after a recoverable failure".
	StateNotConnected State = iota
	// StateConnecting means an outbound attempt is in flight.
	StateConnecting
	// StateFindingRoute means the handshake was accepted and a route is being
	// negotiated.
	StateFindingRoute
	// StateConnected means the link carries traffic.
	StateConnected
	// StateFailed is terminal: retries exhausted or retry disallowed.
	StateFailed
	// StateDisconnected is terminal: an explicit, clean closure.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "not_connected"
	case StateConnecting:
		return "connecting"
	case StateFindingRoute:
		return "finding_route"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateDisconnected
}

// LatencyUnknown is returned while no live connection exists.
const LatencyUnknown = -1

// Peer is one link to one lobby member. All access happens on the main tick
// goroutine; the mesh enforces that with its guard.
type Peer struct {
	remote   int64
	state    State
	conn     ptp.Conn
	attempts int

	// latency ring buffer, sized for roughly two minutes of tick samples
	samples []int
	next    int
	filled  int
	worst   int

	// last observed route shape, kept for telemetry after the connection is
	// gone
	lastDirect bool
	lastIPv4   bool
	lastKind   string
}

// NewPeer creates a peer in StateNotConnected with an empty latency history.
func NewPeer(remote int64, historySize int) *Peer {
	if historySize <= 0 {
		historySize = 1
	}
	return &Peer{remote: remote, samples: make([]int, historySize), worst: LatencyUnknown}
}

// Remote returns the peer's user id.
func (p *Peer) Remote() int64 { return p.remote }

// State returns the current lifecycle position.
func (p *Peer) State() State { return p.state }

// Attempts returns how many signaling attempts were made for this remote.
func (p *Peer) Attempts() int { return p.attempts }

func (p *Peer) setState(next State) { p.state = next }

func (p *Peer) bind(conn ptp.Conn) { p.conn = conn }

func (p *Peer) unbind() { p.conn = nil }

// Send enqueues one reliable ordered message. Failures surface to the caller;
// retry policy lives in the mesh.
func (p *Peer) Send(payload []byte) error {
	if p.conn == nil {
		return ErrNoSuchConnection
	}
	return p.conn.Send(payload)
}

// Receive drains every buffered inbound message without blocking.
func (p *Peer) Receive() [][]byte {
	if p.conn == nil {
		return nil
	}
	return p.conn.Receive()
}

// CurrentLatency queries the live connection for its round-trip estimate in
// milliseconds, or LatencyUnknown when no connection exists.
func (p *Peer) CurrentLatency() int {
	if p.conn == nil {
		return LatencyUnknown
	}
	status, ok := p.conn.Status()
	if !ok {
		return LatencyUnknown
	}
	return status.LatencyMs
}

// UpdateLatencyHistogram appends the current sample to the ring and refreshes
// the cached route shape. Called once per mesh tick while connected.
func (p *Peer) UpdateLatencyHistogram() {
	if p.conn == nil {
		return
	}
	status, ok := p.conn.Status()
	if !ok {
		return
	}
	p.lastDirect = status.Direct
	p.lastIPv4 = status.IPv4
	p.lastKind = status.Kind
	sample := status.LatencyMs
	p.samples[p.next] = sample
	p.next = (p.next + 1) % len(p.samples)
	if p.filled < len(p.samples) {
		p.filled++
	}
	if sample > p.worst {
		p.worst = sample
	}
}

// WorstLatency returns the maximum observed sample across the link's life,
// used for simulation run-ahead tuning, or LatencyUnknown when none exists.
func (p *Peer) WorstLatency() int { return p.worst }

// AverageLatency returns the mean of the retained window, or LatencyUnknown.
func (p *Peer) AverageLatency() int {
	if p.filled == 0 {
		return LatencyUnknown
	}
	total := 0
	for i := 0; i < p.filled; i++ {
		total += p.samples[i]
	}
	return total / p.filled
}

// IsDirect reports whether the route avoids a relay. Falls back to the last
// observed value once the connection is gone.
func (p *Peer) IsDirect() bool {
	if p.conn != nil {
		if status, ok := p.conn.Status(); ok {
			return status.Direct
		}
	}
	return p.lastDirect
}

// ConnectionType names the underlying route for diagnostics.
func (p *Peer) ConnectionType() string {
	if p.conn != nil {
		if status, ok := p.conn.Status(); ok {
			return status.Kind
		}
	}
	if p.lastKind == "" {
		return "none"
	}
	return p.lastKind
}

// IsIPv4 reports the address family of the local route endpoint.
func (p *Peer) IsIPv4() bool {
	if p.conn != nil {
		if status, ok := p.conn.Status(); ok {
			return status.IPv4
		}
	}
	return p.lastIPv4
}

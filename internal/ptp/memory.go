package ptp

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// SenderFunc adapts a plain function to the SignalSender interface.
type SenderFunc func(target int64, payload []byte)

// SendSignal implements SignalSender.
func (f SenderFunc) SendSignal(target int64, payload []byte) { f(target, payload) }

type memorySignal struct {
	Kind   string `json:"kind"`
	Port   int    `json:"port,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// MemoryNetwork links in-process endpoints for tests: signaling blobs travel
// through whatever SignalSender the caller wires, while established
// connections exchange bytes directly.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[int64]*MemoryEndpoint
}

// NewMemoryNetwork constructs an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[int64]*MemoryEndpoint)}
}

// Endpoint returns the transport endpoint for the given identity, creating it
// on first use.
func (n *MemoryNetwork) Endpoint(identity int64) *MemoryEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[identity]; ok {
		return ep
	}
	ep := &MemoryEndpoint{network: n, local: identity, conns: make(map[int64]*memoryConn)}
	n.endpoints[identity] = ep
	return ep
}

// MemoryEndpoint implements Transport for one identity.
type MemoryEndpoint struct {
	network   *MemoryNetwork
	local     int64
	listening bool
	callback  func(Event)
	conns     map[int64]*memoryConn
}

var _ Transport = (*MemoryEndpoint)(nil)

type memoryConn struct {
	endpoint    *MemoryEndpoint
	remote      int64
	signals     SignalSender
	established bool
	pending     bool
	closed      bool
	latencyMs   int
	inbox       [][]byte

	// peer is the opposite half of this connection, set when the answer pairs
	// the two generations. Teardown follows this pointer, never the endpoint
	// maps, so closing a superseded half cannot reach a newer connection that
	// happens to share the same user id key.
	peer *memoryConn
}

// OnEvent implements Transport.
func (e *MemoryEndpoint) OnEvent(fn func(Event)) {
	e.network.mu.Lock()
	e.callback = fn
	e.network.mu.Unlock()
}

// Listen implements Transport.
func (e *MemoryEndpoint) Listen(virtualPort int) error {
	e.network.mu.Lock()
	e.listening = true
	e.network.mu.Unlock()
	return nil
}

// CloseListen implements Transport.
func (e *MemoryEndpoint) CloseListen() {
	e.network.mu.Lock()
	e.listening = false
	e.network.mu.Unlock()
}

// Connect implements Transport.
func (e *MemoryEndpoint) Connect(remote int64, virtualPort int, signals SignalSender) (Conn, error) {
	if signals == nil {
		return nil, errors.New("signal sender required")
	}
	e.network.mu.Lock()
	conn := &memoryConn{endpoint: e, remote: remote, signals: signals, latencyMs: 25}
	e.conns[remote] = conn
	e.network.mu.Unlock()
	payload, _ := json.Marshal(memorySignal{Kind: "offer", Port: virtualPort})
	signals.SendSignal(remote, payload)
	return conn, nil
}

// ProcessSignal implements Transport.
func (e *MemoryEndpoint) ProcessSignal(from int64, payload []byte, signals SignalSender) {
	var signal memorySignal
	if err := json.Unmarshal(payload, &signal); err != nil {
		return
	}
	switch signal.Kind {
	case "offer":
		e.handleOffer(from, signals)
	case "answer":
		e.handleAnswer(from)
	case "reject":
		e.handleReject(from, signal.Reason)
	}
}

func (e *MemoryEndpoint) handleOffer(from int64, signals SignalSender) {
	e.network.mu.Lock()
	if !e.listening {
		e.network.mu.Unlock()
		if signals != nil {
			payload, _ := json.Marshal(memorySignal{Kind: "reject", Reason: "listen socket closed"})
			signals.SendSignal(from, payload)
		}
		return
	}
	conn := &memoryConn{endpoint: e, remote: from, signals: signals, pending: true, latencyMs: 25}
	e.conns[from] = conn
	callback := e.callback
	e.network.mu.Unlock()
	if callback != nil {
		callback(Event{Conn: conn, Remote: from, Kind: EventIncomingRequest})
	}
}

func (e *MemoryEndpoint) handleAnswer(from int64) {
	//1.- Pair both half-connections and surface the handshake events on each side.
	e.network.mu.Lock()
	local := e.conns[from]
	remoteEndpoint := e.network.endpoints[from]
	var remote *memoryConn
	if remoteEndpoint != nil {
		remote = remoteEndpoint.conns[e.local]
	}
	var deliveries []func()
	if local != nil && remote != nil {
		local.established = true
		remote.established = true
		remote.pending = false
		local.peer = remote
		remote.peer = local
		for _, pair := range []struct {
			cb   func(Event)
			conn *memoryConn
			peer int64
		}{
			{e.callback, local, from},
			{remoteEndpoint.callback, remote, e.local},
		} {
			if pair.cb == nil {
				continue
			}
			cb, conn, peer := pair.cb, pair.conn, pair.peer
			deliveries = append(deliveries, func() {
				cb(Event{Conn: conn, Remote: peer, Kind: EventAccepted})
				cb(Event{Conn: conn, Remote: peer, Kind: EventEstablished})
			})
		}
	}
	e.network.mu.Unlock()
	for _, deliver := range deliveries {
		deliver()
	}
}

func (e *MemoryEndpoint) handleReject(from int64, reason string) {
	e.network.mu.Lock()
	conn := e.conns[from]
	delete(e.conns, from)
	callback := e.callback
	e.network.mu.Unlock()
	if conn != nil && callback != nil {
		callback(Event{Conn: conn, Remote: from, Kind: EventProblemDetected, Reason: reason})
	}
}

// Accept implements Transport.
func (e *MemoryEndpoint) Accept(conn Conn) error {
	mc, ok := conn.(*memoryConn)
	if !ok {
		return fmt.Errorf("foreign connection handle %T", conn)
	}
	e.network.mu.Lock()
	signals := mc.signals
	e.network.mu.Unlock()
	if signals == nil {
		return errors.New("pending connection has no signaling path")
	}
	payload, _ := json.Marshal(memorySignal{Kind: "answer"})
	signals.SendSignal(mc.remote, payload)
	return nil
}

// Reject implements Transport.
func (e *MemoryEndpoint) Reject(conn Conn, reason string) {
	mc, ok := conn.(*memoryConn)
	if !ok {
		return
	}
	e.network.mu.Lock()
	delete(e.conns, mc.remote)
	signals := mc.signals
	e.network.mu.Unlock()
	if signals != nil {
		payload, _ := json.Marshal(memorySignal{Kind: "reject", Reason: reason})
		signals.SendSignal(mc.remote, payload)
	}
}

// Close implements Transport.
func (e *MemoryEndpoint) Close() {
	e.network.mu.Lock()
	conns := make([]*memoryConn, 0, len(e.conns))
	for _, conn := range e.conns {
		conns = append(conns, conn)
	}
	e.listening = false
	e.network.mu.Unlock()
	for _, conn := range conns {
		conn.Close(CleanReason("transport shutdown"))
	}
}

// InjectProblem simulates a locally-detected failure on the link to remote.
func (e *MemoryEndpoint) InjectProblem(remote int64, reason string) {
	e.network.mu.Lock()
	conn := e.conns[remote]
	if conn != nil {
		conn.closed = true
		conn.established = false
		delete(e.conns, remote)
	}
	callback := e.callback
	e.network.mu.Unlock()
	if conn != nil && callback != nil {
		callback(Event{Conn: conn, Remote: remote, Kind: EventProblemDetected, Reason: reason})
	}
}

// SetLatency overrides the reported round-trip estimate toward remote.
func (e *MemoryEndpoint) SetLatency(remote int64, ms int) {
	e.network.mu.Lock()
	if conn, ok := e.conns[remote]; ok {
		conn.latencyMs = ms
	}
	e.network.mu.Unlock()
}

func (c *memoryConn) Remote() int64 { return c.remote }

func (c *memoryConn) Send(p []byte) error {
	net := c.endpoint.network
	net.mu.Lock()
	if c.closed || !c.established {
		net.mu.Unlock()
		return errors.New("connection not established")
	}
	peer := c.peer
	if peer == nil || peer.closed {
		net.mu.Unlock()
		return errors.New("peer connection gone")
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	peer.inbox = append(peer.inbox, buf)
	net.mu.Unlock()
	return nil
}

func (c *memoryConn) Receive() [][]byte {
	net := c.endpoint.network
	net.mu.Lock()
	pending := c.inbox
	c.inbox = nil
	net.mu.Unlock()
	return pending
}

func (c *memoryConn) Status() (Status, bool) {
	net := c.endpoint.network
	net.mu.Lock()
	defer net.mu.Unlock()
	if c.closed || !c.established {
		return Status{}, false
	}
	return Status{LatencyMs: c.latencyMs, Direct: true, IPv4: true, Kind: "direct-memory"}, true
}

func (c *memoryConn) Close(reason string) {
	net := c.endpoint.network
	net.mu.Lock()
	if c.closed {
		net.mu.Unlock()
		return
	}
	c.closed = true
	c.established = false
	//1.- Drop the map entry only if it still holds this generation; a newer
	// connection under the same user id must survive this teardown.
	if c.endpoint.conns[c.remote] == c {
		delete(c.endpoint.conns, c.remote)
	}
	//2.- Kill only the half that was actually paired with this connection.
	peer := c.peer
	var peerCallback func(Event)
	if peer != nil && !peer.closed {
		peer.closed = true
		peer.established = false
		if peer.endpoint.conns[peer.remote] == peer {
			delete(peer.endpoint.conns, peer.remote)
		}
		peerCallback = peer.endpoint.callback
	} else {
		peer = nil
	}
	net.mu.Unlock()
	//3.- The remote side observes the closure with the initiator's reason attached.
	if peer != nil && peerCallback != nil {
		peerCallback(Event{Conn: peer, Remote: c.endpoint.local, Kind: EventClosedByPeer, Reason: reason})
	}
}

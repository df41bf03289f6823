package mesh

import (
	"errors"
	"sync"

	"warfront/client/internal/coord"
	"warfront/client/internal/events"
	"warfront/client/internal/logging"
	"warfront/client/internal/ptp"
	"warfront/client/internal/tick"
)

// ErrNoSuchConnection reports an unknown target user id, distinguishable from
// a transport-level send failure.
var ErrNoSuchConnection = errors.New("no connection to target user")

// QueuedGamePacket is one inbound simulation payload plus its sender.
type QueuedGamePacket struct {
	SenderID int64
	Payload  []byte
}

// StateChange is published on every peer transition.
type StateChange struct {
	UserID int64
	State  State
}

// Telemetry receives fire-and-forget connectivity samples. The coordination
// client satisfies it.
type Telemetry interface {
	ReportConnectivity(lobbyID int64, sample coord.ConnectivitySample)
}

// Config tunes one mesh instance. A mesh lives as long as its lobby.
type Config struct {
	LocalUserID    int64
	LobbyID        int64
	RetryMax       int
	RetryEnabled   bool
	LatencyHistory int
}

// Mesh owns every peer link of the active lobby, keyed by remote user id, at
// most one per id. All mutation happens on the main tick goroutine; transport
// callbacks only append to the internal event queue.
type Mesh struct {
	cfg       Config
	logger    *logging.Logger
	guard     *tick.Guard
	transport ptp.Transport
	channel   *SignalingChannel
	control   Control
	telemetry Telemetry

	// member answers "is this user id currently in the lobby". Re-evaluated
	// at accept time because membership changes between signaling and
	// completion.
	member func(int64) bool

	peers map[int64]*Peer
	inbox []QueuedGamePacket

	pendingMu sync.Mutex
	pending   []ptp.Event

	// CannotConnect fires with the remote user id on every terminal error
	// closure. It is the only connectivity path that removes a member from
	// the local view.
	CannotConnect events.Feed[int64]
	// StateChanges fires on every peer transition.
	StateChanges events.Feed[StateChange]
}

// New wires a mesh onto a transport. The control link may be nil, which
// disables retries entirely.
func New(cfg Config, transport ptp.Transport, channel *SignalingChannel, control Control, telemetry Telemetry, member func(int64) bool, guard *tick.Guard, logger *logging.Logger) *Mesh {
	if logger == nil {
		logger = logging.L()
	}
	if cfg.LatencyHistory <= 0 {
		cfg.LatencyHistory = 2 * 60 * 30
	}
	m := &Mesh{
		cfg:       cfg,
		logger:    logger,
		guard:     guard,
		transport: transport,
		channel:   channel,
		control:   control,
		telemetry: telemetry,
		member:    member,
		peers:     make(map[int64]*Peer),
	}
	transport.OnEvent(m.enqueue)
	return m
}

// enqueue buffers a transport notification for the next Tick. Runs on
// arbitrary goroutines.
func (m *Mesh) enqueue(ev ptp.Event) {
	m.pendingMu.Lock()
	m.pending = append(m.pending, ev)
	m.pendingMu.Unlock()
}

// OnCannotConnect subscribes to terminal connectivity failures.
func (m *Mesh) OnCannotConnect(fn func(int64)) *events.Subscription[int64] {
	return m.CannotConnect.Subscribe(fn)
}

// DeliverSignal hands one inbound handshake blob from the control channel to
// the signaling queue.
func (m *Mesh) DeliverSignal(from int64, payload []byte) {
	m.channel.Deliver(from, payload)
}

// Listen opens the transport listen socket for inbound peers.
func (m *Mesh) Listen(preferredPort int) error {
	return m.transport.Listen(preferredPort)
}

// StartSignalling begins an outbound connection attempt. An existing link to
// the same user is force-closed first so a half-duplex zombie cannot block
// renegotiation. Connecting to the local id is a logged no-op.
func (m *Mesh) StartSignalling(remote int64, preferredPort int) {
	m.checkGuard()
	if remote == m.cfg.LocalUserID {
		m.logger.Info("refusing to signal self", logging.Int64("user_id", remote))
		return
	}
	attempts := 0
	if existing, ok := m.peers[remote]; ok {
		attempts = existing.attempts
		if existing.conn != nil {
			existing.conn.Close(ptp.CleanReason("superseded by new attempt"))
		}
		delete(m.peers, remote)
	}
	peer := NewPeer(remote, m.cfg.LatencyHistory)
	peer.attempts = attempts + 1
	conn, err := m.transport.Connect(remote, preferredPort, m.channel)
	if err != nil {
		m.logger.Error("starting outbound connection",
			logging.Int64("remote", remote), logging.Error(err))
		m.CannotConnect.Publish(remote)
		return
	}
	peer.bind(conn)
	m.peers[remote] = peer
	m.transition(peer, StateConnecting)
	m.logger.Info("signaling started",
		logging.Int64("remote", remote),
		logging.Int("attempt", peer.attempts))
}

// DisconnectUser closes one link gracefully and drops its entry.
func (m *Mesh) DisconnectUser(remote int64, reason string) {
	m.checkGuard()
	peer, ok := m.peers[remote]
	if !ok {
		return
	}
	if peer.conn != nil {
		peer.conn.Close(ptp.CleanReason(reason))
	}
	m.transition(peer, StateDisconnected)
	delete(m.peers, remote)
}

// DisconnectAll tears down every link and shuts the transport down entirely.
// Used on lobby exit; the mesh is unusable afterwards.
func (m *Mesh) DisconnectAll(reason string) {
	m.checkGuard()
	for remote, peer := range m.peers {
		if peer.conn != nil {
			peer.conn.Close(ptp.CleanReason(reason))
		}
		delete(m.peers, remote)
	}
	m.transport.Close()
	m.inbox = nil
	m.pendingMu.Lock()
	m.pending = nil
	m.pendingMu.Unlock()
}

// SendGamePacket routes one payload to the matching peer link.
func (m *Mesh) SendGamePacket(payload []byte, target int64) error {
	m.checkGuard()
	peer, ok := m.peers[target]
	if !ok {
		return ErrNoSuchConnection
	}
	if err := peer.Send(payload); err != nil {
		m.logger.Warn("game packet send failed",
			logging.Int64("target", target), logging.Error(err))
		return err
	}
	return nil
}

// ReceiveGamePackets hands over the FIFO inbound queue accumulated since the
// previous call.
func (m *Mesh) ReceiveGamePackets() []QueuedGamePacket {
	m.checkGuard()
	packets := m.inbox
	m.inbox = nil
	return packets
}

// Peer returns the link for one remote id.
func (m *Mesh) Peer(remote int64) (*Peer, bool) {
	peer, ok := m.peers[remote]
	return peer, ok
}

// ConnectedTo reports whether the link to remote carries traffic.
func (m *Mesh) ConnectedTo(remote int64) bool {
	peer, ok := m.peers[remote]
	return ok && peer.State() == StateConnected
}

// AllConnected reports whether every listed remote id has a live link.
func (m *Mesh) AllConnected(remotes []int64) bool {
	for _, remote := range remotes {
		if remote == m.cfg.LocalUserID {
			continue
		}
		if !m.ConnectedTo(remote) {
			return false
		}
	}
	return true
}

// WorstLatency returns the maximum latency sample observed across every link,
// or LatencyUnknown.
func (m *Mesh) WorstLatency() int {
	worst := LatencyUnknown
	for _, peer := range m.peers {
		if w := peer.WorstLatency(); w > worst {
			worst = w
		}
	}
	return worst
}

// Tick runs once per engine frame on the main goroutine.
func (m *Mesh) Tick() {
	m.checkGuard()
	//1.- Flush outbound signals and feed buffered inbound blobs to the transport.
	m.channel.Poll(m.control, m.transport)
	//2.- Service the transport's notification queue; this drives transitions.
	m.pendingMu.Lock()
	pending := m.pending
	m.pending = nil
	m.pendingMu.Unlock()
	for _, ev := range pending {
		m.handleEvent(ev)
	}
	//3.- Drain inbound payloads into the FIFO and refresh latency histograms.
	for remote, peer := range m.peers {
		for _, frame := range peer.Receive() {
			m.inbox = append(m.inbox, QueuedGamePacket{SenderID: remote, Payload: frame})
		}
		peer.UpdateLatencyHistogram()
	}
}

func (m *Mesh) handleEvent(ev ptp.Event) {
	switch ev.Kind {
	case ptp.EventIncomingRequest:
		m.handleIncoming(ev)
		return
	}
	peer, ok := m.peers[ev.Remote]
	if !ok || (peer.conn != nil && ev.Conn != nil && peer.conn != ev.Conn) {
		// Stale notification for a connection we already replaced.
		m.logger.Debug("ignoring stale transport event",
			logging.Int64("remote", ev.Remote),
			logging.String("kind", ev.Kind.String()))
		return
	}
	switch ev.Kind {
	case ptp.EventAccepted:
		m.transition(peer, StateFindingRoute)
	case ptp.EventEstablished:
		//1.- Refresh route data before the transition so the connectivity
		// sample produced by it carries the fresh connection type.
		peer.UpdateLatencyHistogram()
		m.transition(peer, StateConnected)
		m.logger.Info("peer connected",
			logging.Int64("remote", ev.Remote),
			logging.String("route", peer.ConnectionType()))
	case ptp.EventClosedByPeer:
		m.handleClosure(peer, ev.Reason, ptp.IsCleanReason(ev.Reason))
	case ptp.EventProblemDetected:
		m.handleClosure(peer, ev.Reason, false)
	}
}

func (m *Mesh) handleIncoming(ev ptp.Event) {
	//1.- Membership is checked now, not at signaling time: the roster may have
	// changed while the handshake was in flight.
	if m.member == nil || !m.member(ev.Remote) {
		m.logger.Warn("rejecting connection from non-member",
			logging.Int64("remote", ev.Remote))
		m.transport.Reject(ev.Conn, "not a member of this lobby")
		return
	}
	attempts := 0
	if existing, ok := m.peers[ev.Remote]; ok {
		attempts = existing.attempts
		if existing.conn != nil {
			existing.conn.Close(ptp.CleanReason("superseded by inbound attempt"))
		}
		delete(m.peers, ev.Remote)
	}
	//2.- An inbound request is the remote's retry of the same connection
	// effort, so it spends an attempt here exactly like StartSignalling does
	// on the initiating side. Keeping the counters in lockstep is what makes
	// exhaustion terminal on both ends at the same cycle.
	peer := NewPeer(ev.Remote, m.cfg.LatencyHistory)
	peer.attempts = attempts + 1
	peer.bind(ev.Conn)
	m.peers[ev.Remote] = peer
	m.transition(peer, StateConnecting)
	if err := m.transport.Accept(ev.Conn); err != nil {
		m.logger.Error("accepting inbound connection",
			logging.Int64("remote", ev.Remote), logging.Error(err))
		m.handleClosure(peer, "accept failed", false)
	}
}

// handleClosure implements the retry arbitration. Recoverable errors park the
// peer in StateNotConnected; the numerically larger user id re-initiates,
// the smaller one waits. Attempts are spent when a connection starts
// (StartSignalling outbound, handleIncoming inbound), never here, so both
// roles exhaust the same budget after the same number of failed cycles.
func (m *Mesh) handleClosure(peer *Peer, reason string, clean bool) {
	peer.unbind()
	retryable := !clean &&
		m.cfg.RetryEnabled &&
		peer.attempts < m.cfg.RetryMax &&
		m.control != nil
	if retryable {
		m.transition(peer, StateNotConnected)
		if m.cfg.LocalUserID > peer.remote {
			m.requestResignal(peer.remote)
		} else {
			m.logger.Info("waiting for peer to re-initiate",
				logging.Int64("remote", peer.remote),
				logging.Int("attempt", peer.attempts))
		}
		return
	}

	if clean {
		m.transition(peer, StateDisconnected)
	} else {
		m.transition(peer, StateFailed)
		m.logger.Warn("peer link failed",
			logging.Int64("remote", peer.remote),
			logging.String("reason", reason),
			logging.Int("attempts", peer.attempts))
	}
	delete(m.peers, peer.remote)
	if !clean {
		m.CannotConnect.Publish(peer.remote)
	}
}

func (m *Mesh) requestResignal(remote int64) {
	frame, err := coord.EncodeMessage(coord.RequestSignalling{
		MsgID:        coord.MsgRequestSignalling,
		TargetUserID: remote,
	})
	if err != nil {
		m.logger.Error("encoding resignal request", logging.Error(err))
		return
	}
	if err := m.control.Send(frame); err != nil {
		m.logger.Warn("resignal request not sent",
			logging.Int64("remote", remote), logging.Error(err))
		return
	}
	m.logger.Info("requested signaling restart", logging.Int64("remote", remote))
}

func (m *Mesh) transition(peer *Peer, next State) {
	if peer.state == next {
		return
	}
	peer.setState(next)
	m.StateChanges.Publish(StateChange{UserID: peer.remote, State: next})
	//1.- Every transition surfaces a connectivity sample except the park while
	// waiting for a retry; that one is internal bookkeeping, not a reportable
	// outcome.
	if next != StateNotConnected {
		m.report(peer)
	}
}

// report uploads one connectivity sample. Failures are observability, not
// correctness, and are swallowed inside the coordination client.
func (m *Mesh) report(peer *Peer) {
	if m.telemetry == nil {
		return
	}
	m.telemetry.ReportConnectivity(m.cfg.LobbyID, coord.ConnectivitySample{
		TargetUserID: peer.remote,
		Direct:       peer.IsDirect(),
		State:        peer.State().String(),
		IPv4:         peer.IsIPv4(),
	})
}

func (m *Mesh) checkGuard() {
	if m.guard != nil {
		m.guard.Check()
	}
}

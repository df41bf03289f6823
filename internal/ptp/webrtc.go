package ptp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"warfront/client/internal/logging"
)

// iceGatherTimeout bounds vanilla-ICE candidate gathering before the SDP is
// handed to the signaling channel.
const iceGatherTimeout = 15 * time.Second

// gameChannelLabel is the single ordered reliable data channel carrying
// simulation traffic between two clients.
const gameChannelLabel = "game"

// byePrefix frames an in-band goodbye carrying the close reason; SCTP channel
// teardown itself has no reason field.
var byePrefix = []byte{0x00, 'b', 'y', 'e', ':'}

// ICEConfig holds the STUN/TURN server set for new peer connections.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// ICEConfigFromTURN builds an ICEConfig from relay URIs and short-lived
// credentials. An empty uri list yields host-candidates-only, which is enough
// for LAN play.
func ICEConfigFromTURN(uris []string, username, token string) ICEConfig {
	if len(uris) == 0 {
		return ICEConfig{}
	}
	return ICEConfig{Servers: []webrtc.ICEServer{{
		URLs:       uris,
		Username:   username,
		Credential: token,
	}}}
}

type rtcSignal struct {
	Kind   string `json:"kind"`
	SDP    string `json:"sdp,omitempty"`
	Port   int    `json:"port,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// WebRTCTransport implements Transport on pion data channels. Signaling is
// vanilla ICE: candidates are gathered in full before the SDP leaves the
// machine, so each handshake needs exactly one offer/answer round trip.
type WebRTCTransport struct {
	logger *logging.Logger

	configMu  sync.RWMutex
	iceConfig ICEConfig

	mu        sync.Mutex
	listening bool
	callback  func(Event)
	peers     map[int64]*webrtcConn
}

var _ Transport = (*WebRTCTransport)(nil)

// NewWebRTCTransport creates an idle transport. Listen must be called before
// inbound offers are honored.
func NewWebRTCTransport(iceConfig ICEConfig, logger *logging.Logger) *WebRTCTransport {
	if logger == nil {
		logger = logging.L()
	}
	return &WebRTCTransport{
		logger:    logger,
		iceConfig: iceConfig,
		peers:     make(map[int64]*webrtcConn),
	}
}

// UpdateICEConfig swaps the server set used by future peer connections.
// Established connections keep their original configuration.
func (t *WebRTCTransport) UpdateICEConfig(config ICEConfig) {
	t.configMu.Lock()
	t.iceConfig = config
	t.configMu.Unlock()
}

// OnEvent implements Transport.
func (t *WebRTCTransport) OnEvent(fn func(Event)) {
	t.mu.Lock()
	t.callback = fn
	t.mu.Unlock()
}

// Listen implements Transport.
func (t *WebRTCTransport) Listen(virtualPort int) error {
	t.mu.Lock()
	t.listening = true
	t.mu.Unlock()
	t.logger.Info("transport listening", logging.Int("virtual_port", virtualPort))
	return nil
}

// CloseListen implements Transport.
func (t *WebRTCTransport) CloseListen() {
	t.mu.Lock()
	t.listening = false
	t.mu.Unlock()
}

// Close implements Transport.
func (t *WebRTCTransport) Close() {
	t.mu.Lock()
	conns := make([]*webrtcConn, 0, len(t.peers))
	for _, conn := range t.peers {
		conns = append(conns, conn)
	}
	t.peers = make(map[int64]*webrtcConn)
	t.listening = false
	t.mu.Unlock()
	for _, conn := range conns {
		conn.teardown()
	}
}

// Connect implements Transport. The offer is built and published on a
// background goroutine so the caller's tick never stalls on ICE gathering.
func (t *WebRTCTransport) Connect(remote int64, virtualPort int, signals SignalSender) (Conn, error) {
	if signals == nil {
		return nil, errors.New("signal sender required")
	}
	conn := newWebRTCConn(t, remote, signals)
	t.mu.Lock()
	if previous, ok := t.peers[remote]; ok {
		go previous.teardown()
	}
	t.peers[remote] = conn
	t.mu.Unlock()
	go conn.runOffer(virtualPort)
	return conn, nil
}

// ProcessSignal implements Transport.
func (t *WebRTCTransport) ProcessSignal(from int64, payload []byte, signals SignalSender) {
	var signal rtcSignal
	if err := json.Unmarshal(payload, &signal); err != nil {
		t.logger.Warn("dropping malformed handshake blob",
			logging.Int64("from", from), logging.Error(err))
		return
	}
	switch signal.Kind {
	case "offer":
		t.handleOffer(from, signal, signals)
	case "answer":
		t.handleAnswer(from, signal)
	case "reject":
		t.handleReject(from, signal.Reason)
	default:
		t.logger.Warn("unknown handshake kind",
			logging.Int64("from", from), logging.String("kind", signal.Kind))
	}
}

func (t *WebRTCTransport) handleOffer(from int64, signal rtcSignal, signals SignalSender) {
	t.mu.Lock()
	listening := t.listening
	t.mu.Unlock()
	if !listening {
		if signals != nil {
			payload, _ := json.Marshal(rtcSignal{Kind: "reject", Reason: "listen socket closed"})
			signals.SendSignal(from, payload)
		}
		return
	}
	//1.- Hold the offer until the application decides; Accept applies the SDP.
	conn := newWebRTCConn(t, from, signals)
	conn.pendingOffer = signal.SDP
	t.mu.Lock()
	if previous, ok := t.peers[from]; ok {
		go previous.teardown()
	}
	t.peers[from] = conn
	t.mu.Unlock()
	t.emit(Event{Conn: conn, Remote: from, Kind: EventIncomingRequest})
}

func (t *WebRTCTransport) handleAnswer(from int64, signal rtcSignal) {
	t.mu.Lock()
	conn := t.peers[from]
	t.mu.Unlock()
	if conn == nil {
		t.logger.Warn("answer for unknown connection", logging.Int64("from", from))
		return
	}
	conn.applyAnswer(signal.SDP)
}

func (t *WebRTCTransport) handleReject(from int64, reason string) {
	t.mu.Lock()
	conn := t.peers[from]
	delete(t.peers, from)
	t.mu.Unlock()
	if conn == nil {
		return
	}
	conn.teardown()
	t.emit(Event{Conn: conn, Remote: from, Kind: EventProblemDetected, Reason: reason})
}

// Accept implements Transport. The answer is built asynchronously for the same
// reason Connect is.
func (t *WebRTCTransport) Accept(conn Conn) error {
	wc, ok := conn.(*webrtcConn)
	if !ok {
		return fmt.Errorf("foreign connection handle %T", conn)
	}
	if wc.pendingOffer == "" {
		return errors.New("connection has no pending offer")
	}
	go wc.runAnswer()
	return nil
}

// Reject implements Transport.
func (t *WebRTCTransport) Reject(conn Conn, reason string) {
	wc, ok := conn.(*webrtcConn)
	if !ok {
		return
	}
	t.mu.Lock()
	if current, ok := t.peers[wc.remote]; ok && current == wc {
		delete(t.peers, wc.remote)
	}
	t.mu.Unlock()
	if wc.signals != nil {
		payload, _ := json.Marshal(rtcSignal{Kind: "reject", Reason: reason})
		wc.signals.SendSignal(wc.remote, payload)
	}
}

func (t *WebRTCTransport) emit(ev Event) {
	t.mu.Lock()
	callback := t.callback
	t.mu.Unlock()
	if callback != nil {
		callback(ev)
	}
}

func (t *WebRTCTransport) forget(conn *webrtcConn) {
	t.mu.Lock()
	if current, ok := t.peers[conn.remote]; ok && current == conn {
		delete(t.peers, conn.remote)
	}
	t.mu.Unlock()
}

func (t *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	t.configMu.RLock()
	config := webrtc.Configuration{ICEServers: t.iceConfig.Servers}
	t.configMu.RUnlock()
	return webrtc.NewPeerConnection(config)
}

type webrtcConn struct {
	transport *WebRTCTransport
	remote    int64
	signals   SignalSender

	// pendingOffer holds an inbound SDP between EventIncomingRequest and
	// Accept. Written before the connection is shared, read-only after.
	pendingOffer string

	mu            sync.Mutex
	pc            *webrtc.PeerConnection
	channel       *webrtc.DataChannel
	established   bool
	closed        bool
	acceptedFired bool
	peerReason    string
	inbox         [][]byte
}

func newWebRTCConn(t *WebRTCTransport, remote int64, signals SignalSender) *webrtcConn {
	return &webrtcConn{transport: t, remote: remote, signals: signals}
}

// runOffer drives the initiator half of the handshake.
func (c *webrtcConn) runOffer(virtualPort int) {
	pc, err := c.transport.newPeerConnection()
	if err != nil {
		c.fail(fmt.Sprintf("creating peer connection: %v", err))
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		pc.Close()
		return
	}
	c.pc = pc
	c.mu.Unlock()

	pc.OnICEConnectionStateChange(c.handleICEState)

	//1.- The initiator owns the game channel; the responder receives it.
	ordered := true
	channel, err := pc.CreateDataChannel(gameChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		c.fail(fmt.Sprintf("creating data channel: %v", err))
		return
	}
	c.bindChannel(channel)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.fail(fmt.Sprintf("creating offer: %v", err))
		return
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		c.fail(fmt.Sprintf("setting local description: %v", err))
		return
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		c.fail("ice gathering timed out")
		return
	}

	payload, _ := json.Marshal(rtcSignal{Kind: "offer", SDP: pc.LocalDescription().SDP, Port: virtualPort})
	c.signals.SendSignal(c.remote, payload)
	c.transport.logger.Debug("offer published", logging.Int64("remote", c.remote))
}

// runAnswer drives the responder half after the application accepted.
func (c *webrtcConn) runAnswer() {
	pc, err := c.transport.newPeerConnection()
	if err != nil {
		c.fail(fmt.Sprintf("creating peer connection: %v", err))
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		pc.Close()
		return
	}
	c.pc = pc
	c.mu.Unlock()

	pc.OnICEConnectionStateChange(c.handleICEState)
	pc.OnDataChannel(func(channel *webrtc.DataChannel) {
		if channel.Label() != gameChannelLabel {
			channel.Close()
			return
		}
		c.bindChannel(channel)
	})

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: c.pendingOffer}
	if err := pc.SetRemoteDescription(remote); err != nil {
		c.fail(fmt.Sprintf("setting remote offer: %v", err))
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		c.fail(fmt.Sprintf("creating answer: %v", err))
		return
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		c.fail(fmt.Sprintf("setting local description: %v", err))
		return
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		c.fail("ice gathering timed out")
		return
	}

	payload, _ := json.Marshal(rtcSignal{Kind: "answer", SDP: pc.LocalDescription().SDP})
	c.signals.SendSignal(c.remote, payload)
	c.transport.logger.Debug("answer published", logging.Int64("remote", c.remote))
}

func (c *webrtcConn) applyAnswer(sdp string) {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		c.fail("answer arrived before local offer completed")
		return
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := pc.SetRemoteDescription(answer); err != nil {
		c.fail(fmt.Sprintf("setting remote answer: %v", err))
	}
}

func (c *webrtcConn) bindChannel(channel *webrtc.DataChannel) {
	channel.OnOpen(func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.channel = channel
		c.established = true
		c.mu.Unlock()
		c.transport.emit(Event{Conn: c, Remote: c.remote, Kind: EventEstablished})
	})
	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		//1.- Goodbye frames carry the peer's close reason; everything else is payload.
		if bytes.HasPrefix(msg.Data, byePrefix) {
			c.mu.Lock()
			c.peerReason = string(msg.Data[len(byePrefix):])
			c.mu.Unlock()
			return
		}
		buf := make([]byte, len(msg.Data))
		copy(buf, msg.Data)
		c.mu.Lock()
		c.inbox = append(c.inbox, buf)
		c.mu.Unlock()
	})
	channel.OnClose(func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.closed = true
		c.established = false
		reason := c.peerReason
		c.mu.Unlock()
		if reason == "" {
			reason = "channel closed"
		}
		c.transport.forget(c)
		c.transport.emit(Event{Conn: c, Remote: c.remote, Kind: EventClosedByPeer, Reason: reason})
	})
}

func (c *webrtcConn) handleICEState(state webrtc.ICEConnectionState) {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		c.mu.Lock()
		fire := !c.acceptedFired && !c.closed
		c.acceptedFired = true
		c.mu.Unlock()
		if fire {
			c.transport.emit(Event{Conn: c, Remote: c.remote, Kind: EventAccepted})
		}
	case webrtc.ICEConnectionStateFailed:
		c.fail("ice failed")
	case webrtc.ICEConnectionStateDisconnected:
		c.fail("ice disconnected")
	}
}

// fail closes the connection locally and surfaces a problem event exactly once.
func (c *webrtcConn) fail(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.established = false
	pc := c.pc
	c.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
	c.transport.forget(c)
	c.transport.emit(Event{Conn: c, Remote: c.remote, Kind: EventProblemDetected, Reason: reason})
}

// teardown releases resources without emitting any event.
func (c *webrtcConn) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.established = false
	pc := c.pc
	c.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
}

// Remote implements Conn.
func (c *webrtcConn) Remote() int64 { return c.remote }

// Send implements Conn.
func (c *webrtcConn) Send(p []byte) error {
	c.mu.Lock()
	channel := c.channel
	ready := c.established && !c.closed
	c.mu.Unlock()
	if !ready || channel == nil {
		return errors.New("connection not established")
	}
	return channel.Send(p)
}

// Receive implements Conn.
func (c *webrtcConn) Receive() [][]byte {
	c.mu.Lock()
	pending := c.inbox
	c.inbox = nil
	c.mu.Unlock()
	return pending
}

// Status implements Conn. Latency and route shape come from the nominated ICE
// candidate pair in the stats report.
func (c *webrtcConn) Status() (Status, bool) {
	c.mu.Lock()
	pc := c.pc
	ready := c.established && !c.closed
	c.mu.Unlock()
	if !ready || pc == nil {
		return Status{}, false
	}

	status := Status{Direct: true, IPv4: true, Kind: "data-channel"}
	report := pc.GetStats()
	for _, raw := range report {
		pair, ok := raw.(webrtc.ICECandidatePairStats)
		if !ok || pair.State != webrtc.StatsICECandidatePairStateSucceeded || !pair.Nominated {
			continue
		}
		status.LatencyMs = int(pair.CurrentRoundTripTime * 1000)
		if local, ok := report[pair.LocalCandidateID].(webrtc.ICECandidateStats); ok {
			if local.CandidateType == webrtc.ICECandidateTypeRelay {
				status.Direct = false
				status.Kind = "relay-turn"
			}
			if ip := net.ParseIP(local.IP); ip != nil {
				status.IPv4 = ip.To4() != nil
			}
		}
		break
	}
	return status, true
}

// Close implements Conn.
func (c *webrtcConn) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.established = false
	pc := c.pc
	channel := c.channel
	c.mu.Unlock()

	//1.- Best-effort goodbye so the peer can classify the closure.
	if channel != nil {
		goodbye := append(append([]byte{}, byePrefix...), reason...)
		_ = channel.Send(goodbye)
		channel.Close()
	}
	if pc != nil {
		pc.Close()
	}
	c.transport.forget(c)
}

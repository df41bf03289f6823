package mesh

import (
	"encoding/json"
	"testing"

	"warfront/client/internal/coord"
	"warfront/client/internal/logging"
	"warfront/client/internal/ptp"
)

type testSide struct {
	id        int64
	endpoint  *ptp.MemoryEndpoint
	channel   *SignalingChannel
	mesh      *Mesh
	resignals []int64
	samples   []coord.ConnectivitySample
}

func (s *testSide) ReportConnectivity(lobbyID int64, sample coord.ConnectivitySample) {
	s.samples = append(s.samples, sample)
}

type testWorld struct {
	network *ptp.MemoryNetwork
	sides   map[int64]*testSide
}

// sideControl routes control frames the way the coordination service would:
// signal payloads are stamped with the sender and pushed at the target.
type sideControl struct {
	world *testWorld
	from  *testSide
}

func (c *sideControl) Send(frame []byte) error {
	var envelope struct {
		MsgID        coord.MessageID `json:"msg_id"`
		TargetUserID int64           `json:"target_user_id"`
		Payload      []byte          `json:"payload"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return err
	}
	switch envelope.MsgID {
	case coord.MsgNetworkSignal:
		if target, ok := c.world.sides[envelope.TargetUserID]; ok {
			target.channel.Deliver(c.from.id, envelope.Payload)
		}
	case coord.MsgRequestSignalling:
		c.from.resignals = append(c.from.resignals, envelope.TargetUserID)
	}
	return nil
}

func newTestWorld(t *testing.T, ids ...int64) *testWorld {
	t.Helper()
	world := &testWorld{network: ptp.NewMemoryNetwork(), sides: make(map[int64]*testSide)}
	members := make(map[int64]bool)
	for _, id := range ids {
		members[id] = true
	}
	for _, id := range ids {
		side := &testSide{id: id, endpoint: world.network.Endpoint(id)}
		side.channel = NewSignalingChannel(8, logging.NewTestLogger())
		side.mesh = New(Config{
			LocalUserID:  id,
			LobbyID:      77,
			RetryMax:     3,
			RetryEnabled: true,
		}, side.endpoint, side.channel, &sideControl{world: world, from: side}, side,
			func(user int64) bool { return members[user] }, nil, logging.NewTestLogger())
		if err := side.mesh.Listen(7000); err != nil {
			t.Fatalf("listen: %v", err)
		}
		world.sides[id] = side
	}
	return world
}

// settle runs enough ticks on every side for queued signals and transport
// notifications to drain.
func (w *testWorld) settle() {
	for i := 0; i < 6; i++ {
		for _, side := range w.sides {
			side.mesh.Tick()
		}
	}
}

func TestStartSignallingEstablishesBothDirections(t *testing.T) {
	world := newTestWorld(t, 100, 200)
	world.sides[100].mesh.StartSignalling(200, 7000)
	world.settle()

	if !world.sides[100].mesh.ConnectedTo(200) {
		t.Fatal("initiator not connected")
	}
	if !world.sides[200].mesh.ConnectedTo(100) {
		t.Fatal("responder not connected")
	}

	//1.- Payloads route by user id and arrive FIFO with the sender attached.
	if err := world.sides[100].mesh.SendGamePacket([]byte("orders"), 200); err != nil {
		t.Fatalf("send: %v", err)
	}
	world.settle()
	packets := world.sides[200].mesh.ReceiveGamePackets()
	if len(packets) != 1 || packets[0].SenderID != 100 || string(packets[0].Payload) != "orders" {
		t.Fatalf("packets = %+v", packets)
	}
}

func TestAtMostOneConnectionPerPeer(t *testing.T) {
	world := newTestWorld(t, 100, 200)
	local := world.sides[100]
	for i := 0; i < 4; i++ {
		local.mesh.StartSignalling(200, 7000)
	}
	if len(local.mesh.peers) != 1 {
		t.Fatalf("peer count = %d", len(local.mesh.peers))
	}
	world.settle()
	if len(local.mesh.peers) != 1 {
		t.Fatalf("peer count after settle = %d", len(local.mesh.peers))
	}
}

func TestStartSignallingSelfIsNoOp(t *testing.T) {
	world := newTestWorld(t, 100)
	world.sides[100].mesh.StartSignalling(100, 7000)
	if len(world.sides[100].mesh.peers) != 0 {
		t.Fatal("self-connection recorded")
	}
}

func TestSendToUnknownUserReturnsDistinctError(t *testing.T) {
	world := newTestWorld(t, 100)
	if err := world.sides[100].mesh.SendGamePacket([]byte("x"), 999); err != ErrNoSuchConnection {
		t.Fatalf("err = %v", err)
	}
}

func TestSmallerIDWaitsAfterRecoverableProblem(t *testing.T) {
	world := newTestWorld(t, 100, 200)
	local := world.sides[100]
	local.mesh.StartSignalling(200, 7000)
	world.settle()

	//1.- A locally detected problem with retry budget left must park the peer,
	// not fail it, and 100 < 200 means 100 does not re-signal.
	reported := len(local.samples)
	local.endpoint.InjectProblem(200, "ice timeout")
	world.sides[100].mesh.Tick()

	peer, ok := local.mesh.Peer(200)
	if !ok {
		t.Fatal("peer removed during deferred retry")
	}
	if peer.State() != StateNotConnected {
		t.Fatalf("state = %v", peer.State())
	}
	if len(local.resignals) != 0 {
		t.Fatalf("smaller id sent resignal requests: %v", local.resignals)
	}
	if len(local.samples) != reported {
		// The deferred retry must not upload telemetry.
		t.Fatalf("samples = %+v", local.samples)
	}
}

func TestLargerIDRequestsResignal(t *testing.T) {
	world := newTestWorld(t, 100, 200)
	remote := world.sides[200]
	remote.mesh.StartSignalling(100, 7000)
	world.settle()

	remote.endpoint.InjectProblem(100, "ice timeout")
	remote.mesh.Tick()

	if len(remote.resignals) != 1 || remote.resignals[0] != 100 {
		t.Fatalf("resignals = %v", remote.resignals)
	}
	if peer, _ := remote.mesh.Peer(100); peer.State() != StateNotConnected {
		t.Fatalf("state = %v", peer.State())
	}
}

func TestRetriesExhaustToTerminalFailure(t *testing.T) {
	world := newTestWorld(t, 100, 200)
	local := world.sides[100]

	var cannotConnect []int64
	local.mesh.CannotConnect.Subscribe(func(id int64) { cannotConnect = append(cannotConnect, id) })

	//1.- Every StartSignalling spends one attempt, so the third failure lands
	// with the budget exhausted and the closure goes terminal.
	for attempt := 0; attempt < 3; attempt++ {
		local.mesh.StartSignalling(200, 7000)
		world.settle()
		local.endpoint.InjectProblem(200, "ice timeout")
		world.settle()
	}

	if _, ok := local.mesh.Peer(200); ok {
		t.Fatal("failed peer still registered")
	}
	if len(cannotConnect) != 1 || cannotConnect[0] != 200 {
		t.Fatalf("cannot-connect events = %v", cannotConnect)
	}
	last := local.samples[len(local.samples)-1]
	if last.State != StateFailed.String() || last.TargetUserID != 200 {
		t.Fatalf("last sample = %+v", last)
	}
}

func TestRetryExhaustionIsTerminalOnBothSides(t *testing.T) {
	world := newTestWorld(t, 100, 200)
	small := world.sides[100]
	large := world.sides[200]

	var smallFailures, largeFailures []int64
	small.mesh.CannotConnect.Subscribe(func(id int64) { smallFailures = append(smallFailures, id) })
	large.mesh.CannotConnect.Subscribe(func(id int64) { largeFailures = append(largeFailures, id) })

	large.mesh.StartSignalling(100, 7000)
	world.settle()
	if !small.mesh.ConnectedTo(200) || !large.mesh.ConnectedTo(100) {
		t.Fatal("initial link not established")
	}

	//1.- Each cycle breaks the link on both halves. The larger id asks for a
	// signaling restart and we replay it the way the service would, so both
	// counters walk through the same attempt numbers.
	for cycle := 0; cycle < 3; cycle++ {
		large.endpoint.InjectProblem(100, "ice timeout")
		small.endpoint.InjectProblem(200, "ice timeout")
		world.settle()
		if cycle < 2 {
			if len(large.resignals) != cycle+1 {
				t.Fatalf("cycle %d: resignal requests = %v", cycle, large.resignals)
			}
			large.mesh.StartSignalling(100, 7000)
			world.settle()
		}
	}

	//2.- Exhaustion is terminal on the waiting side too, not just the
	// initiator's: both drop the peer and both surface cannot-connect.
	if _, ok := large.mesh.Peer(100); ok {
		t.Fatal("initiator kept its failed peer")
	}
	if _, ok := small.mesh.Peer(200); ok {
		t.Fatal("waiting side kept its failed peer")
	}
	if len(largeFailures) != 1 || largeFailures[0] != 100 {
		t.Fatalf("initiator cannot-connect = %v", largeFailures)
	}
	if len(smallFailures) != 1 || smallFailures[0] != 200 {
		t.Fatalf("waiting side cannot-connect = %v", smallFailures)
	}
	if last := small.samples[len(small.samples)-1]; last.State != StateFailed.String() {
		t.Fatalf("waiting side last sample = %+v", last)
	}
	if last := large.samples[len(large.samples)-1]; last.State != StateFailed.String() {
		t.Fatalf("initiator last sample = %+v", last)
	}
}

func TestNoControlChannelForcesNonRetryable(t *testing.T) {
	network := ptp.NewMemoryNetwork()
	endpoint := network.Endpoint(100)
	channel := NewSignalingChannel(8, logging.NewTestLogger())
	side := &testSide{id: 100}
	m := New(Config{LocalUserID: 100, RetryMax: 3, RetryEnabled: true},
		endpoint, channel, nil, side, func(int64) bool { return true }, nil, logging.NewTestLogger())

	m.StartSignalling(200, 7000)
	endpoint.InjectProblem(200, "ice timeout")
	m.Tick()

	if _, ok := m.Peer(200); ok {
		t.Fatal("peer survived without a control channel to retry through")
	}
	if len(side.samples) == 0 || side.samples[len(side.samples)-1].State != StateFailed.String() {
		t.Fatalf("samples = %+v", side.samples)
	}
}

func TestCleanDisconnectDoesNotFireCannotConnect(t *testing.T) {
	world := newTestWorld(t, 100, 200)
	local := world.sides[100]
	remote := world.sides[200]
	local.mesh.StartSignalling(200, 7000)
	world.settle()

	var cannotConnect int
	remote.mesh.CannotConnect.Subscribe(func(int64) { cannotConnect++ })

	local.mesh.DisconnectUser(200, "leaving lobby")
	world.settle()

	if cannotConnect != 0 {
		t.Fatal("clean closure escalated to cannot-connect")
	}
	if _, ok := remote.mesh.Peer(100); ok {
		t.Fatal("remote kept the disconnected peer")
	}
}

func TestNonMemberRejectedAtAcceptTime(t *testing.T) {
	world := newTestWorld(t, 100, 200)
	//1.- 300 is not in the member set; its inbound attempt must be refused,
	// surfacing a problem on the initiator side.
	intruder := world.network.Endpoint(300)
	intruderChannel := NewSignalingChannel(8, logging.NewTestLogger())
	intruderSide := &testSide{id: 300, endpoint: intruder, channel: intruderChannel}
	intruderMesh := New(Config{LocalUserID: 300, RetryMax: 0},
		intruder, intruderChannel, &sideControl{world: world, from: intruderSide}, intruderSide,
		func(int64) bool { return true }, nil, logging.NewTestLogger())
	intruderSide.mesh = intruderMesh
	world.sides[300] = intruderSide

	intruderMesh.StartSignalling(100, 7000)
	world.settle()

	if world.sides[100].mesh.ConnectedTo(300) {
		t.Fatal("non-member connected")
	}
	if _, ok := intruderMesh.Peer(100); ok {
		t.Fatal("rejected initiator kept its peer entry")
	}
}

func TestDisconnectAllClearsEverything(t *testing.T) {
	world := newTestWorld(t, 100, 200)
	local := world.sides[100]
	local.mesh.StartSignalling(200, 7000)
	world.settle()
	local.mesh.SendGamePacket([]byte("x"), 200)
	world.settle()

	local.mesh.DisconnectAll("leaving lobby")
	if len(local.mesh.peers) != 0 {
		t.Fatal("peers survived DisconnectAll")
	}
	if packets := local.mesh.ReceiveGamePackets(); len(packets) != 0 {
		t.Fatalf("inbox survived: %d packets", len(packets))
	}

	//1.- The transport is gone with the lobby: a fresh inbound attempt must not
	// reach the torn-down side.
	world.sides[200].mesh.StartSignalling(100, 7000)
	world.settle()
	if world.sides[200].mesh.ConnectedTo(100) {
		t.Fatal("remote connected through a closed transport")
	}
	if len(local.mesh.peers) != 0 {
		t.Fatal("closed transport admitted a peer")
	}
}

func TestOutboundSignalQueueDropsOldest(t *testing.T) {
	channel := NewSignalingChannel(3, logging.NewTestLogger())
	for i := 0; i < 5; i++ {
		channel.SendSignal(int64(i), []byte{byte(i)})
	}
	if channel.Dropped() != 2 {
		t.Fatalf("dropped = %d", channel.Dropped())
	}

	var sent []int64
	control := controlFunc(func(frame []byte) error {
		var signal coord.Signal
		if err := json.Unmarshal(frame, &signal); err != nil {
			return err
		}
		sent = append(sent, signal.TargetUserID)
		return nil
	})
	channel.Poll(control, nil)
	if len(sent) != 3 || sent[0] != 2 || sent[2] != 4 {
		t.Fatalf("sent = %v", sent)
	}
}

type controlFunc func([]byte) error

func (f controlFunc) Send(frame []byte) error { return f(frame) }

func TestLatencyHistogramTracksWorst(t *testing.T) {
	world := newTestWorld(t, 100, 200)
	local := world.sides[100]
	local.mesh.StartSignalling(200, 7000)
	world.settle()

	local.endpoint.SetLatency(200, 90)
	local.mesh.Tick()
	local.endpoint.SetLatency(200, 40)
	local.mesh.Tick()

	peer, _ := local.mesh.Peer(200)
	if peer.WorstLatency() != 90 {
		t.Fatalf("worst = %d", peer.WorstLatency())
	}
	if peer.CurrentLatency() != 40 {
		t.Fatalf("current = %d", peer.CurrentLatency())
	}
	if world.sides[100].mesh.WorstLatency() != 90 {
		t.Fatalf("mesh worst = %d", world.sides[100].mesh.WorstLatency())
	}
}

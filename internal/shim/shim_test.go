package shim

import (
	"bytes"
	"testing"

	"warfront/client/internal/logging"
	"warfront/client/internal/mesh"
)

type fakeMesh struct {
	sent    []sentPacket
	sendErr error
	inbound []mesh.QueuedGamePacket
}

type sentPacket struct {
	target  int64
	payload []byte
}

func (f *fakeMesh) SendGamePacket(payload []byte, target int64) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentPacket{target: target, payload: payload})
	return nil
}

func (f *fakeMesh) ReceiveGamePackets() []mesh.QueuedGamePacket {
	packets := f.inbound
	f.inbound = nil
	return packets
}

type fakeResolver struct {
	bySlot map[int]int64
	byUser map[int64]int
}

func newFakeResolver(seats map[int]int64) *fakeResolver {
	r := &fakeResolver{bySlot: seats, byUser: make(map[int64]int)}
	for slot, user := range seats {
		r.byUser[user] = slot
	}
	return r
}

func (r *fakeResolver) UserAtSlot(index int) (int64, bool) {
	user, ok := r.bySlot[index]
	return user, ok
}

func (r *fakeResolver) SlotOfUser(userID int64) (int, bool) {
	slot, ok := r.byUser[userID]
	return slot, ok
}

func TestSendToSlotResolvesOccupant(t *testing.T) {
	m := &fakeMesh{}
	shim := New(m, newFakeResolver(map[int]int64{1: 200}), 8, 0, logging.NewTestLogger())

	if err := shim.SendToSlot(1, []byte("orders")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(m.sent) != 1 || m.sent[0].target != 200 {
		t.Fatalf("sent = %+v", m.sent)
	}
	//1.- The wire frame round-trips through the decoder.
	payload, ok := decodeFrame(m.sent[0].payload)
	if !ok || !bytes.Equal(payload, []byte("orders")) {
		t.Fatalf("frame did not round-trip: %q %v", payload, ok)
	}
}

func TestSendToUnoccupiedSlotFailsWithoutPanic(t *testing.T) {
	shim := New(&fakeMesh{}, newFakeResolver(map[int]int64{}), 8, 0, logging.NewTestLogger())
	if err := shim.SendToSlot(3, []byte("x")); err != ErrSlotUnoccupied {
		t.Fatalf("err = %v", err)
	}
}

func TestSendOversizedDatagramRejected(t *testing.T) {
	shim := New(&fakeMesh{}, newFakeResolver(map[int]int64{0: 200}), 8, 4, logging.NewTestLogger())
	if err := shim.SendToSlot(0, []byte("too large")); err != ErrDatagramTooLarge {
		t.Fatalf("err = %v", err)
	}
}

func TestTickReassemblesAndAttributesFrames(t *testing.T) {
	m := &fakeMesh{inbound: []mesh.QueuedGamePacket{
		{SenderID: 200, Payload: encodeFrame([]byte("alpha"))},
		{SenderID: 300, Payload: encodeFrame([]byte("beta"))},
	}}
	shim := New(m, newFakeResolver(map[int]int64{0: 200, 1: 300}), 8, 0, logging.NewTestLogger())

	shim.Tick()
	datagrams := shim.Drain()
	if len(datagrams) != 2 {
		t.Fatalf("datagrams = %+v", datagrams)
	}
	if datagrams[0].SenderSlot != 0 || string(datagrams[0].Payload) != "alpha" {
		t.Fatalf("first = %+v", datagrams[0])
	}
	if datagrams[1].SenderID != 300 || datagrams[1].SenderSlot != 1 {
		t.Fatalf("second = %+v", datagrams[1])
	}
	if got := shim.Drain(); len(got) != 0 {
		t.Fatal("drain not consuming")
	}
}

func TestCorruptFramesCountedAsUnknown(t *testing.T) {
	good := encodeFrame([]byte("fine"))
	corrupt := encodeFrame([]byte("tampered"))
	corrupt[headerSize] ^= 0xFF
	badMagic := encodeFrame([]byte("x"))
	badMagic[0] = 0
	m := &fakeMesh{inbound: []mesh.QueuedGamePacket{
		{SenderID: 200, Payload: good},
		{SenderID: 200, Payload: corrupt},
		{SenderID: 200, Payload: badMagic},
		{SenderID: 200, Payload: []byte("short")},
	}}
	shim := New(m, newFakeResolver(map[int]int64{0: 200}), 8, 0, logging.NewTestLogger())

	shim.Tick()
	if got := shim.UnknownFrames(); got != 3 {
		t.Fatalf("unknown = %d", got)
	}
	if datagrams := shim.Drain(); len(datagrams) != 1 || string(datagrams[0].Payload) != "fine" {
		t.Fatalf("datagrams = %+v", datagrams)
	}
}

func TestReceiveSlotsBoundDropsSilently(t *testing.T) {
	m := &fakeMesh{}
	for i := 0; i < 5; i++ {
		m.inbound = append(m.inbound, mesh.QueuedGamePacket{SenderID: 200, Payload: encodeFrame([]byte{byte(i)})})
	}
	shim := New(m, newFakeResolver(map[int]int64{0: 200}), 3, 0, logging.NewTestLogger())

	shim.Tick()
	datagrams := shim.Drain()
	if len(datagrams) != 3 {
		t.Fatalf("kept %d datagrams", len(datagrams))
	}
	//1.- Arrival order wins: the oldest three survive, the overflow is dropped.
	if datagrams[0].Payload[0] != 0 || datagrams[2].Payload[0] != 2 {
		t.Fatalf("order = %+v", datagrams)
	}
	if shim.DroppedFrames() != 2 {
		t.Fatalf("dropped = %d", shim.DroppedFrames())
	}
	if shim.UnknownFrames() != 0 {
		t.Fatal("valid frames misclassified")
	}
}

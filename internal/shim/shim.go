// Package shim adapts the mesh's message-oriented, per-user channels to the
// engine's fixed-slot, fixed-size-datagram abstraction used by the simulation
// layer.
package shim

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"warfront/client/internal/logging"
	"warfront/client/internal/mesh"
)

// frameMagic marks the start of every simulation datagram on the wire.
const frameMagic uint32 = 0x57465054

// headerSize is magic + length + crc.
const headerSize = 12

// DefaultReceiveSlots is the inbound buffer capacity when none is configured.
const DefaultReceiveSlots = 64

// ErrSlotUnoccupied reports an outbound datagram aimed at a seat with no human
// occupant, or a stale slot resolution.
var ErrSlotUnoccupied = errors.New("destination slot has no occupant")

// ErrDatagramTooLarge reports a payload over the configured datagram size.
var ErrDatagramTooLarge = errors.New("datagram exceeds maximum size")

// SlotResolver maps between seat indices and user ids. The local game object
// satisfies it.
type SlotResolver interface {
	UserAtSlot(index int) (int64, bool)
	SlotOfUser(userID int64) (int, bool)
}

// PacketMesh is the slice of the connection mesh the shim uses.
type PacketMesh interface {
	SendGamePacket(payload []byte, target int64) error
	ReceiveGamePackets() []mesh.QueuedGamePacket
}

// Datagram is one reassembled inbound frame in arrival order.
type Datagram struct {
	SenderID   int64
	SenderSlot int
	Payload    []byte
}

// Transport is the engine-facing datagram endpoint. Main goroutine only.
type Transport struct {
	mesh     PacketMesh
	resolver SlotResolver
	logger   *logging.Logger

	maxPayload int
	capacity   int
	received   []Datagram
	unknown    uint64
	dropped    uint64
}

// New builds a shim over the mesh. maxPayload bounds outbound datagram size;
// zero disables the check.
func New(packetMesh PacketMesh, resolver SlotResolver, capacity, maxPayload int, logger *logging.Logger) *Transport {
	if capacity <= 0 {
		capacity = DefaultReceiveSlots
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Transport{
		mesh:       packetMesh,
		resolver:   resolver,
		logger:     logger,
		capacity:   capacity,
		maxPayload: maxPayload,
	}
}

// SetResolver swaps the slot table, typically on lobby change.
func (t *Transport) SetResolver(resolver SlotResolver) { t.resolver = resolver }

// SendToSlot frames one datagram and routes it to the seat's occupant. A
// stale or unoccupied destination fails the send without panicking.
func (t *Transport) SendToSlot(slot int, payload []byte) error {
	if t.maxPayload > 0 && len(payload) > t.maxPayload {
		return ErrDatagramTooLarge
	}
	if t.resolver == nil {
		return ErrSlotUnoccupied
	}
	target, ok := t.resolver.UserAtSlot(slot)
	if !ok {
		t.logger.Debug("send to unoccupied slot", logging.Int("slot", slot))
		return ErrSlotUnoccupied
	}
	return t.mesh.SendGamePacket(encodeFrame(payload), target)
}

// Tick drains the mesh's inbound queue into the receive slots. Frames failing
// the magic or checksum are counted as unknown; frames beyond capacity are
// silently dropped, matching the datagram contract's lack of backpressure.
func (t *Transport) Tick() {
	for _, packet := range t.mesh.ReceiveGamePackets() {
		payload, ok := decodeFrame(packet.Payload)
		if !ok {
			t.unknown++
			continue
		}
		if lossSimDrop() {
			continue
		}
		if len(t.received) >= t.capacity {
			t.dropped++
			continue
		}
		slot := -1
		if t.resolver != nil {
			if index, ok := t.resolver.SlotOfUser(packet.SenderID); ok {
				slot = index
			}
		}
		t.received = append(t.received, Datagram{
			SenderID:   packet.SenderID,
			SenderSlot: slot,
			Payload:    payload,
		})
	}
}

// Drain hands over the buffered datagrams in arrival order.
func (t *Transport) Drain() []Datagram {
	datagrams := t.received
	t.received = nil
	return datagrams
}

// UnknownFrames counts inbound frames that failed validation.
func (t *Transport) UnknownFrames() uint64 { return t.unknown }

// DroppedFrames counts valid frames discarded because all slots were full.
func (t *Transport) DroppedFrames() uint64 { return t.dropped }

func encodeFrame(payload []byte) []byte {
	frame := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], frameMagic)
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[8:12], crc32.ChecksumIEEE(payload))
	copy(frame[headerSize:], payload)
	return frame
}

func decodeFrame(frame []byte) ([]byte, bool) {
	if len(frame) < headerSize {
		return nil, false
	}
	if binary.LittleEndian.Uint32(frame[0:4]) != frameMagic {
		return nil, false
	}
	length := binary.LittleEndian.Uint32(frame[4:8])
	payload := frame[headerSize:]
	if uint32(len(payload)) != length {
		return nil, false
	}
	if binary.LittleEndian.Uint32(frame[8:12]) != crc32.ChecksumIEEE(payload) {
		return nil, false
	}
	return payload, true
}

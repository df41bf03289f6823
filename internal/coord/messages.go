package coord

import (
	"encoding/json"
	"fmt"
)

// MessageID discriminates control-channel payloads. Every frame is JSON with a
// required integer msg_id; ids are part of the wire contract.
type MessageID int

const (
	MsgStartSignalling    MessageID = 20
	MsgDisconnectPlayer   MessageID = 21
	MsgNetworkSignal      MessageID = 22
	MsgRequestSignalling  MessageID = 23
	MsgLobbyUpdate        MessageID = 40
	MsgRoomChatFromClient MessageID = 41
	MsgChatFromServer     MessageID = 42
)

// Envelope is the minimal frame shape used to discriminate inbound messages.
type Envelope struct {
	MsgID MessageID `json:"msg_id"`
}

// StartSignalling instructs the client to begin signaling toward a peer.
type StartSignalling struct {
	MsgID         MessageID `json:"msg_id"`
	LobbyID       int64     `json:"lobby_id,omitempty"`
	UserID        int64     `json:"user_id"`
	PreferredPort int       `json:"preferred_port"`
}

// DisconnectPlayer instructs the client to drop its link to a peer.
type DisconnectPlayer struct {
	MsgID   MessageID `json:"msg_id"`
	LobbyID int64     `json:"lobby_id"`
	UserID  int64     `json:"user_id"`
}

// Signal relays an opaque connection-setup blob between two peers. On outbound
// frames TargetUserID names the destination; the service stamps UserID with
// the sender before delivery.
type Signal struct {
	MsgID        MessageID `json:"msg_id"`
	TargetUserID int64     `json:"target_user_id"`
	UserID       int64     `json:"user_id,omitempty"`
	Payload      []byte    `json:"payload"`
}

// RequestSignalling asks the service to restart signaling with a peer after a
// link failure. Outbound only.
type RequestSignalling struct {
	MsgID        MessageID `json:"msg_id"`
	TargetUserID int64     `json:"target_user_id"`
}

// LobbyUpdate is a push trigger: the current lobby changed, refresh it. No
// payload beyond the id.
type LobbyUpdate struct {
	MsgID MessageID `json:"msg_id"`
}

// RoomChat carries lobby chat in both directions.
type RoomChat struct {
	MsgID       MessageID `json:"msg_id"`
	UserID      int64     `json:"user_id,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Text        string    `json:"text"`
}

// EncodeMessage marshals an outbound control message to a text frame.
func EncodeMessage(message any) ([]byte, error) {
	return json.Marshal(message)
}

// DecodeEnvelope extracts the message id from a raw control frame.
func DecodeEnvelope(raw []byte) (MessageID, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, fmt.Errorf("malformed control frame: %w", err)
	}
	if env.MsgID == 0 {
		return 0, fmt.Errorf("control frame missing msg_id")
	}
	return env.MsgID, nil
}

package lobby

import (
	"encoding/json"
	"time"

	"warfront/client/internal/coord"
	"warfront/client/internal/logging"
)

// update posts one fire-and-forget field change. The local lobby object is
// never mutated here; the next refresh is the only source of truth. Every
// settings change also disarms the auto-ready countdown because it invalidates
// prior ready confirmations.
func (s *Session) update(field coord.UpdateField, args map[string]any) {
	s.checkGuard()
	if s.phase != PhaseInLobby || s.lobby == nil {
		s.logger.Warn("field update outside lobby", logging.String("field", field.String()))
		return
	}
	s.coordinator.UpdateField(s.lobby.LobbyID, field, args)
	s.autoReadyDeadline = time.Time{}
}

// UpdateMap selects a different map for the lobby. Host only by convention;
// the service enforces it.
func (s *Session) UpdateMap(name, path string, official bool, crc uint32, size int64) {
	s.update(coord.FieldLobbyMap, map[string]any{
		"map_name":     name,
		"map_path":     path,
		"map_official": official,
		"map_crc":      crc,
		"map_size":     size,
	})
}

// UpdateMySide changes the local player's faction.
func (s *Session) UpdateMySide(side int) {
	s.update(coord.FieldMySide, map[string]any{"side": side})
}

// UpdateMyColor changes the local player's color.
func (s *Session) UpdateMyColor(color int) {
	s.update(coord.FieldMyColor, map[string]any{"color": color})
}

// UpdateMyTeam changes the local player's team.
func (s *Session) UpdateMyTeam(team int) {
	s.update(coord.FieldMyTeam, map[string]any{"team": team})
}

// UpdateMyStartPosition changes the local player's starting position.
func (s *Session) UpdateMyStartPosition(position int) {
	s.update(coord.FieldMyStartPosition, map[string]any{"start_position": position})
}

// UpdateStartingCash changes the match's starting money.
func (s *Session) UpdateStartingCash(amount int) {
	s.update(coord.FieldStartingCash, map[string]any{"starting_cash": amount})
}

// UpdateLimitSuperweapons toggles the superweapon limit.
func (s *Session) UpdateLimitSuperweapons(limit bool) {
	s.update(coord.FieldLimitSuperweapons, map[string]any{"limit_superweapons": limit})
}

// ForceStart asks the service to begin the match.
func (s *Session) ForceStart() {
	s.update(coord.FieldForceStart, map[string]any{"force": true})
}

// SetLocalHasMap reports whether the local player holds the selected map.
func (s *Session) SetLocalHasMap(hasMap bool) {
	s.update(coord.FieldLocalPlayerHasMap, map[string]any{"has_map": hasMap})
}

// KickUser removes a member. Host only.
func (s *Session) KickUser(userID int64) {
	s.update(coord.FieldKickUser, map[string]any{"user_id": userID})
}

// SetSlotState opens, closes, or assigns an AI to a seat. Host only.
func (s *Session) SetSlotState(slotIndex int, state coord.SlotState) {
	s.update(coord.FieldSetSlotState, map[string]any{
		"slot_index": slotIndex,
		"slot_state": int(state),
	})
}

// UpdateAISide changes an AI seat's faction. Host only.
func (s *Session) UpdateAISide(slotIndex, side int) {
	s.update(coord.FieldAISide, map[string]any{"slot_index": slotIndex, "side": side})
}

// UpdateAIColor changes an AI seat's color. Host only.
func (s *Session) UpdateAIColor(slotIndex, color int) {
	s.update(coord.FieldAIColor, map[string]any{"slot_index": slotIndex, "color": color})
}

// UpdateAITeam changes an AI seat's team. Host only.
func (s *Session) UpdateAITeam(slotIndex, team int) {
	s.update(coord.FieldAITeam, map[string]any{"slot_index": slotIndex, "team": team})
}

// UpdateAIStartPosition changes an AI seat's starting position. Host only.
func (s *Session) UpdateAIStartPosition(slotIndex, position int) {
	s.update(coord.FieldAIStartPosition, map[string]any{"slot_index": slotIndex, "start_position": position})
}

// UpdateMaxCameraHeight changes the camera ceiling. Host only.
func (s *Session) UpdateMaxCameraHeight(height int) {
	s.update(coord.FieldMaxCameraHeight, map[string]any{"max_cam_height": height})
}

// UpdateJoinability opens or closes the lobby to new players. Host only.
func (s *Session) UpdateJoinability(joinable bool) {
	s.update(coord.FieldJoinability, map[string]any{"joinable": joinable})
}

// ArmAutoReady starts the host-local countdown that forces a ready override
// when stragglers hold up the start. Host only; a no-op elsewhere.
func (s *Session) ArmAutoReady() {
	s.checkGuard()
	if s.phase != PhaseInLobby || !s.IsHost() {
		return
	}
	s.autoReadyDeadline = s.clock().Add(s.cfg.AutoReadyDeadline)
	s.logger.Info("auto-ready countdown armed",
		logging.Duration("deadline", s.cfg.AutoReadyDeadline))
}

// AutoReadyArmed reports whether the countdown is running.
func (s *Session) AutoReadyArmed() bool { return !s.autoReadyDeadline.IsZero() }

func (s *Session) tickAutoReady(now time.Time) {
	if s.autoReadyDeadline.IsZero() {
		return
	}
	if s.phase != PhaseInLobby || !s.IsHost() {
		s.autoReadyDeadline = time.Time{}
		return
	}
	if s.game.AllHumansReady() {
		s.autoReadyDeadline = time.Time{}
		return
	}
	if now.Before(s.autoReadyDeadline) {
		return
	}
	//1.- Soft deadline elapsed: force the ready override server-side.
	s.logger.Info("auto-ready deadline reached, forcing ready state")
	s.coordinator.UpdateField(s.lobby.LobbyID, coord.FieldForceStart, map[string]any{"force_ready": true})
	s.autoReadyDeadline = time.Time{}
}

// Tick runs once per engine frame: mesh servicing, the periodic refresh poll,
// and the auto-ready countdown.
func (s *Session) Tick() {
	s.checkGuard()
	if s.mesh != nil {
		s.mesh.Tick()
	}
	now := s.clock()
	if s.phase == PhaseInLobby && !s.refreshInFlight && now.Sub(s.lastRefresh) >= s.cfg.RefreshInterval {
		s.RefreshRoomState()
	}
	s.tickAutoReady(now)
}

// HandleControlMessage dispatches one inbound control-channel text frame.
// Malformed frames are logged with the offending payload and dropped.
func (s *Session) HandleControlMessage(raw []byte) {
	s.checkGuard()
	msgID, err := coord.DecodeEnvelope(raw)
	if err != nil {
		s.logger.Warn("dropping control frame",
			logging.Error(err), logging.String("payload", truncate(raw, 256)))
		return
	}
	switch msgID {
	case coord.MsgStartSignalling:
		var msg coord.StartSignalling
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("malformed start-signalling frame", logging.Error(err))
			return
		}
		if s.mesh != nil {
			port := msg.PreferredPort
			if port == 0 {
				port = s.cfg.PreferredPort
			}
			s.mesh.StartSignalling(msg.UserID, port)
		}
	case coord.MsgDisconnectPlayer:
		var msg coord.DisconnectPlayer
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("malformed disconnect frame", logging.Error(err))
			return
		}
		if s.mesh != nil {
			s.mesh.DisconnectUser(msg.UserID, "server requested disconnect")
		}
	case coord.MsgNetworkSignal:
		var msg coord.Signal
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("malformed signal frame",
				logging.Error(err), logging.String("payload", truncate(raw, 256)))
			return
		}
		if s.mesh != nil {
			s.mesh.DeliverSignal(msg.UserID, msg.Payload)
		}
	case coord.MsgLobbyUpdate:
		//1.- Push trigger: refresh now instead of waiting for the next poll.
		s.RefreshRoomState()
	case coord.MsgChatFromServer:
		var msg coord.RoomChat
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("malformed chat frame", logging.Error(err))
			return
		}
		s.Chat.Publish(ChatMessage{SenderID: msg.UserID, DisplayName: msg.DisplayName, Text: msg.Text})
	default:
		s.logger.Debug("unhandled control message", logging.Int("msg_id", int(msgID)))
	}
}

// SendChat pushes one chat line to the room through the control channel.
func (s *Session) SendChat(text string) {
	s.checkGuard()
	if s.control == nil || s.phase != PhaseInLobby {
		return
	}
	frame, err := coord.EncodeMessage(coord.RoomChat{
		MsgID:       coord.MsgRoomChatFromClient,
		DisplayName: s.cfg.DisplayName,
		Text:        text,
	})
	if err != nil {
		s.logger.Error("encoding chat frame", logging.Error(err))
		return
	}
	if err := s.control.Send(frame); err != nil {
		s.logger.Warn("chat not sent", logging.Error(err))
	}
}

// BeginMatch freezes membership for the duration of the match.
func (s *Session) BeginMatch() {
	s.checkGuard()
	if s.game == nil {
		s.logger.Warn("match start without a game object")
		return
	}
	s.game.SetInProgress(true)
	s.autoReadyDeadline = time.Time{}
}

// EndMatch lifts the membership freeze.
func (s *Session) EndMatch() {
	s.checkGuard()
	if s.game != nil {
		s.game.SetInProgress(false)
	}
}

// CommitOutcome uploads the local match result.
func (s *Session) CommitOutcome(outcome coord.MatchOutcome, onDone func(ok bool)) {
	s.checkGuard()
	if s.lobby == nil {
		if onDone != nil {
			onDone(false)
		}
		return
	}
	if outcome.MatchID == 0 {
		outcome.MatchID = s.lobby.MatchID
	}
	s.coordinator.ReportOutcome(s.lobby.LobbyID, outcome, onDone)
}

func (s *Session) checkGuard() {
	if s.guard != nil {
		s.guard.Check()
	}
}

func truncate(raw []byte, limit int) string {
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit]) + "..."
}

package coord

// UpdateField identifies one mutable lobby field in a POST /Lobby/{id} call.
// Values are part of the wire contract and must not be renumbered.
type UpdateField int

const (
	FieldLobbyMap          UpdateField = 0
	FieldMySide            UpdateField = 1
	FieldMyColor           UpdateField = 2
	FieldMyStartPosition   UpdateField = 3
	FieldMyTeam            UpdateField = 4
	FieldStartingCash      UpdateField = 5
	FieldLimitSuperweapons UpdateField = 6
	FieldForceStart        UpdateField = 7
	FieldLocalPlayerHasMap UpdateField = 8
	FieldKickUser          UpdateField = 11
	FieldSetSlotState      UpdateField = 12
	FieldAISide            UpdateField = 13
	FieldAIColor           UpdateField = 14
	FieldAITeam            UpdateField = 15
	FieldAIStartPosition   UpdateField = 16
	FieldMaxCameraHeight   UpdateField = 17
	FieldJoinability       UpdateField = 18
)

func (f UpdateField) String() string {
	switch f {
	case FieldLobbyMap:
		return "lobby_map"
	case FieldMySide:
		return "my_side"
	case FieldMyColor:
		return "my_color"
	case FieldMyStartPosition:
		return "my_start_position"
	case FieldMyTeam:
		return "my_team"
	case FieldStartingCash:
		return "starting_cash"
	case FieldLimitSuperweapons:
		return "limit_superweapons"
	case FieldForceStart:
		return "force_start"
	case FieldLocalPlayerHasMap:
		return "local_player_has_map"
	case FieldKickUser:
		return "kick_user"
	case FieldSetSlotState:
		return "set_slot_state"
	case FieldAISide:
		return "ai_side"
	case FieldAIColor:
		return "ai_color"
	case FieldAITeam:
		return "ai_team"
	case FieldAIStartPosition:
		return "ai_start_position"
	case FieldMaxCameraHeight:
		return "max_camera_height"
	case FieldJoinability:
		return "joinability"
	default:
		return "unknown"
	}
}

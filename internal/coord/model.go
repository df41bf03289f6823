package coord

// SlotState enumerates the occupancy of one lobby seat.
type SlotState int

const (
	SlotOpen SlotState = iota
	SlotClosed
	SlotHuman
	SlotAIEasy
	SlotAIMedium
	SlotAIHard
)

// IsAI reports whether the slot is occupied by a computer player.
func (s SlotState) IsAI() bool {
	return s == SlotAIEasy || s == SlotAIMedium || s == SlotAIHard
}

// IsOccupied reports whether the slot holds a participant at all.
func (s SlotState) IsOccupied() bool {
	return s == SlotHuman || s.IsAI()
}

func (s SlotState) String() string {
	switch s {
	case SlotOpen:
		return "open"
	case SlotClosed:
		return "closed"
	case SlotHuman:
		return "human"
	case SlotAIEasy:
		return "ai-easy"
	case SlotAIMedium:
		return "ai-medium"
	case SlotAIHard:
		return "ai-hard"
	default:
		return "unknown"
	}
}

// LobbyType distinguishes player-created rooms from matchmaking assignments.
// Matchmaking lobbies have no stable room object, so host migration never
// applies to them.
type LobbyType int

const (
	LobbyTypeCustom LobbyType = iota
	LobbyTypeMatchmaking
)

// UnassignedUserID marks AI, open, and closed slots in member records.
const UnassignedUserID int64 = -1

// Member is one seat in a lobby snapshot. Snapshots replace members wholesale;
// nothing mutates a Member in place.
type Member struct {
	UserID           int64     `json:"UserID"`
	DisplayName      string    `json:"DisplayName"`
	IsReady          bool      `json:"IsReady"`
	Port             int       `json:"Port"`
	Side             int       `json:"Side"`
	Color            int       `json:"Color"`
	Team             int       `json:"Team"`
	StartingPosition int       `json:"StartingPosition"`
	HasMap           bool      `json:"HasMap"`
	SlotState        SlotState `json:"SlotState"`
	SlotIndex        int       `json:"SlotIndex"`
	Region           string    `json:"Region"`
	LatencyMs        int       `json:"Latency,omitempty"`
}

// IsHuman reports whether the member record describes a human occupant.
func (m Member) IsHuman() bool {
	return m.SlotState == SlotHuman && m.UserID != UnassignedUserID
}

// Lobby is the full room snapshot as served by the coordination service.
type Lobby struct {
	LobbyID             int64     `json:"LobbyID"`
	Owner               int64     `json:"Owner"`
	Name                string    `json:"Name"`
	MapName             string    `json:"MapName"`
	MapPath             string    `json:"MapPath"`
	IsMapOfficial       bool      `json:"IsMapOfficial"`
	MapCRC              uint32    `json:"MapCRC"`
	MapSize             int64     `json:"MapSize"`
	NumCurrentPlayers   int       `json:"NumCurrentPlayers"`
	MaxPlayers          int       `json:"MaxPlayers"`
	IsVanillaTeamsOnly  bool      `json:"IsVanillaTeamsOnly"`
	RNGSeed             int64     `json:"RNGSeed"`
	StartingCash        int       `json:"StartingCash"`
	IsLimitSuperweapons bool      `json:"IsLimitSuperweapons"`
	IsTrackingStats     bool      `json:"IsTrackingStats"`
	IsPassworded        bool      `json:"IsPassworded"`
	AllowObservers      bool      `json:"AllowObservers"`
	MaximumCameraHeight int       `json:"MaximumCameraHeight"`
	ExeCRC              uint32    `json:"ExeCRC"`
	IniCRC              uint32    `json:"IniCRC"`
	MatchID             int64     `json:"MatchID"`
	LobbyType           LobbyType `json:"LobbyType"`
	Region              string    `json:"Region"`
	LatencyMs           int       `json:"Latency,omitempty"`
	Members             []Member  `json:"Members"`
}

// MemberByUserID returns the member record for the given user id.
func (l *Lobby) MemberByUserID(userID int64) (Member, bool) {
	if l == nil || userID == UnassignedUserID {
		return Member{}, false
	}
	for _, member := range l.Members {
		if member.UserID == userID {
			return member, true
		}
	}
	return Member{}, false
}

// HumanUserIDs lists the user ids of every human occupant in slot order.
func (l *Lobby) HumanUserIDs() []int64 {
	if l == nil {
		return nil
	}
	ids := make([]int64, 0, len(l.Members))
	for _, member := range l.Members {
		if member.IsHuman() {
			ids = append(ids, member.UserID)
		}
	}
	return ids
}

// TurnCredentials are the relay credentials issued on create and join.
type TurnCredentials struct {
	Username string `json:"turn_username"`
	Token    string `json:"turn_token"`
}

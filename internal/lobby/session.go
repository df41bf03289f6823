package lobby

import (
	"slices"
	"time"

	"warfront/client/internal/coord"
	"warfront/client/internal/events"
	"warfront/client/internal/logging"
	"warfront/client/internal/tick"
)

// Phase is the locally perceived lobby lifecycle position.
type Phase int

const (
	PhaseNotInLobby Phase = iota
	// PhaseJoining blocks concurrent join and create attempts: only one may
	// be in flight.
	PhaseJoining
	PhaseInLobby
	PhaseLeaving
)

func (p Phase) String() string {
	switch p {
	case PhaseNotInLobby:
		return "not_in_lobby"
	case PhaseJoining:
		return "joining"
	case PhaseInLobby:
		return "in_lobby"
	case PhaseLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// Coordinator is the slice of the coordination-service client the session
// uses. Completion callbacks fire on the main goroutine during a tick.
type Coordinator interface {
	CreateLobby(req coord.CreateLobbyRequest, onDone func(ok bool, resp coord.CreateLobbyResponse))
	JoinLobby(lobbyID int64, req coord.JoinLobbyRequest, onDone func(result coord.JoinLobbyResult, resp coord.JoinLobbyResponse))
	FetchLobby(lobbyID int64, onDone func(snapshot *coord.Lobby, notFound bool))
	LeaveLobby(lobbyID int64)
	UpdateField(lobbyID int64, field coord.UpdateField, args map[string]any)
	ReportOutcome(lobbyID int64, outcome coord.MatchOutcome, onDone func(ok bool))
}

// Control pushes encoded frames onto the lobby control channel.
type Control interface {
	Send(message []byte) error
}

// Mesh is the peer-connection set owned by the session for the lifetime of
// one lobby.
type Mesh interface {
	Listen(preferredPort int) error
	StartSignalling(remote int64, preferredPort int)
	DisconnectUser(remote int64, reason string)
	DisconnectAll(reason string)
	DeliverSignal(from int64, payload []byte)
	AllConnected(remotes []int64) bool
	Tick()
	OnCannotConnect(fn func(int64)) *events.Subscription[int64]
}

// MeshFactory builds the mesh for one lobby. The member predicate is consulted
// by the mesh at accept time against the session's live roster.
type MeshFactory func(lobbyID int64, member func(int64) bool) Mesh

// ChatMessage is one lobby chat line pushed by the service.
type ChatMessage struct {
	SenderID    int64
	DisplayName string
	Text        string
}

// Config tunes one session.
type Config struct {
	LocalUserID   int64
	DisplayName   string
	PreferredPort int
	HasMap        bool
	// RefreshInterval is the periodic snapshot poll cadence; push
	// notifications trigger additional refreshes.
	RefreshInterval time.Duration
	// AutoReadyDeadline bounds how long the host waits for stragglers before
	// forcing the ready override.
	AutoReadyDeadline time.Duration
}

// Session owns the canonical lobby snapshot and reconciles local intent,
// service snapshots, and mesh connectivity. All methods run on the main tick
// goroutine.
type Session struct {
	cfg         Config
	coordinator Coordinator
	control     Control
	meshFactory MeshFactory
	guard       *tick.Guard
	logger      *logging.Logger
	clock       func() time.Time

	phase           Phase
	lobby           *coord.Lobby
	game            *LocalGame
	mesh            Mesh
	cannotConnect   *events.Subscription[int64]
	turn            coord.TurnCredentials
	knownHasMap     map[int64]bool
	refreshInFlight bool
	lastRefresh     time.Time
	hostMigrated    bool

	// autoReadyDeadline is zero while the countdown is disarmed.
	autoReadyDeadline time.Time

	// RosterChanged fires with the new member list whenever membership
	// actually changed; identical snapshots are applied silently.
	RosterChanged events.Feed[[]coord.Member]
	// Kicked fires exactly once with the lobby id when a refresh shows the
	// local user was removed by the host.
	Kicked events.Feed[int64]
	// HostLeft fires with the lobby id when the lobby vanished remotely.
	HostLeft events.Feed[int64]
	// HostMigrated fires with the new owner's user id.
	HostMigrated events.Feed[int64]
	// MemberMissingMap warns that a member lacks the selected map.
	MemberMissingMap events.Feed[int64]
	// MemberUnreachable fires after the mesh gave up on a peer; the member
	// was already removed from the local view.
	MemberUnreachable events.Feed[int64]
	// Chat carries inbound lobby chat.
	Chat events.Feed[ChatMessage]
}

// NewSession wires a session. The control link may be nil in offline tests.
func NewSession(cfg Config, coordinator Coordinator, control Control, factory MeshFactory, guard *tick.Guard, logger *logging.Logger) *Session {
	if logger == nil {
		logger = logging.L()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.AutoReadyDeadline <= 0 {
		cfg.AutoReadyDeadline = 30 * time.Second
	}
	return &Session{
		cfg:         cfg,
		coordinator: coordinator,
		control:     control,
		meshFactory: factory,
		guard:       guard,
		logger:      logger,
		clock:       time.Now,
		knownHasMap: make(map[int64]bool),
	}
}

// SetClock injects a deterministic time source for tests.
func (s *Session) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// Phase returns the current lifecycle position.
func (s *Session) Phase() Phase { return s.phase }

// Lobby returns the canonical snapshot, nil outside a lobby.
func (s *Session) Lobby() *coord.Lobby { return s.lobby }

// Game returns the attached local game object, nil outside a lobby.
func (s *Session) Game() *LocalGame { return s.game }

// Turn returns the relay credentials issued on create or join.
func (s *Session) Turn() coord.TurnCredentials { return s.turn }

// IsHost reports whether the local user owns the lobby.
func (s *Session) IsHost() bool {
	return s.lobby != nil && s.lobby.Owner == s.cfg.LocalUserID
}

// HostWasMigrated reports whether ownership changed since the flag was last
// cleared.
func (s *Session) HostWasMigrated() bool { return s.hostMigrated }

// ClearHostMigration acknowledges a migration.
func (s *Session) ClearHostMigration() { s.hostMigrated = false }

// CreateLobby issues a create request, seeds local state optimistically so the
// UI can render immediately, then confirms with an authoritative refresh.
func (s *Session) CreateLobby(req coord.CreateLobbyRequest, onDone func(ok bool)) {
	s.checkGuard()
	if s.phase != PhaseNotInLobby {
		s.logger.Warn("create refused, session busy", logging.String("phase", s.phase.String()))
		if onDone != nil {
			onDone(false)
		}
		return
	}
	if req.PreferredPort == 0 {
		req.PreferredPort = s.cfg.PreferredPort
	}
	s.phase = PhaseJoining
	s.coordinator.CreateLobby(req, func(ok bool, resp coord.CreateLobbyResponse) {
		if !ok || resp.LobbyID == 0 {
			s.phase = PhaseNotInLobby
			if onDone != nil {
				onDone(false)
			}
			return
		}
		s.turn = coord.TurnCredentials{Username: resp.TurnUsername, Token: resp.TurnToken}
		s.ensureLocalObjects(resp.LobbyID, req.MaxPlayers)
		s.phase = PhaseInLobby
		//1.- Optimistic seed: the server will overwrite all of it on refresh.
		s.applySnapshot(&coord.Lobby{
			LobbyID:    resp.LobbyID,
			Owner:      s.cfg.LocalUserID,
			Name:       req.Name,
			MapName:    req.MapName,
			MapPath:    req.MapPath,
			MaxPlayers: req.MaxPlayers,
			Members: []coord.Member{{
				UserID:      s.cfg.LocalUserID,
				DisplayName: s.cfg.DisplayName,
				SlotState:   coord.SlotHuman,
				SlotIndex:   0,
				HasMap:      s.cfg.HasMap,
				Port:        req.PreferredPort,
			}},
		})
		if onDone != nil {
			onDone(true)
		}
		s.RefreshRoomState()
	})
}

// JoinLobby issues a join request. The result callback fires after the
// confirming refresh on success; on any other outcome no mesh or game object
// is left behind.
func (s *Session) JoinLobby(lobbyID int64, password string, onDone func(result coord.JoinLobbyResult)) {
	s.checkGuard()
	if s.phase != PhaseNotInLobby {
		s.logger.Warn("join refused, session busy", logging.String("phase", s.phase.String()))
		if onDone != nil {
			onDone(coord.JoinFailed)
		}
		return
	}
	s.phase = PhaseJoining
	req := coord.JoinLobbyRequest{
		PreferredPort: s.cfg.PreferredPort,
		HasMap:        s.cfg.HasMap,
		Password:      password,
	}
	s.coordinator.JoinLobby(lobbyID, req, func(result coord.JoinLobbyResult, resp coord.JoinLobbyResponse) {
		if result != coord.JoinSuccess {
			s.teardownLocal()
			s.phase = PhaseNotInLobby
			if onDone != nil {
				onDone(result)
			}
			return
		}
		s.turn = coord.TurnCredentials{Username: resp.TurnUsername, Token: resp.TurnToken}
		s.ensureLocalObjects(lobbyID, 0)
		s.coordinator.FetchLobby(lobbyID, func(snapshot *coord.Lobby, notFound bool) {
			if snapshot == nil {
				//1.- Partial join: the room is unusable without a snapshot.
				s.teardownLocal()
				s.phase = PhaseNotInLobby
				s.coordinator.LeaveLobby(lobbyID)
				if onDone != nil {
					onDone(coord.JoinFailed)
				}
				return
			}
			s.phase = PhaseInLobby
			s.applySnapshot(snapshot)
			s.lastRefresh = s.clock()
			if onDone != nil {
				onDone(coord.JoinSuccess)
			}
		})
	})
}

// LeaveLobby is idempotent. Local teardown happens before the remote leave
// call so a slow or failed request cannot leave local state inconsistent.
func (s *Session) LeaveLobby() {
	s.checkGuard()
	if s.phase == PhaseNotInLobby {
		return
	}
	var lobbyID int64
	if s.lobby != nil {
		lobbyID = s.lobby.LobbyID
	}
	s.phase = PhaseLeaving
	s.teardownLocal()
	s.phase = PhaseNotInLobby
	if lobbyID != 0 {
		s.coordinator.LeaveLobby(lobbyID)
	}
}

// RefreshRoomState fetches the authoritative snapshot. A 404 means the lobby
// is gone; a parse or transport failure is skipped and the next poll retries.
func (s *Session) RefreshRoomState() {
	s.checkGuard()
	if s.phase != PhaseInLobby || s.refreshInFlight || s.lobby == nil {
		return
	}
	s.refreshInFlight = true
	lobbyID := s.lobby.LobbyID
	s.coordinator.FetchLobby(lobbyID, func(snapshot *coord.Lobby, notFound bool) {
		s.refreshInFlight = false
		s.lastRefresh = s.clock()
		if notFound {
			s.HostLeft.Publish(lobbyID)
			s.LeaveLobby()
			return
		}
		if snapshot == nil || s.phase != PhaseInLobby {
			return
		}
		s.applySnapshot(snapshot)
	})
}

// ensureLocalObjects creates the game and mesh for a lobby. A leftover object
// from a previous lobby is destroyed and recreated with a warning rather than
// treated as fatal.
func (s *Session) ensureLocalObjects(lobbyID int64, maxPlayers int) {
	if s.game != nil || s.mesh != nil {
		s.logger.Warn("stale lobby objects found, recreating", logging.Int64("lobby_id", lobbyID))
		s.teardownLocal()
	}
	if maxPlayers > 0 {
		s.game = NewLocalGame(maxPlayers)
	}
	if s.meshFactory != nil {
		s.mesh = s.meshFactory(lobbyID, s.isLobbyMember)
		s.cannotConnect = s.mesh.OnCannotConnect(s.handleCannotConnect)
		if err := s.mesh.Listen(s.cfg.PreferredPort); err != nil {
			s.logger.Error("opening listen socket", logging.Error(err))
		}
	}
}

func (s *Session) teardownLocal() {
	if s.cannotConnect != nil {
		s.cannotConnect.Cancel()
		s.cannotConnect = nil
	}
	if s.mesh != nil {
		s.mesh.DisconnectAll("leaving lobby")
		s.mesh = nil
	}
	s.game = nil
	s.lobby = nil
	s.turn = coord.TurnCredentials{}
	s.knownHasMap = make(map[int64]bool)
	s.refreshInFlight = false
	s.autoReadyDeadline = time.Time{}
}

// isLobbyMember answers the mesh's accept-time membership check against the
// live roster.
func (s *Session) isLobbyMember(userID int64) bool {
	if s.lobby == nil {
		return false
	}
	member, ok := s.lobby.MemberByUserID(userID)
	return ok && member.IsHuman()
}

// applySnapshot reconciles one authoritative snapshot into local state.
func (s *Session) applySnapshot(snapshot *coord.Lobby) {
	previous := s.lobby
	next := *snapshot
	if s.game == nil {
		s.game = NewLocalGame(next.MaxPlayers)
	}

	if s.game.InProgress() && previous != nil {
		//1.- Membership freeze: mid-match the local member list wins, but every
		// other field still updates from the snapshot.
		next.Members = previous.Members
	} else {
		if previous != nil {
			_, hadSelf := previous.MemberByUserID(s.cfg.LocalUserID)
			_, hasSelf := next.MemberByUserID(s.cfg.LocalUserID)
			if hadSelf && !hasSelf {
				s.handleKicked(previous.LobbyID)
				return
			}
			if previous.Owner != next.Owner && next.LobbyType != coord.LobbyTypeMatchmaking {
				s.hostMigrated = true
				s.HostMigrated.Publish(next.Owner)
			}
		}
		s.noteMissingMaps(next.Members)
		s.reconcileMesh(previous, &next)
	}

	changed := previous == nil || !slices.Equal(previous.Members, next.Members)
	s.lobby = &next
	s.game.SyncSlots(next.Members)
	if changed {
		s.RosterChanged.Publish(slices.Clone(next.Members))
	}
}

// noteMissingMaps warns once per member while their has-map flag is false.
func (s *Session) noteMissingMaps(members []coord.Member) {
	for _, member := range members {
		if !member.IsHuman() || member.UserID == s.cfg.LocalUserID {
			continue
		}
		known, seen := s.knownHasMap[member.UserID]
		if member.HasMap {
			s.knownHasMap[member.UserID] = true
			continue
		}
		if !seen || known {
			s.MemberMissingMap.Publish(member.UserID)
		}
		s.knownHasMap[member.UserID] = false
	}
}

// reconcileMesh turns a membership delta into connection lifecycle calls. For
// a newly arrived member the numerically larger user id initiates; the smaller
// side waits for the inbound attempt or a service push.
func (s *Session) reconcileMesh(previous, next *coord.Lobby) {
	if s.mesh == nil {
		return
	}
	had := make(map[int64]bool)
	if previous != nil {
		for _, id := range previous.HumanUserIDs() {
			had[id] = true
		}
	}
	have := make(map[int64]bool)
	for _, member := range next.Members {
		if !member.IsHuman() || member.UserID == s.cfg.LocalUserID {
			continue
		}
		have[member.UserID] = true
		if had[member.UserID] {
			continue
		}
		if s.cfg.LocalUserID > member.UserID {
			port := member.Port
			if port == 0 {
				port = s.cfg.PreferredPort
			}
			s.mesh.StartSignalling(member.UserID, port)
		}
	}
	for id := range had {
		if id != s.cfg.LocalUserID && !have[id] {
			s.mesh.DisconnectUser(id, "left lobby")
		}
	}
}

func (s *Session) handleKicked(lobbyID int64) {
	s.logger.Info("removed from lobby by host", logging.Int64("lobby_id", lobbyID))
	s.teardownLocal()
	s.phase = PhaseNotInLobby
	s.Kicked.Publish(lobbyID)
}

// handleCannotConnect is the single connectivity path that removes a member
// from the local view.
func (s *Session) handleCannotConnect(userID int64) {
	if s.lobby == nil {
		return
	}
	members := s.lobby.Members[:0:0]
	for _, member := range s.lobby.Members {
		if member.UserID != userID {
			members = append(members, member)
		}
	}
	if len(members) == len(s.lobby.Members) {
		return
	}
	s.logger.Warn("dropping unreachable member", logging.Int64("user_id", userID))
	s.lobby.Members = members
	s.game.SyncSlots(members)
	s.MemberUnreachable.Publish(userID)
	s.RosterChanged.Publish(slices.Clone(members))
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"warfront/client/internal/auth"
	"warfront/client/internal/config"
	"warfront/client/internal/coord"
	"warfront/client/internal/lobby"
	"warfront/client/internal/logging"
	"warfront/client/internal/mesh"
	"warfront/client/internal/netlog"
	"warfront/client/internal/portmap"
	"warfront/client/internal/ptp"
	"warfront/client/internal/rest"
	"warfront/client/internal/shim"
	"warfront/client/internal/tick"
	"warfront/client/internal/ws"
)

// app bundles everything the tick step touches. All fields are owned by the
// loop goroutine once the loop starts; construction happens before that.
type app struct {
	cfg         *config.Config
	logger      *logging.Logger
	guard       *tick.Guard
	userID      int64
	displayName string

	rest    *rest.Client
	control *ws.Client
	session *lobby.Session
	shim    *shim.Transport
	journal *netlog.Journal
	prober  *portmap.Prober

	// gameMesh is the concrete mesh behind the session's current lobby, kept
	// so the transport shim can move raw datagrams through it.
	gameMesh *mesh.Mesh

	// actionsMu protects actions, the only crossing from other goroutines
	// into the loop; everything queued here runs inside the next step.
	actionsMu sync.Mutex
	actions   []func()

	proberLogged bool
}

// post schedules fn to run on the loop goroutine during the next step.
func (a *app) post(fn func()) {
	a.actionsMu.Lock()
	a.actions = append(a.actions, fn)
	a.actionsMu.Unlock()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	//1.- Configuration and logging come up before anything can fail loudly.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("initialise logging: %w", err)
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	//2.- The session token carries our user id; refuse to start without it.
	claims, err := auth.ParseClaims(cfg.AuthToken)
	if err != nil {
		return fmt.Errorf("parse CLIENT_AUTH_TOKEN: %w", err)
	}
	if claims.ExpiresWithin(time.Now(), time.Hour) {
		logger.Warn("session token expires soon", logging.String("expires_at", claims.ExpiresAt.Format(time.RFC3339)))
	}
	displayName := claims.DisplayName
	if displayName == "" {
		displayName = fmt.Sprintf("player-%d", claims.UserID)
	}
	logger.Info("session client starting",
		logging.String("environment", string(cfg.Environment)),
		logging.Int64("user_id", claims.UserID),
		logging.String("display_name", displayName),
	)

	a := &app{
		cfg:         cfg,
		logger:      logger,
		guard:       tick.NewGuard(),
		userID:      claims.UserID,
		displayName: displayName,
	}

	//3.- Outbound service plumbing: async REST pool, then the control channel.
	a.rest = rest.NewClient(cfg.HTTPWorkers, cfg.RequestTimeout, logger)
	defer a.rest.Close()
	coordClient := coord.NewClient(a.rest, cfg.ServiceBaseURL, cfg.AuthToken, logger)

	a.control, err = ws.Dial(cfg.ControlChannelURL, cfg.AuthToken, cfg.PingInterval, ws.Handlers{
		OnText:   func(payload []byte) { a.session.HandleControlMessage(payload) },
		OnBinary: func(payload []byte) { logger.Warn("unexpected binary control frame", logging.Int("bytes", len(payload))) },
		OnLost:   func(reason string) { logger.Error("control channel lost", logging.String("reason", reason)) },
	}, logger)
	if err != nil {
		return fmt.Errorf("dial control channel: %w", err)
	}
	defer a.control.Close()

	//4.- Best-effort observability: a failed journal never blocks startup.
	if cfg.NetlogDir != "" {
		journal, _, err := netlog.New(cfg.NetlogDir, claims.UserID, displayName, logger, nil)
		if err != nil {
			logger.Warn("session journal unavailable", logging.Error(err))
		} else {
			a.journal = journal
			defer journal.Close()
		}
	}

	//5.- Kick off the port-mapping probes while the rest of startup continues.
	a.prober = portmap.NewProber(nil, uint16(cfg.PreferredPort), logger)
	a.prober.Start()
	defer a.prober.Shutdown()

	a.session = lobby.NewSession(lobby.Config{
		LocalUserID:       claims.UserID,
		DisplayName:       displayName,
		PreferredPort:     cfg.PreferredPort,
		HasMap:            true,
		RefreshInterval:   cfg.RefreshInterval,
		AutoReadyDeadline: cfg.AutoReadyDeadline,
	}, coordClient, a.control, a.meshFactory(coordClient), a.guard, logger)
	a.wireJournal()

	//6.- The transport shim resolves seats against whatever game is attached.
	a.shim = shim.New(packetMesh{a}, slotResolver{a}, shim.DefaultReceiveSlots, 0, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := tick.NewLoop(cfg.TickHz, a.guard, tick.NewMonitor(), a.step)
	loop.Start(ctx)

	//7.- The initial lobby action must run on the loop goroutine.
	a.post(func() { a.drive(cancel) })

	//8.- Block until a signal, then leave cleanly while the loop still runs.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		logger.Info("shutting down", logging.String("signal", sig.String()))
	case <-ctx.Done():
	}

	a.post(a.session.LeaveLobby)
	// One refresh interval gives the leave request time to drain through the
	// REST pool before the workers are torn down.
	time.Sleep(cfg.RefreshInterval)

	cancel()
	loop.Stop()
	return nil
}

// step is the fixed-timestep body: pump inbound frames, advance the session,
// then move raw game datagrams through the shim.
func (a *app) step(time.Duration) {
	a.actionsMu.Lock()
	queued := a.actions
	a.actions = nil
	a.actionsMu.Unlock()
	for _, fn := range queued {
		fn()
	}

	a.control.Tick()
	a.rest.Tick()
	a.session.Tick()
	a.shim.Tick()
	for _, datagram := range a.shim.Drain() {
		a.journal.RecordFrame(datagram.SenderID, datagram.Payload)
	}
	if a.prober.Done() && !a.proberLogged {
		a.proberLogged = true
		if best, ok := a.prober.Best(); ok {
			a.journal.RecordEvent("port_mapping", map[string]any{
				"protocol":      best.Protocol.String(),
				"external_port": best.ExternalPort,
			})
		}
	}
}

// meshFactory builds one peer mesh per lobby on top of a WebRTC transport fed
// with the relay credentials issued at join time.
func (a *app) meshFactory(coordClient *coord.Client) lobby.MeshFactory {
	return func(lobbyID int64, member func(int64) bool) lobby.Mesh {
		turn := a.session.Turn()
		transport := ptp.NewWebRTCTransport(
			ptp.ICEConfigFromTURN(a.cfg.TurnURIs, turn.Username, turn.Token),
			a.logger,
		)
		channel := mesh.NewSignalingChannel(a.cfg.SignalQueueLimit, a.logger)
		m := mesh.New(mesh.Config{
			LocalUserID:  a.userID,
			LobbyID:      lobbyID,
			RetryMax:     a.cfg.SignalRetryMax,
			RetryEnabled: a.cfg.RetryOnSignalFail,
		}, transport, channel, a.control, coordClient, member, a.guard, a.logger)
		m.StateChanges.Subscribe(func(change mesh.StateChange) {
			a.journal.RecordEvent("mesh_state", map[string]any{
				"lobby_id": lobbyID,
				"user_id":  change.UserID,
				"state":    change.State.String(),
			})
		})
		a.gameMesh = m
		return &lobbyMesh{Mesh: m, a: a}
	}
}

// lobbyMesh ties the shim's mesh handle to the lobby lifetime: tearing the
// mesh down on lobby exit also detaches it from the app, so the shim stops
// routing into a dead network.
type lobbyMesh struct {
	*mesh.Mesh
	a *app
}

func (l *lobbyMesh) DisconnectAll(reason string) {
	l.Mesh.DisconnectAll(reason)
	if l.a.gameMesh == l.Mesh {
		l.a.gameMesh = nil
	}
}

// wireJournal mirrors the session feeds into the journal event stream.
func (a *app) wireJournal() {
	a.session.RosterChanged.Subscribe(func(members []coord.Member) {
		a.journal.RecordEvent("roster", map[string]any{"count": len(members)})
	})
	a.session.Kicked.Subscribe(func(lobbyID int64) {
		a.journal.RecordEvent("kicked", map[string]any{"lobby_id": lobbyID})
	})
	a.session.HostLeft.Subscribe(func(lobbyID int64) {
		a.journal.RecordEvent("host_left", map[string]any{"lobby_id": lobbyID})
	})
	a.session.HostMigrated.Subscribe(func(newOwner int64) {
		a.journal.RecordEvent("host_migrated", map[string]any{"new_owner": newOwner})
	})
	a.session.MemberUnreachable.Subscribe(func(userID int64) {
		a.journal.RecordEvent("member_unreachable", map[string]any{"user_id": userID})
	})
	a.session.Chat.Subscribe(func(message lobby.ChatMessage) {
		a.logger.Info("lobby chat",
			logging.Int64("sender_id", message.SenderID),
			logging.String("display_name", message.DisplayName),
			logging.String("text", message.Text),
		)
	})
}

// drive issues the initial lobby action from the environment: join an existing
// room when CLIENT_LOBBY_ID is set, otherwise create one.
func (a *app) drive(cancel context.CancelFunc) {
	if raw := strings.TrimSpace(os.Getenv("CLIENT_LOBBY_ID")); raw != "" {
		lobbyID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || lobbyID <= 0 {
			a.logger.Error("CLIENT_LOBBY_ID must be a positive integer", logging.String("value", raw))
			cancel()
			return
		}
		password := os.Getenv("CLIENT_LOBBY_PASSWORD")
		a.session.JoinLobby(lobbyID, password, func(result coord.JoinLobbyResult) {
			if result != coord.JoinSuccess {
				a.logger.Error("join failed", logging.String("result", result.String()))
				cancel()
				return
			}
			a.logger.Info("joined lobby", logging.Int64("lobby_id", lobbyID))
			a.journal.RecordEvent("lobby_joined", map[string]any{"lobby_id": lobbyID})
		})
		return
	}

	name := strings.TrimSpace(os.Getenv("CLIENT_LOBBY_NAME"))
	if name == "" {
		name = fmt.Sprintf("%s's game", a.displayName)
	}
	a.session.CreateLobby(coord.CreateLobbyRequest{
		Name:          name,
		MapName:       os.Getenv("CLIENT_LOBBY_MAP"),
		MapOfficial:   true,
		MaxPlayers:    8,
		PreferredPort: a.cfg.PreferredPort,
	}, func(ok bool) {
		if !ok {
			a.logger.Error("create lobby failed")
			cancel()
			return
		}
		lobbyID := int64(0)
		if snapshot := a.session.Lobby(); snapshot != nil {
			lobbyID = snapshot.LobbyID
		}
		a.logger.Info("created lobby", logging.Int64("lobby_id", lobbyID), logging.String("name", name))
		a.journal.RecordEvent("lobby_created", map[string]any{"lobby_id": lobbyID, "name": name})
	})
}

// packetMesh adapts the current lobby's mesh for the transport shim; outside a
// lobby it behaves like an empty network.
type packetMesh struct{ a *app }

func (p packetMesh) SendGamePacket(payload []byte, target int64) error {
	if p.a.gameMesh == nil {
		return mesh.ErrNoSuchConnection
	}
	return p.a.gameMesh.SendGamePacket(payload, target)
}

func (p packetMesh) ReceiveGamePackets() []mesh.QueuedGamePacket {
	if p.a.gameMesh == nil {
		return nil
	}
	return p.a.gameMesh.ReceiveGamePackets()
}

// slotResolver answers seat lookups against whatever game the session holds.
type slotResolver struct{ a *app }

func (r slotResolver) UserAtSlot(index int) (int64, bool) {
	if game := r.a.session.Game(); game != nil {
		return game.UserAtSlot(index)
	}
	return 0, false
}

func (r slotResolver) SlotOfUser(userID int64) (int, bool) {
	if game := r.a.session.Game(); game != nil {
		return game.SlotOfUser(userID)
	}
	return 0, false
}

package coord

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"warfront/client/internal/logging"
	"warfront/client/internal/rest"
)

// JoinLobbyResult is the typed outcome of a join attempt, derived from the
// service HTTP status: 200 success, 401 bad password, 406 full, anything else
// a generic failure.
type JoinLobbyResult int

const (
	JoinSuccess JoinLobbyResult = iota
	JoinFullRoom
	JoinBadPassword
	JoinFailed
)

func (r JoinLobbyResult) String() string {
	switch r {
	case JoinSuccess:
		return "success"
	case JoinFullRoom:
		return "full_room"
	case JoinBadPassword:
		return "bad_password"
	default:
		return "failed"
	}
}

// CreateLobbyRequest is the body of PUT /Lobbies.
type CreateLobbyRequest struct {
	Name          string `json:"name"`
	MapName       string `json:"map_name"`
	MapPath       string `json:"map_path"`
	MapOfficial   bool   `json:"map_official"`
	MaxPlayers    int    `json:"max_players"`
	PreferredPort int    `json:"preferred_port"`
	VanillaTeams  bool   `json:"vanilla_teams"`
	TrackStats    bool   `json:"track_stats"`
	StartingCash  int    `json:"starting_cash"`
	Passworded    bool   `json:"passworded"`
	Password      string `json:"password"`
	AllowObserver bool   `json:"allow_observers"`
	ExeCRC        uint32 `json:"exe_crc"`
	IniCRC        uint32 `json:"ini_crc"`
	MaxCamHeight  int    `json:"max_cam_height"`
}

// CreateLobbyResponse is the body returned by PUT /Lobbies.
type CreateLobbyResponse struct {
	Result       int    `json:"result"`
	LobbyID      int64  `json:"lobby_id"`
	TurnUsername string `json:"turn_username"`
	TurnToken    string `json:"turn_token"`
}

// JoinLobbyRequest is the body of PUT /Lobby/{id}.
type JoinLobbyRequest struct {
	PreferredPort int    `json:"preferred_port"`
	HasMap        bool   `json:"has_map"`
	Password      string `json:"password,omitempty"`
}

// JoinLobbyResponse is the success body of PUT /Lobby/{id}.
type JoinLobbyResponse struct {
	Success      bool   `json:"success"`
	TurnUsername string `json:"turn_username"`
	TurnToken    string `json:"turn_token"`
}

// PlayerLatency pairs a user with a measured round-trip estimate.
type PlayerLatency struct {
	UserID    int64 `json:"user_id"`
	LatencyMs int   `json:"latency"`
}

// SearchResponse is the body of GET /Lobbies.
type SearchResponse struct {
	Lobbies         []Lobby         `json:"lobbies"`
	Latencies       []int           `json:"latencies"`
	PlayerLatencies []PlayerLatency `json:"playerlatencies"`
}

type snapshotResponse struct {
	Lobby Lobby `json:"lobby"`
}

// ConnectivitySample records one peer connection state transition for the
// service-side diagnostics dashboard.
type ConnectivitySample struct {
	TargetUserID int64  `json:"target_user_id"`
	Direct       bool   `json:"direct"`
	State        string `json:"state"`
	IPv4         bool   `json:"ipv4"`
}

// MatchOutcome is the body of POST /Lobby/{id}/Outcome.
type MatchOutcome struct {
	BuildingsBuilt  int   `json:"buildings_built"`
	BuildingsKilled int   `json:"buildings_killed"`
	BuildingsLost   int   `json:"buildings_lost"`
	UnitsBuilt      int   `json:"units_built"`
	UnitsKilled     int   `json:"units_killed"`
	UnitsLost       int   `json:"units_lost"`
	TotalMoney      int   `json:"total_money"`
	Won             bool  `json:"won"`
	MatchID         int64 `json:"match_id"`
}

// Client is the typed coordination-service API. Every method is asynchronous:
// the callback fires on the main thread during a rest.Client Tick.
type Client struct {
	rest      *rest.Client
	baseURL   string
	authToken string
	logger    *logging.Logger
}

// NewClient wires the coordinator API to the request multiplexer.
func NewClient(restClient *rest.Client, baseURL, authToken string, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.L()
	}
	return &Client{
		rest:      restClient,
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		logger:    logger,
	}
}

// CreateLobby issues PUT /Lobbies.
func (c *Client) CreateLobby(req CreateLobbyRequest, onDone func(ok bool, resp CreateLobbyResponse)) {
	c.send(http.MethodPut, c.baseURL+"/Lobbies", req, 0, func(result rest.Result) {
		if onDone == nil {
			return
		}
		var resp CreateLobbyResponse
		if !result.Success || decodeBody(c.logger, "create lobby", result.Body, &resp) != nil {
			onDone(false, CreateLobbyResponse{})
			return
		}
		onDone(resp.Result != 0 || resp.LobbyID != 0, resp)
	})
}

// SearchLobbies issues GET /Lobbies.
func (c *Client) SearchLobbies(onDone func(ok bool, resp SearchResponse)) {
	c.send(http.MethodGet, c.baseURL+"/Lobbies", nil, 0, func(result rest.Result) {
		if onDone == nil {
			return
		}
		var resp SearchResponse
		if !result.Success || decodeBody(c.logger, "search lobbies", result.Body, &resp) != nil {
			onDone(false, SearchResponse{})
			return
		}
		onDone(true, resp)
	})
}

// JoinLobby issues PUT /Lobby/{id} and maps the status code to a typed result.
func (c *Client) JoinLobby(lobbyID int64, req JoinLobbyRequest, onDone func(result JoinLobbyResult, resp JoinLobbyResponse)) {
	c.send(http.MethodPut, c.lobbyURL(lobbyID), req, 0, func(result rest.Result) {
		if onDone == nil {
			return
		}
		switch result.StatusCode {
		case http.StatusOK:
			var resp JoinLobbyResponse
			if decodeBody(c.logger, "join lobby", result.Body, &resp) != nil {
				onDone(JoinFailed, JoinLobbyResponse{})
				return
			}
			onDone(JoinSuccess, resp)
		case http.StatusUnauthorized:
			onDone(JoinBadPassword, JoinLobbyResponse{})
		case http.StatusNotAcceptable:
			onDone(JoinFullRoom, JoinLobbyResponse{})
		default:
			onDone(JoinFailed, JoinLobbyResponse{})
		}
	})
}

// FetchLobby issues GET /Lobby/{id}. notFound reports a 404, which means the
// lobby no longer exists remotely; snapshot is nil on any failure.
func (c *Client) FetchLobby(lobbyID int64, onDone func(snapshot *Lobby, notFound bool)) {
	c.send(http.MethodGet, c.lobbyURL(lobbyID), nil, 0, func(result rest.Result) {
		if onDone == nil {
			return
		}
		if result.StatusCode == http.StatusNotFound {
			onDone(nil, true)
			return
		}
		if !result.Success {
			c.logger.Debug("lobby refresh failed",
				logging.Int64("lobby_id", lobbyID),
				logging.Int("status", result.StatusCode),
				logging.Error(result.Err))
			onDone(nil, false)
			return
		}
		var resp snapshotResponse
		if decodeBody(c.logger, "lobby snapshot", result.Body, &resp) != nil {
			onDone(nil, false)
			return
		}
		onDone(&resp.Lobby, false)
	})
}

// LeaveLobby issues DELETE /Lobby/{id}. Fire and forget: the local teardown
// already happened by the time this is called.
func (c *Client) LeaveLobby(lobbyID int64) {
	c.send(http.MethodDelete, c.lobbyURL(lobbyID), nil, 0, func(result rest.Result) {
		if !result.Success {
			c.logger.Warn("leave lobby not acknowledged",
				logging.Int64("lobby_id", lobbyID),
				logging.Int("status", result.StatusCode))
		}
	})
}

// UpdateField issues POST /Lobby/{id} mutating one field. Routine updates are
// fire-and-forget; a failed update is reconciled away by the next refresh.
func (c *Client) UpdateField(lobbyID int64, field UpdateField, args map[string]any) {
	payload := make(map[string]any, len(args)+1)
	payload["field"] = int(field)
	for key, value := range args {
		payload[key] = value
	}
	c.send(http.MethodPost, c.lobbyURL(lobbyID), payload, 0, func(result rest.Result) {
		if !result.Success {
			c.logger.Warn("lobby field update rejected",
				logging.Int64("lobby_id", lobbyID),
				logging.String("field", field.String()),
				logging.Int("status", result.StatusCode))
		}
	})
}

// ReportOutcome issues POST /Lobby/{id}/Outcome committing match results.
func (c *Client) ReportOutcome(lobbyID int64, outcome MatchOutcome, onDone func(ok bool)) {
	c.send(http.MethodPost, c.lobbyURL(lobbyID)+"/Outcome", outcome, 30*time.Second, func(result rest.Result) {
		if onDone != nil {
			onDone(result.Success)
		}
	})
}

// ReportConnectivity uploads one mesh telemetry sample. Best effort: failures
// are logged at debug and otherwise ignored.
func (c *Client) ReportConnectivity(lobbyID int64, sample ConnectivitySample) {
	c.send(http.MethodPost, c.lobbyURL(lobbyID)+"/Connectivity", sample, 0, func(result rest.Result) {
		if !result.Success {
			c.logger.Debug("connectivity telemetry dropped",
				logging.Int64("target", sample.TargetUserID),
				logging.Int("status", result.StatusCode))
		}
	})
}

func (c *Client) lobbyURL(lobbyID int64) string {
	return fmt.Sprintf("%s/Lobby/%d", c.baseURL, lobbyID)
}

func (c *Client) send(method, url string, body any, timeout time.Duration, onComplete func(rest.Result)) {
	if c == nil || c.rest == nil {
		return
	}
	header := http.Header{}
	if c.authToken != "" {
		header.Set("Authorization", "Bearer "+c.authToken)
	}
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			c.logger.Error("encode request body", logging.String("url", url), logging.Error(err))
			onComplete(rest.Result{Err: err})
			return
		}
		header.Set("Content-Type", "application/json")
	}
	c.rest.Do(rest.Request{
		Method:     method,
		URL:        url,
		Header:     header,
		Body:       encoded,
		Timeout:    timeout,
		OnComplete: onComplete,
	})
}

func decodeBody(logger *logging.Logger, what string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		//1.- Log the offending payload so protocol drift is diagnosable from client logs.
		logger.Error("malformed response",
			logging.String("what", what),
			logging.String("payload", truncateForLog(body)),
			logging.Error(err))
		return err
	}
	return nil
}

func truncateForLog(body []byte) string {
	const limit = 512
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment selects which coordination-service deployment the client talks to.
type Environment string

const (
	EnvDev  Environment = "dev"
	EnvTest Environment = "test"
	EnvProd Environment = "prod"
)

const (
	// DefaultRefreshInterval is the cadence of periodic lobby snapshot polls.
	DefaultRefreshInterval = 5 * time.Second
	// DefaultAutoReadyDeadline bounds how long the host waits before forcing ready state.
	DefaultAutoReadyDeadline = 30 * time.Second
	// DefaultRequestTimeout applies to coordination-service HTTP calls unless overridden per call.
	DefaultRequestTimeout = 5 * time.Second
	// DefaultSignalRetryMax caps re-signalling attempts per peer connection.
	DefaultSignalRetryMax = 3
	// DefaultSignalQueueLimit bounds the outbound signaling relay queue.
	DefaultSignalQueueLimit = 128
	// DefaultTickHz is the frequency of the client main loop.
	DefaultTickHz = 30.0
	// DefaultHTTPWorkers sizes the async request multiplexer worker pool.
	DefaultHTTPWorkers = 4
	// DefaultPingInterval controls the keepalive cadence on the control channel.
	DefaultPingInterval = 30 * time.Second
	// DefaultPreferredPort is advertised to peers during signaling.
	DefaultPreferredPort = 8088

	// DefaultLogLevel controls verbosity for client logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "session-client.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 50
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 5
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the online session layer.
type Config struct {
	Environment       Environment
	ServiceBaseURL    string
	ControlChannelURL string
	AuthToken         string
	TurnURIs          []string
	PreferredPort     int

	RefreshInterval   time.Duration
	AutoReadyDeadline time.Duration
	RequestTimeout    time.Duration
	SignalRetryMax    int
	SignalQueueLimit  int
	RetryOnSignalFail bool
	TickHz            float64
	HTTPWorkers       int
	PingInterval      time.Duration

	NetlogDir string
	Logging   LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var defaultBaseURLs = map[Environment]string{
	EnvDev:  "http://localhost:9000/api/v1",
	EnvTest: "https://test.coordinator.warfront.gg/api/v1",
	EnvProd: "https://coordinator.warfront.gg/api/v1",
}

var defaultControlURLs = map[Environment]string{
	EnvDev:  "ws://localhost:9000/control",
	EnvTest: "wss://test.coordinator.warfront.gg/control",
	EnvProd: "wss://coordinator.warfront.gg/control",
}

var defaultTurnURIs = map[Environment][]string{
	EnvDev:  {"turn:localhost:3478?transport=udp"},
	EnvTest: {"turn:turn-test.warfront.gg:3478?transport=udp"},
	EnvProd: {"turn:turn.warfront.gg:3478?transport=udp", "turn:turn.warfront.gg:443?transport=tcp"},
}

// Load reads the client configuration from environment variables, applying sane
// defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	env := Environment(strings.ToLower(getString("CLIENT_ENV", string(EnvProd))))
	cfg := &Config{
		Environment:       env,
		ServiceBaseURL:    getString("CLIENT_SERVICE_URL", defaultBaseURLs[env]),
		ControlChannelURL: getString("CLIENT_CONTROL_URL", defaultControlURLs[env]),
		AuthToken:         strings.TrimSpace(os.Getenv("CLIENT_AUTH_TOKEN")),
		TurnURIs:          defaultTurnURIs[env],
		PreferredPort:     DefaultPreferredPort,
		RefreshInterval:   DefaultRefreshInterval,
		AutoReadyDeadline: DefaultAutoReadyDeadline,
		RequestTimeout:    DefaultRequestTimeout,
		SignalRetryMax:    DefaultSignalRetryMax,
		SignalQueueLimit:  DefaultSignalQueueLimit,
		RetryOnSignalFail: true,
		TickHz:            DefaultTickHz,
		HTTPWorkers:       DefaultHTTPWorkers,
		PingInterval:      DefaultPingInterval,
		NetlogDir:         strings.TrimSpace(os.Getenv("CLIENT_NETLOG_DIR")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("CLIENT_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("CLIENT_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	switch env {
	case EnvDev, EnvTest, EnvProd:
	default:
		problems = append(problems, fmt.Sprintf("CLIENT_ENV must be one of dev, test, prod, got %q", env))
	}

	if raw := strings.TrimSpace(os.Getenv("CLIENT_TURN_URIS")); raw != "" {
		var uris []string
		for _, uri := range strings.Split(raw, ",") {
			if uri = strings.TrimSpace(uri); uri != "" {
				uris = append(uris, uri)
			}
		}
		if len(uris) == 0 {
			problems = append(problems, fmt.Sprintf("CLIENT_TURN_URIS must list at least one URI, got %q", raw))
		} else {
			cfg.TurnURIs = uris
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CLIENT_PREFERRED_PORT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 || value > 65535 {
			problems = append(problems, fmt.Sprintf("CLIENT_PREFERRED_PORT must be a valid port, got %q", raw))
		} else {
			cfg.PreferredPort = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CLIENT_REFRESH_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CLIENT_REFRESH_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.RefreshInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CLIENT_AUTO_READY_DEADLINE")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CLIENT_AUTO_READY_DEADLINE must be a positive duration, got %q", raw))
		} else {
			cfg.AutoReadyDeadline = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CLIENT_REQUEST_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CLIENT_REQUEST_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.RequestTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CLIENT_SIGNAL_RETRY_MAX")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("CLIENT_SIGNAL_RETRY_MAX must be a non-negative integer, got %q", raw))
		} else {
			cfg.SignalRetryMax = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CLIENT_SIGNAL_QUEUE_LIMIT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CLIENT_SIGNAL_QUEUE_LIMIT must be a positive integer, got %q", raw))
		} else {
			cfg.SignalQueueLimit = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CLIENT_SIGNAL_RETRY_ENABLED")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("CLIENT_SIGNAL_RETRY_ENABLED must be a boolean value, got %q", raw))
		} else {
			cfg.RetryOnSignalFail = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CLIENT_TICK_HZ")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CLIENT_TICK_HZ must be a positive number, got %q", raw))
		} else {
			cfg.TickHz = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CLIENT_HTTP_WORKERS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CLIENT_HTTP_WORKERS must be a positive integer, got %q", raw))
		} else {
			cfg.HTTPWorkers = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CLIENT_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CLIENT_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CLIENT_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CLIENT_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CLIENT_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("CLIENT_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CLIENT_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("CLIENT_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CLIENT_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("CLIENT_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

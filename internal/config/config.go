package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the HTTP and websocket listen address.
	DefaultAddr = ":8080"
	// DefaultGRPCAddr is the observer service listen address. An empty override disables it.
	DefaultGRPCAddr = ":8081"
	// DefaultPingInterval controls the keepalive cadence for websocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound websocket frame size. Control messages are tiny.
	DefaultMaxPayloadBytes int64 = 64 << 10
	// DefaultMaxSessions bounds concurrently simulated sessions.
	DefaultMaxSessions = 64
	// DefaultFrameHz is the frame loop rate, one display refresh of the browser client.
	DefaultFrameHz = 60

	// DefaultControlMaxAge drops look deltas older than this.
	DefaultControlMaxAge = 250 * time.Millisecond
	// DefaultThrowMinInterval limits throw releases per client.
	DefaultThrowMinInterval = 50 * time.Millisecond
	// DefaultSnapshotBytesPerSecond caps outbound snapshot traffic per client.
	DefaultSnapshotBytesPerSecond = 256 * 1024

	// DefaultReplayFrameInterval is the replay frame capture cadence.
	DefaultReplayFrameInterval = 200 * time.Millisecond
	// DefaultReplayFlushWindow bounds how frequently replay flushes may be requested.
	DefaultReplayFlushWindow = time.Minute
	// DefaultReplayFlushBurst sets how many flush requests may be made per window.
	DefaultReplayFlushBurst = 1
	// DefaultReplayMaxSessions caps how many replay bundles stay on disk.
	DefaultReplayMaxSessions = 200
	// DefaultReplayMaxAge removes bundles older than a week.
	DefaultReplayMaxAge = 7 * 24 * time.Hour
	// DefaultReplaySweepInterval is the retention sweep cadence.
	DefaultReplaySweepInterval = time.Hour

	// DefaultLogLevel controls verbosity.
	DefaultLogLevel = "info"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the server.
type Config struct {
	Address         string
	GRPCAddress     string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxSessions     int
	FrameHz         int
	TLSCertPath     string
	TLSKeyPath      string

	// Level names an embedded preset; LevelFile points to a JSON level and wins over Level.
	Level     string
	LevelFile string

	AdminToken string
	WSSecret   string
	GRPCSecret string

	ControlMaxAge          time.Duration
	ThrowMinInterval       time.Duration
	SnapshotBytesPerSecond int

	ReplayDir           string
	ReplayFrameInterval time.Duration
	ReplayFlushWindow   time.Duration
	ReplayFlushBurst    int
	ReplayMaxSessions   int
	ReplayMaxAge        time.Duration
	ReplaySweepInterval time.Duration

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options. An empty
// Path keeps logs on stdout only.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads SNOWBIOME_* environment variables, applying defaults and
// reporting every invalid override in one error.
func Load() (*Config, error) {
	cfg := &Config{
		Address:                getString("SNOWBIOME_ADDR", DefaultAddr),
		GRPCAddress:            DefaultGRPCAddr,
		AllowedOrigins:         parseList(os.Getenv("SNOWBIOME_ALLOWED_ORIGINS")),
		MaxPayloadBytes:        DefaultMaxPayloadBytes,
		PingInterval:           DefaultPingInterval,
		MaxSessions:            DefaultMaxSessions,
		FrameHz:                DefaultFrameHz,
		TLSCertPath:            strings.TrimSpace(os.Getenv("SNOWBIOME_TLS_CERT")),
		TLSKeyPath:             strings.TrimSpace(os.Getenv("SNOWBIOME_TLS_KEY")),
		Level:                  strings.TrimSpace(os.Getenv("SNOWBIOME_LEVEL")),
		LevelFile:              strings.TrimSpace(os.Getenv("SNOWBIOME_LEVEL_FILE")),
		AdminToken:             strings.TrimSpace(os.Getenv("SNOWBIOME_ADMIN_TOKEN")),
		WSSecret:               strings.TrimSpace(os.Getenv("SNOWBIOME_WS_SECRET")),
		GRPCSecret:             strings.TrimSpace(os.Getenv("SNOWBIOME_GRPC_SECRET")),
		ControlMaxAge:          DefaultControlMaxAge,
		ThrowMinInterval:       DefaultThrowMinInterval,
		SnapshotBytesPerSecond: DefaultSnapshotBytesPerSecond,
		ReplayDir:              strings.TrimSpace(os.Getenv("SNOWBIOME_REPLAY_DIR")),
		ReplayFrameInterval:    DefaultReplayFrameInterval,
		ReplayFlushWindow:      DefaultReplayFlushWindow,
		ReplayFlushBurst:       DefaultReplayFlushBurst,
		ReplayMaxSessions:      DefaultReplayMaxSessions,
		ReplayMaxAge:           DefaultReplayMaxAge,
		ReplaySweepInterval:    DefaultReplaySweepInterval,
		Logging: LoggingConfig{
			Level:      getString("SNOWBIOME_LOG_LEVEL", DefaultLogLevel),
			Path:       strings.TrimSpace(os.Getenv("SNOWBIOME_LOG_PATH")),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}
	if raw, ok := os.LookupEnv("SNOWBIOME_GRPC_ADDR"); ok {
		cfg.GRPCAddress = strings.TrimSpace(raw)
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("SNOWBIOME_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SNOWBIOME_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	problems = positiveDuration("SNOWBIOME_PING_INTERVAL", &cfg.PingInterval, problems)
	problems = positiveDuration("SNOWBIOME_CONTROL_MAX_AGE", &cfg.ControlMaxAge, problems)
	problems = positiveDuration("SNOWBIOME_THROW_MIN_INTERVAL", &cfg.ThrowMinInterval, problems)
	problems = positiveDuration("SNOWBIOME_REPLAY_FRAME_INTERVAL", &cfg.ReplayFrameInterval, problems)
	problems = positiveDuration("SNOWBIOME_REPLAY_FLUSH_WINDOW", &cfg.ReplayFlushWindow, problems)
	problems = positiveDuration("SNOWBIOME_REPLAY_MAX_AGE", &cfg.ReplayMaxAge, problems)
	problems = positiveDuration("SNOWBIOME_REPLAY_SWEEP_INTERVAL", &cfg.ReplaySweepInterval, problems)

	problems = boundedInt("SNOWBIOME_MAX_SESSIONS", &cfg.MaxSessions, 1, problems)
	problems = boundedInt("SNOWBIOME_FRAME_HZ", &cfg.FrameHz, 1, problems)
	problems = boundedInt("SNOWBIOME_SNAPSHOT_BYTES_PER_SECOND", &cfg.SnapshotBytesPerSecond, 0, problems)
	problems = boundedInt("SNOWBIOME_REPLAY_FLUSH_BURST", &cfg.ReplayFlushBurst, 1, problems)
	problems = boundedInt("SNOWBIOME_REPLAY_MAX_SESSIONS", &cfg.ReplayMaxSessions, 0, problems)
	problems = boundedInt("SNOWBIOME_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB, 1, problems)
	problems = boundedInt("SNOWBIOME_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups, 0, problems)
	problems = boundedInt("SNOWBIOME_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays, 0, problems)

	if raw := strings.TrimSpace(os.Getenv("SNOWBIOME_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SNOWBIOME_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.FrameHz > 1000 {
		problems = append(problems, fmt.Sprintf("SNOWBIOME_FRAME_HZ must not exceed 1000, got %d", cfg.FrameHz))
	}
	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "SNOWBIOME_TLS_CERT and SNOWBIOME_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	return cfg, nil
}

func positiveDuration(key string, target *time.Duration, problems []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return problems
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration <= 0 {
		return append(problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
	}
	*target = duration
	return problems
}

func boundedInt(key string, target *int, minimum int, problems []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return problems
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < minimum {
		return append(problems, fmt.Sprintf("%s must be an integer >= %d, got %q", key, minimum, raw))
	}
	*target = value
	return problems
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}

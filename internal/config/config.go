package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the tuner HTTP server listens on.
	DefaultAddr = ":43180"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxAssetBytes limits uploaded model size.
	DefaultMaxAssetBytes int64 = 32 << 20
	// DefaultFrameBudget caps scene frame bytes per panel per second; zero disables it.
	DefaultFrameBudget = 0.0
	// DefaultPhysicsHz is the number of world steps per second.
	DefaultPhysicsHz = 60.0

	// DefaultAssetDir is where the chassis and wheel models are resolved from at startup.
	DefaultAssetDir = "static/models/mclaren"
	// DefaultWatchAssets reloads models when files in the asset directory change.
	DefaultWatchAssets = true
	// DefaultExportFormat selects the package bundle encoding.
	DefaultExportFormat = ExportFormatZip
	// DefaultExportWindow bounds how frequently export requests may be made.
	DefaultExportWindow = 10 * time.Second
	// DefaultExportBurst sets how many exports may be requested per window.
	DefaultExportBurst = 3

	// DefaultJournalMaxSessions caps how many session journals are retained.
	DefaultJournalMaxSessions = 20
	// DefaultJournalMaxAge prunes session journals older than this.
	DefaultJournalMaxAge = 7 * 24 * time.Hour
	// DefaultStateFlushInterval is how often edited parameters are persisted.
	DefaultStateFlushInterval = 2 * time.Second
	// DefaultGRPCCompression compresses streamed frames.
	DefaultGRPCCompression = "gzip"

	// DefaultLogLevel controls verbosity for tuner logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "tuner.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// ExportFormat names the archive encoding used by the package export path.
type ExportFormat string

const (
	ExportFormatZip    ExportFormat = "zip"
	ExportFormatTarZst ExportFormat = "tar.zst"
)

// Config captures all runtime tunables for the tuner service.
type Config struct {
	Address          string
	AllowedOrigins   []string
	MaxPayloadBytes  int64
	MaxAssetBytes    int64
	PingInterval     time.Duration
	FrameBudget      float64
	PhysicsHz        float64
	AssetDir         string
	WatchAssets      bool
	ExportDir        string
	ExportFormat     ExportFormat
	ExportWindow     time.Duration
	ExportBurst      int
	JournalDir       string
	Journal          JournalConfig
	StatePath        string
	StateInterval    time.Duration
	WSAuthSecret     string
	TLSCertPath      string
	TLSKeyPath       string
	GRPCAddress      string
	GRPCSharedSecret string
	GRPCClientCAPath string
	GRPCCompression  string
	Logging          LoggingConfig
}

// JournalConfig captures session journal retention.
type JournalConfig struct {
	MaxSessions int
	MaxAge      time.Duration
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

// Load reads the tuner configuration from environment variables, applying defaults
// and returning one descriptive error listing every invalid override.
func Load() (*Config, error) {
	cfg := &Config{
		Address:          getString("TUNER_ADDR", DefaultAddr),
		AllowedOrigins:   parseList(os.Getenv("TUNER_ALLOWED_ORIGINS")),
		MaxPayloadBytes:  DefaultMaxPayloadBytes,
		MaxAssetBytes:    DefaultMaxAssetBytes,
		PingInterval:     DefaultPingInterval,
		FrameBudget:      DefaultFrameBudget,
		PhysicsHz:        DefaultPhysicsHz,
		AssetDir:         getString("TUNER_ASSET_DIR", DefaultAssetDir),
		WatchAssets:      DefaultWatchAssets,
		ExportDir:        strings.TrimSpace(os.Getenv("TUNER_EXPORT_DIR")),
		ExportFormat:     DefaultExportFormat,
		ExportWindow:     DefaultExportWindow,
		ExportBurst:      DefaultExportBurst,
		JournalDir:       strings.TrimSpace(os.Getenv("TUNER_JOURNAL_DIR")),
		Journal:          JournalConfig{MaxSessions: DefaultJournalMaxSessions, MaxAge: DefaultJournalMaxAge},
		StatePath:        strings.TrimSpace(os.Getenv("TUNER_STATE_PATH")),
		StateInterval:    DefaultStateFlushInterval,
		WSAuthSecret:     strings.TrimSpace(os.Getenv("TUNER_WS_HMAC_SECRET")),
		GRPCAddress:      strings.TrimSpace(os.Getenv("TUNER_GRPC_ADDR")),
		TLSCertPath:      strings.TrimSpace(os.Getenv("TUNER_TLS_CERT")),
		TLSKeyPath:       strings.TrimSpace(os.Getenv("TUNER_TLS_KEY")),
		GRPCSharedSecret: strings.TrimSpace(os.Getenv("TUNER_GRPC_SHARED_SECRET")),
		GRPCClientCAPath: strings.TrimSpace(os.Getenv("TUNER_GRPC_CLIENT_CA")),
		GRPCCompression:  strings.ToLower(getString("TUNER_GRPC_COMPRESSION", DefaultGRPCCompression)),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("TUNER_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("TUNER_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("TUNER_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("TUNER_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TUNER_MAX_ASSET_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("TUNER_MAX_ASSET_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxAssetBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TUNER_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("TUNER_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TUNER_WS_FRAME_BUDGET")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value < 0 || math.IsInf(value, 0) || math.IsNaN(value) {
			problems = append(problems, fmt.Sprintf("TUNER_WS_FRAME_BUDGET must be a non-negative byte rate, got %q", raw))
		} else {
			cfg.FrameBudget = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TUNER_PHYSICS_HZ")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 || value > 1000 {
			problems = append(problems, fmt.Sprintf("TUNER_PHYSICS_HZ must be a frequency in (0, 1000], got %q", raw))
		} else {
			cfg.PhysicsHz = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TUNER_WATCH_ASSETS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("TUNER_WATCH_ASSETS must be a boolean value, got %q", raw))
		} else {
			cfg.WatchAssets = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TUNER_EXPORT_FORMAT")); raw != "" {
		switch format := ExportFormat(strings.ToLower(raw)); format {
		case ExportFormatZip, ExportFormatTarZst:
			cfg.ExportFormat = format
		default:
			problems = append(problems, fmt.Sprintf("TUNER_EXPORT_FORMAT must be %q or %q, got %q", ExportFormatZip, ExportFormatTarZst, raw))
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TUNER_EXPORT_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("TUNER_EXPORT_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.ExportWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TUNER_EXPORT_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("TUNER_EXPORT_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.ExportBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TUNER_JOURNAL_MAX_SESSIONS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("TUNER_JOURNAL_MAX_SESSIONS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Journal.MaxSessions = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TUNER_JOURNAL_MAX_AGE")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("TUNER_JOURNAL_MAX_AGE must be a non-negative duration, got %q", raw))
		} else {
			cfg.Journal.MaxAge = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TUNER_STATE_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("TUNER_STATE_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.StateInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TUNER_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("TUNER_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TUNER_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("TUNER_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TUNER_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("TUNER_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TUNER_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("TUNER_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "TUNER_TLS_CERT and TUNER_TLS_KEY must be set together")
	}

	switch cfg.GRPCCompression {
	case "gzip", "snappy", "zstd":
	default:
		problems = append(problems, fmt.Sprintf("TUNER_GRPC_COMPRESSION must be gzip, snappy or zstd, got %q", cfg.GRPCCompression))
	}

	if cfg.GRPCSharedSecret != "" && cfg.GRPCAddress == "" {
		problems = append(problems, "TUNER_GRPC_SHARED_SECRET requires TUNER_GRPC_ADDR")
	}

	if cfg.GRPCClientCAPath != "" && (cfg.GRPCAddress == "" || cfg.TLSCertPath == "") {
		problems = append(problems, "TUNER_GRPC_CLIENT_CA requires TUNER_GRPC_ADDR and TUNER_TLS_CERT")
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

// Package config manages live-session client configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

const envPrefix = "LIVESESSION_"

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML accepts "3s"-style strings and bare integers (seconds).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	text := strings.TrimSpace(node.Value)
	if text == "" {
		*d = 0
		return nil
	}
	parsed, err := parseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func parseDuration(text string) (time.Duration, error) {
	if secs, err := strconv.Atoi(text); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", text)
	}
	return parsed, nil
}

// ControlConfig configures the control-plane client.
type ControlConfig struct {
	BaseURL   string   `yaml:"baseURL"`
	Timeout   Duration `yaml:"timeout"`
	RateLimit float64  `yaml:"rateLimit"`
	Burst     int      `yaml:"burst"`
}

// StreamConfig configures the push-channel transport.
type StreamConfig struct {
	Transport         string   `yaml:"transport"`
	URLTemplate       string   `yaml:"urlTemplate"`
	IdleTimeout       Duration `yaml:"idleTimeout"`
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
	MaxFrameBytes     int      `yaml:"maxFrameBytes"`
}

// URLFor expands the URL template for a session id.
func (s StreamConfig) URLFor(sessionID string) string {
	if s.URLTemplate == "" {
		return ""
	}
	return strings.ReplaceAll(s.URLTemplate, "{session_id}", url.PathEscape(sessionID))
}

// ReconnectConfig configures the reconnect backoff schedule.
type ReconnectConfig struct {
	BaseDelay     Duration `yaml:"baseDelay"`
	MaxDelay      Duration `yaml:"maxDelay"`
	Jitter        float64  `yaml:"jitter"`
	ResyncOnGap   bool     `yaml:"resyncOnGap"`
	AnomalyWindow int      `yaml:"anomalyWindow"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig configures the zerolog backend.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Console    bool   `yaml:"console"`
	JSON       bool   `yaml:"json"`
	FilePath   string `yaml:"filePath"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// AppConfig is the unified client configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Control     ControlConfig   `yaml:"control"`
	Stream      StreamConfig    `yaml:"stream"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Control: ControlConfig{
			BaseURL:   "http://localhost:8000/api/live",
			Timeout:   Duration(10 * time.Second),
			RateLimit: 5,
			Burst:     2,
		},
		Stream: StreamConfig{
			Transport:         "sse",
			HeartbeatInterval: Duration(15 * time.Second),
			IdleTimeout:       Duration(45 * time.Second),
			MaxFrameBytes:     16 << 20,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:     Duration(3 * time.Second),
			MaxDelay:      Duration(30 * time.Second),
			Jitter:        0.2,
			AnomalyWindow: 64,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "localhost:4318",
			ServiceName:   "livesession",
			EnableMetrics: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Console:    true,
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Load reads, overrides from the environment and validates an AppConfig.
// Fields missing from the file keep their Default values.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault loads configPath when it exists and falls back to Default
// (plus environment overrides) otherwise.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return finish(Default())
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(Default())
	}
	return cfg, err
}

func finish(cfg AppConfig) (AppConfig, error) {
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return AppConfig{}, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// applyEnv overrides fields from LIVESESSION_* variables.
func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(envPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		parsed, err := parseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = Duration(parsed)
		return nil
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(envPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: invalid bool %q", envPrefix, key, v)
		}
		*dst = parsed
		return nil
	}

	var env string
	str("ENV", &env)
	if env != "" {
		c.Environment = Environment(env)
	}
	str("CONTROL_BASE_URL", &c.Control.BaseURL)
	str("STREAM_TRANSPORT", &c.Stream.Transport)
	str("STREAM_URL_TEMPLATE", &c.Stream.URLTemplate)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FILE", &c.Logging.FilePath)
	str("OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)

	for key, dst := range map[string]*Duration{
		"CONTROL_TIMEOUT":      &c.Control.Timeout,
		"STREAM_IDLE_TIMEOUT":  &c.Stream.IdleTimeout,
		"RECONNECT_BASE_DELAY": &c.Reconnect.BaseDelay,
		"RECONNECT_MAX_DELAY":  &c.Reconnect.MaxDelay,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*bool{
		"RESYNC_ON_GAP":     &c.Reconnect.ResyncOnGap,
		"TELEMETRY_ENABLED": &c.Telemetry.Enabled,
		"LOG_JSON":          &c.Logging.JSON,
	} {
		if err := boolean(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Control.BaseURL = strings.TrimRight(strings.TrimSpace(c.Control.BaseURL), "/")
	c.Stream.Transport = strings.ToLower(strings.TrimSpace(c.Stream.Transport))
	c.Stream.URLTemplate = strings.TrimSpace(c.Stream.URLTemplate)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.FilePath = strings.TrimSpace(c.Logging.FilePath)

	if c.Stream.Transport == "ws" {
		c.Stream.Transport = "websocket"
	}
	if c.Stream.IdleTimeout <= 0 && c.Stream.HeartbeatInterval > 0 {
		c.Stream.IdleTimeout = 3 * c.Stream.HeartbeatInterval
	}
	if c.Control.Burst <= 0 {
		c.Control.Burst = 1
	}
	if c.Reconnect.AnomalyWindow <= 0 {
		c.Reconnect.AnomalyWindow = 64
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Control.BaseURL == "" {
		return fmt.Errorf("control baseURL required")
	}
	if u, err := url.Parse(c.Control.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("control baseURL %q must be an absolute url", c.Control.BaseURL)
	}
	if c.Control.Timeout < 0 {
		return fmt.Errorf("control timeout must be >= 0")
	}
	if c.Control.RateLimit < 0 {
		return fmt.Errorf("control rateLimit must be >= 0")
	}

	switch c.Stream.Transport {
	case "sse", "websocket":
	default:
		return fmt.Errorf("stream transport must be sse or websocket")
	}
	if c.Stream.URLTemplate != "" && !strings.Contains(c.Stream.URLTemplate, "{session_id}") {
		return fmt.Errorf("stream urlTemplate must contain {session_id}")
	}
	if c.Stream.IdleTimeout <= 0 {
		return fmt.Errorf("stream idleTimeout must be > 0")
	}
	if c.Stream.HeartbeatInterval > 0 && c.Stream.IdleTimeout < 2*c.Stream.HeartbeatInterval {
		return fmt.Errorf("stream idleTimeout must be at least twice heartbeatInterval")
	}
	if c.Stream.MaxFrameBytes < 0 {
		return fmt.Errorf("stream maxFrameBytes must be >= 0")
	}

	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect baseDelay must be > 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect maxDelay must be >= baseDelay")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		return fmt.Errorf("reconnect jitter must be in [0, 1)")
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging level %q not recognised", c.Logging.Level)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}

package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the meshconf server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	ControlPort       int           // HTTP listener hosting the control WebSocket and ops API
	MediaPort         int           // UDP ingress port for media datagrams
	EgressPortStart   int           // first port tried for per-participant egress sockets
	HeartbeatInterval time.Duration // expected max gap between client PINGs
	HeartbeatStrikes  int           // missed heartbeat intervals before the session is closed
	ReassemblyTTL     time.Duration // lifetime of a partial frame assembly
	CompositeFPS      int           // composed video emission cadence
	CellWidth         int           // composite grid cell width in pixels
	CellHeight        int           // composite grid cell height in pixels
	JPEGQuality       int           // quality for re-encoded composite frames
	AudioSampleRate   int           // PCM sample rate expected from senders
	AudioFrameSamples int           // int16 samples per audio frame
	AudioRingDuration time.Duration // audio buffered per sender before overwrite
	UDPBufferBytes    int           // kernel socket buffer size for ingress and egress
	APIRateLimit      float64       // ops API requests per second per client IP
	APIRateBurst      int           // ops API burst size per client IP
	LogLevel          string
	LogFormat         string // log output format: "text" or "json"
}

// defaults
const (
	defaultControlPort       = 8765
	defaultMediaPort         = 5555
	defaultEgressPortStart   = 6000
	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatStrikes  = 3
	defaultReassemblyTTL     = 5 * time.Second
	defaultCompositeFPS      = 30
	defaultCellWidth         = 960
	defaultCellHeight        = 540
	defaultJPEGQuality       = 50
	defaultAudioSampleRate   = 44100
	defaultAudioFrameSamples = 1024
	defaultAudioRingDuration = time.Second
	defaultUDPBufferBytes    = 8 * 1024 * 1024
	defaultAPIRateLimit      = 10
	defaultAPIRateBurst      = 20
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
)

// envPrefix is the prefix for all meshconf environment variables.
const envPrefix = "MESHCONF_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("meshconf", flag.ContinueOnError)

	fs.IntVar(&cfg.ControlPort, "control-port", defaultControlPort, "HTTP listen port for the control WebSocket and ops API")
	fs.IntVar(&cfg.MediaPort, "media-port", defaultMediaPort, "UDP listen port for media ingress")
	fs.IntVar(&cfg.EgressPortStart, "egress-port-start", defaultEgressPortStart, "first UDP port tried for per-participant egress sockets")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", defaultHeartbeatInterval, "expected max gap between client heartbeats")
	fs.IntVar(&cfg.HeartbeatStrikes, "heartbeat-strikes", defaultHeartbeatStrikes, "missed heartbeat intervals before a session is closed")
	fs.DurationVar(&cfg.ReassemblyTTL, "reassembly-ttl", defaultReassemblyTTL, "lifetime of a partial frame assembly")
	fs.IntVar(&cfg.CompositeFPS, "composite-fps", defaultCompositeFPS, "composed video frames per second")
	fs.IntVar(&cfg.CellWidth, "cell-width", defaultCellWidth, "composite grid cell width in pixels")
	fs.IntVar(&cfg.CellHeight, "cell-height", defaultCellHeight, "composite grid cell height in pixels")
	fs.IntVar(&cfg.JPEGQuality, "jpeg-quality", defaultJPEGQuality, "JPEG quality for re-encoded composite frames (1-100)")
	fs.IntVar(&cfg.AudioSampleRate, "audio-sample-rate", defaultAudioSampleRate, "PCM sample rate expected from senders")
	fs.IntVar(&cfg.AudioFrameSamples, "audio-frame-samples", defaultAudioFrameSamples, "int16 samples per audio frame")
	fs.DurationVar(&cfg.AudioRingDuration, "audio-ring-duration", defaultAudioRingDuration, "audio buffered per sender before overwrite")
	fs.IntVar(&cfg.UDPBufferBytes, "udp-buffer-bytes", defaultUDPBufferBytes, "kernel socket buffer size for media sockets")
	fs.Float64Var(&cfg.APIRateLimit, "api-rate-limit", defaultAPIRateLimit, "ops API requests per second per client IP")
	fs.IntVar(&cfg.APIRateBurst, "api-rate-burst", defaultAPIRateBurst, "ops API burst size per client IP")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"control-port":        envPrefix + "CONTROL_PORT",
		"media-port":          envPrefix + "MEDIA_PORT",
		"egress-port-start":   envPrefix + "EGRESS_PORT_START",
		"heartbeat-interval":  envPrefix + "HEARTBEAT_INTERVAL",
		"heartbeat-strikes":   envPrefix + "HEARTBEAT_STRIKES",
		"reassembly-ttl":      envPrefix + "REASSEMBLY_TTL",
		"composite-fps":       envPrefix + "COMPOSITE_FPS",
		"cell-width":          envPrefix + "CELL_WIDTH",
		"cell-height":         envPrefix + "CELL_HEIGHT",
		"jpeg-quality":        envPrefix + "JPEG_QUALITY",
		"audio-sample-rate":   envPrefix + "AUDIO_SAMPLE_RATE",
		"audio-frame-samples": envPrefix + "AUDIO_FRAME_SAMPLES",
		"audio-ring-duration": envPrefix + "AUDIO_RING_DURATION",
		"udp-buffer-bytes":    envPrefix + "UDP_BUFFER_BYTES",
		"api-rate-limit":      envPrefix + "API_RATE_LIMIT",
		"api-rate-burst":      envPrefix + "API_RATE_BURST",
		"log-level":           envPrefix + "LOG_LEVEL",
		"log-format":          envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "control-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ControlPort = v
			}
		case "media-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MediaPort = v
			}
		case "egress-port-start":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.EgressPortStart = v
			}
		case "heartbeat-interval":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.HeartbeatInterval = v
			}
		case "heartbeat-strikes":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HeartbeatStrikes = v
			}
		case "reassembly-ttl":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.ReassemblyTTL = v
			}
		case "composite-fps":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.CompositeFPS = v
			}
		case "cell-width":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.CellWidth = v
			}
		case "cell-height":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.CellHeight = v
			}
		case "jpeg-quality":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.JPEGQuality = v
			}
		case "audio-sample-rate":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AudioSampleRate = v
			}
		case "audio-frame-samples":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AudioFrameSamples = v
			}
		case "audio-ring-duration":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.AudioRingDuration = v
			}
		case "udp-buffer-bytes":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.UDPBufferBytes = v
			}
		case "api-rate-limit":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.APIRateLimit = v
			}
		case "api-rate-burst":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.APIRateBurst = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.ControlPort < 1 || c.ControlPort > 65535 {
		return fmt.Errorf("control-port must be between 1 and 65535, got %d", c.ControlPort)
	}
	if c.MediaPort < 1 || c.MediaPort > 65535 {
		return fmt.Errorf("media-port must be between 1 and 65535, got %d", c.MediaPort)
	}
	if c.EgressPortStart < 1024 || c.EgressPortStart > 65535 {
		return fmt.Errorf("egress-port-start must be between 1024 and 65535, got %d", c.EgressPortStart)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat-interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.HeartbeatStrikes < 1 {
		return fmt.Errorf("heartbeat-strikes must be at least 1, got %d", c.HeartbeatStrikes)
	}
	if c.ReassemblyTTL <= 0 {
		return fmt.Errorf("reassembly-ttl must be positive, got %s", c.ReassemblyTTL)
	}
	if c.CompositeFPS < 1 || c.CompositeFPS > 120 {
		return fmt.Errorf("composite-fps must be between 1 and 120, got %d", c.CompositeFPS)
	}
	if c.CellWidth < 16 || c.CellHeight < 16 {
		return fmt.Errorf("cell dimensions must be at least 16x16, got %dx%d", c.CellWidth, c.CellHeight)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg-quality must be between 1 and 100, got %d", c.JPEGQuality)
	}
	if c.AudioSampleRate < 8000 {
		return fmt.Errorf("audio-sample-rate must be at least 8000, got %d", c.AudioSampleRate)
	}
	if c.AudioFrameSamples < 1 {
		return fmt.Errorf("audio-frame-samples must be positive, got %d", c.AudioFrameSamples)
	}
	if c.AudioRingDuration <= 0 {
		return fmt.Errorf("audio-ring-duration must be positive, got %s", c.AudioRingDuration)
	}
	if c.UDPBufferBytes < 64*1024 {
		return fmt.Errorf("udp-buffer-bytes must be at least 65536, got %d", c.UDPBufferBytes)
	}
	if c.APIRateLimit <= 0 {
		return fmt.Errorf("api-rate-limit must be positive, got %g", c.APIRateLimit)
	}
	if c.APIRateBurst < 1 {
		return fmt.Errorf("api-rate-burst must be at least 1, got %d", c.APIRateBurst)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// CompositeInterval returns the tick period for composed frame emission.
func (c *Config) CompositeInterval() time.Duration {
	return time.Second / time.Duration(c.CompositeFPS)
}

// AudioRingFrames returns the per-sender audio ring capacity in frames:
// ceil(sampleRate * ringDuration / frameSamples).
func (c *Config) AudioRingFrames() int {
	samples := float64(c.AudioSampleRate) * c.AudioRingDuration.Seconds()
	frames := int(samples) / c.AudioFrameSamples
	if int(samples)%c.AudioFrameSamples != 0 {
		frames++
	}
	return frames
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

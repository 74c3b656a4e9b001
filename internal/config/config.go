package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/admission"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/bundler"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/clock"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/latency"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/mesh"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/scheduler"
)

// Default configuration values
const (
	DefaultDomain = "localhost:8080"
	DefaultSTUN   = "stun:stun.l.google.com:19302"
)

var ErrRelayWithoutTURN = errors.New("cannot force relay mode without TURN server configured")

// Config holds application configuration
type Config struct {
	// Domain is the signaling hub host[:port]
	Domain string

	// WebSocketURL is constructed from domain unless set explicitly
	WebSocketURL string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	Tuning Tuning
}

// Tuning holds the sync and scheduling constants.
type Tuning struct {
	ProbeInterval  time.Duration
	DefaultLatency time.Duration
	LatencyAlpha   float64

	StaleAfter time.Duration
	Spacing    time.Duration
	Window     time.Duration

	BundleInterval time.Duration

	SafetyOffset       time.Duration
	ImmediateThreshold time.Duration
	PercussiveBias     time.Duration
	Percussive         []string

	CalibrationMin     time.Duration
	CalibrationMax     time.Duration
	CalibrationTimeout time.Duration
	MaxOffsetJump      time.Duration
}

// DefaultTuning returns every component's built-in default.
func DefaultTuning() Tuning {
	return Tuning{
		ProbeInterval:      mesh.DefaultProbeInterval,
		DefaultLatency:     latency.DefaultLatency,
		LatencyAlpha:       latency.DefaultAlpha,
		StaleAfter:         admission.DefaultStaleAfter,
		Spacing:            admission.DefaultSpacing,
		Window:             admission.DefaultWindow,
		BundleInterval:     bundler.DefaultInterval,
		SafetyOffset:       scheduler.DefaultSafetyOffset,
		ImmediateThreshold: scheduler.DefaultImmediateThreshold,
		PercussiveBias:     scheduler.DefaultPercussiveBias,
		Percussive:         []string{"drums", "percussion", "kit"},
		CalibrationMin:     clock.DefaultMinInterval,
		CalibrationMax:     clock.DefaultMaxInterval,
		CalibrationTimeout: clock.DefaultRequestTimeout,
		MaxOffsetJump:      clock.DefaultFilterConfig().MaxOffsetJump,
	}
}

// Options for loading config with CLI flag overrides
type Options struct {
	Domain     string
	URL        string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
	// ConfigFile is an optional YAML tuning file.
	ConfigFile string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. The tuning file, for tuning.* keys
// 4. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	v, err := newViper(opts.ConfigFile)
	if err != nil {
		return nil, err
	}

	domain := first(opts.Domain, os.Getenv("DOMAIN"), DefaultDomain)
	wsURL := first(opts.URL, os.Getenv("SIGNALING_URL"))
	if wsURL == "" {
		wsURL = websocketURL(domain)
	}

	cfg := &Config{
		Domain:       domain,
		WebSocketURL: wsURL,
		STUNServer:   first(opts.STUNServer, os.Getenv("STUN_SERVER"), DefaultSTUN),
		TURNServer:   first(opts.TURNServer, os.Getenv("TURN_SERVER")),
		TURNUser:     first(opts.TURNUser, os.Getenv("TURN_USERNAME")),
		TURNPass:     first(opts.TURNPass, os.Getenv("TURN_PASSWORD")),
		ForceRelay:   opts.ForceRelay || os.Getenv("FORCE_RELAY") == "true",
		Tuning:       readTuning(v),
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, ErrRelayWithoutTURN
	}
	if err := cfg.Tuning.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("JAMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	d := DefaultTuning()
	v.SetDefault("tuning.probe_interval", d.ProbeInterval)
	v.SetDefault("tuning.default_latency", d.DefaultLatency)
	v.SetDefault("tuning.latency_alpha", d.LatencyAlpha)
	v.SetDefault("tuning.stale_after", d.StaleAfter)
	v.SetDefault("tuning.spacing", d.Spacing)
	v.SetDefault("tuning.window", d.Window)
	v.SetDefault("tuning.bundle_interval", d.BundleInterval)
	v.SetDefault("tuning.safety_offset", d.SafetyOffset)
	v.SetDefault("tuning.immediate_threshold", d.ImmediateThreshold)
	v.SetDefault("tuning.percussive_bias", d.PercussiveBias)
	v.SetDefault("tuning.percussive", d.Percussive)
	v.SetDefault("tuning.calibration_min", d.CalibrationMin)
	v.SetDefault("tuning.calibration_max", d.CalibrationMax)
	v.SetDefault("tuning.calibration_timeout", d.CalibrationTimeout)
	v.SetDefault("tuning.max_offset_jump", d.MaxOffsetJump)

	if path == "" {
		path = os.Getenv("JAMSYNC_CONFIG")
	}
	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return v, nil
}

func readTuning(v *viper.Viper) Tuning {
	return Tuning{
		ProbeInterval:      v.GetDuration("tuning.probe_interval"),
		DefaultLatency:     v.GetDuration("tuning.default_latency"),
		LatencyAlpha:       v.GetFloat64("tuning.latency_alpha"),
		StaleAfter:         v.GetDuration("tuning.stale_after"),
		Spacing:            v.GetDuration("tuning.spacing"),
		Window:             v.GetDuration("tuning.window"),
		BundleInterval:     v.GetDuration("tuning.bundle_interval"),
		SafetyOffset:       v.GetDuration("tuning.safety_offset"),
		ImmediateThreshold: v.GetDuration("tuning.immediate_threshold"),
		PercussiveBias:     v.GetDuration("tuning.percussive_bias"),
		Percussive:         v.GetStringSlice("tuning.percussive"),
		CalibrationMin:     v.GetDuration("tuning.calibration_min"),
		CalibrationMax:     v.GetDuration("tuning.calibration_max"),
		CalibrationTimeout: v.GetDuration("tuning.calibration_timeout"),
		MaxOffsetJump:      v.GetDuration("tuning.max_offset_jump"),
	}
}

func (t Tuning) validate() error {
	positive := map[string]time.Duration{
		"probe_interval":      t.ProbeInterval,
		"default_latency":     t.DefaultLatency,
		"stale_after":         t.StaleAfter,
		"window":              t.Window,
		"bundle_interval":     t.BundleInterval,
		"safety_offset":       t.SafetyOffset,
		"immediate_threshold": t.ImmediateThreshold,
		"calibration_min":     t.CalibrationMin,
		"calibration_max":     t.CalibrationMax,
		"calibration_timeout": t.CalibrationTimeout,
		"max_offset_jump":     t.MaxOffsetJump,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("invalid tuning.%s: %v must be positive", key, d)
		}
	}
	if t.Spacing < 0 || t.PercussiveBias < 0 {
		return fmt.Errorf("invalid tuning: spacing and percussive_bias must not be negative")
	}
	if t.LatencyAlpha <= 0 || t.LatencyAlpha > 1 {
		return fmt.Errorf("invalid tuning.latency_alpha: %v not in (0, 1]", t.LatencyAlpha)
	}
	if t.CalibrationMax < t.CalibrationMin {
		return fmt.Errorf("invalid tuning: calibration_max %v below calibration_min %v", t.CalibrationMax, t.CalibrationMin)
	}
	return nil
}

// first returns the first non-empty value.
func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// websocketURL uses plain ws for local hubs and wss everywhere else.
func websocketURL(domain string) string {
	host := domain
	if h, _, err := net.SplitHostPort(domain); err == nil {
		host = h
	}
	scheme := "wss"
	if host == "localhost" {
		scheme = "ws"
	} else if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, domain)
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return strings.Split(c.STUNServer, ",")
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("%s:3478?transport=tcp", c.TURNServer),
		fmt.Sprintf("turns:%s:5349?transport=tcp", strings.TrimPrefix(c.TURNServer, "turn:")),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}

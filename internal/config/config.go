package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// VerseInit controls when peer sync starts.
type VerseInit string

const (
	VerseOff        VerseInit = "off"
	VerseBlocking   VerseInit = "blocking"
	VerseBackground VerseInit = "background"
)

// Config holds every tunable of the shell core.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Lifecycle    LifecycleConfig    `yaml:"lifecycle"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Thumbnail    ThumbnailConfig    `yaml:"thumbnail"`
	Sync         SyncConfig         `yaml:"sync"`

	HistoryLimit          int     `yaml:"history_limit"`
	SnapshotIntervalSecs  int     `yaml:"snapshot_interval_secs"`
	PersistenceOpenTimeMs int     `yaml:"persistence_open_timeout_ms"`
	DevicePixelRatio      float64 `yaml:"device_pixel_ratio"`
	DisableWSLFallback    bool    `yaml:"disable_wsl_software_fallback"`
	TracingFilter         string  `yaml:"tracing_filter"`
	FrameRate             int     `yaml:"frame_rate"`
}

// LifecycleConfig bounds how many nodes keep live runtimes.
type LifecycleConfig struct {
	ActiveLimit    int `yaml:"active_limit"`
	WarmCacheLimit int `yaml:"warm_cache_limit"`
}

// BackpressureConfig tunes webview creation retries.
type BackpressureConfig struct {
	MaxConcurrent      int     `yaml:"max_concurrent"`
	CreatesPerSecond   float64 `yaml:"creates_per_second"`
	Burst              int     `yaml:"burst"`
	ConfirmationWindow string  `yaml:"confirmation_window"`
	CreationTimeout    string  `yaml:"creation_timeout"`
	MaxRetries         int     `yaml:"max_retries"`
	CooldownMin        string  `yaml:"cooldown_min"`
	CooldownMax        string  `yaml:"cooldown_max"`
}

// ThumbnailConfig sizes captured previews.
type ThumbnailConfig struct {
	Width           int `yaml:"width"`
	Height          int `yaml:"height"`
	ChannelCapacity int `yaml:"channel_capacity"`
}

// SyncConfig configures peer sync.
type SyncConfig struct {
	Init            VerseInit `yaml:"init"`
	ListenAddr      string    `yaml:"listen_addr"`
	InboundCapacity int       `yaml:"inbound_capacity"`
	Workspace       string    `yaml:"workspace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Lifecycle: LifecycleConfig{
			ActiveLimit:    4,
			WarmCacheLimit: 12,
		},
		Backpressure: BackpressureConfig{
			MaxConcurrent:      2,
			CreatesPerSecond:   8,
			Burst:              4,
			ConfirmationWindow: "2s",
			CreationTimeout:    "8s",
			MaxRetries:         3,
			CooldownMin:        "1s",
			CooldownMax:        "8s",
		},
		Thumbnail: ThumbnailConfig{
			Width:           256,
			Height:          192,
			ChannelCapacity: 16,
		},
		Sync: SyncConfig{
			Init:            VerseBackground,
			ListenAddr:      "127.0.0.1:7717",
			InboundCapacity: 64,
			Workspace:       "default",
		},
		HistoryLimit:          128,
		SnapshotIntervalSecs:  60,
		PersistenceOpenTimeMs: 600,
		DevicePixelRatio:      1.0,
		TracingFilter:         "info",
		FrameRate:             60,
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "graphshell")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".graphshell"
	}
	return filepath.Join(home, ".local", "share", "graphshell")
}

// Load reads a yaml config file. A missing file yields the defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, []error) {
	cfg := Default()
	var warnings []error

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				warnings = append(warnings, fmt.Errorf("parsing config %s: %w", path, err))
			}
		case !os.IsNotExist(err):
			warnings = append(warnings, fmt.Errorf("reading config %s: %w", path, err))
		}
	}

	warnings = append(warnings, cfg.ApplyEnv(os.LookupEnv)...)
	return cfg, warnings
}

// Save writes the config as yaml, creating the parent directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnv applies GRAPHSHELL_* overrides. Invalid values are reported and
// leave the previous value in place.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) []error {
	var errs []error
	bad := func(name, val string, err error) {
		errs = append(errs, fmt.Errorf("ignoring %s=%q: %w", name, val, err))
	}

	if v, ok := lookup("GRAPHSHELL_VERSE_INIT"); ok {
		switch mode := VerseInit(strings.ToLower(strings.TrimSpace(v))); mode {
		case VerseOff, VerseBlocking, VerseBackground:
			c.Sync.Init = mode
		default:
			bad("GRAPHSHELL_VERSE_INIT", v, fmt.Errorf("want off, blocking or background"))
		}
	}
	if v, ok := lookup("GRAPHSHELL_PERSISTENCE_OPEN_TIMEOUT_MS"); ok {
		if n, err := strconv.Atoi(v); err != nil || n < 0 {
			bad("GRAPHSHELL_PERSISTENCE_OPEN_TIMEOUT_MS", v, errOrNegative(err))
		} else {
			c.PersistenceOpenTimeMs = n
		}
	}
	if v, ok := lookup("GRAPHSHELL_HISTORY_MANAGER_LIMIT"); ok {
		if n, err := strconv.Atoi(v); err != nil || n <= 0 {
			bad("GRAPHSHELL_HISTORY_MANAGER_LIMIT", v, errOrNegative(err))
		} else {
			c.HistoryLimit = n
		}
	}
	if v, ok := lookup("GRAPHSHELL_DISABLE_WSL_SOFTWARE_FALLBACK"); ok {
		c.DisableWSLFallback = parseFlag(v)
	}
	if v, ok := lookup("GRAPHSHELL_TRACING_FILTER"); ok && v != "" {
		c.TracingFilter = v
	}
	if v, ok := lookup("GRAPHSHELL_GRAPH_DATA_DIR"); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup("GRAPHSHELL_GRAPH_SNAPSHOT_INTERVAL_SECS"); ok {
		if n, err := strconv.Atoi(v); err != nil || n <= 0 {
			bad("GRAPHSHELL_GRAPH_SNAPSHOT_INTERVAL_SECS", v, errOrNegative(err))
		} else {
			c.SnapshotIntervalSecs = n
		}
	}
	if v, ok := lookup("GRAPHSHELL_DEVICE_PIXEL_RATIO"); ok {
		if f, err := strconv.ParseFloat(v, 64); err != nil || f <= 0 {
			bad("GRAPHSHELL_DEVICE_PIXEL_RATIO", v, errOrNegative(err))
		} else {
			c.DevicePixelRatio = f
		}
	}
	return errs
}

func errOrNegative(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("must be positive")
}

func parseFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Path returns the default config file location inside the data dir.
func (c *Config) Path() string {
	return filepath.Join(c.DataDir, "graphshell.yaml")
}

// DatabasePath is the sqlite store inside the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "graphshell.db")
}

// SnapshotInterval returns the graph snapshot period.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSecs) * time.Second
}

// PersistenceOpenTimeout bounds how long startup waits for the store.
func (c *Config) PersistenceOpenTimeout() time.Duration {
	return time.Duration(c.PersistenceOpenTimeMs) * time.Millisecond
}

// Duration parses a duration string, returning fallback when empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

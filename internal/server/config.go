package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/nexstar-gpsmon/internal/gps"
	"github.com/shaunagostinho/nexstar-gpsmon/internal/logger"
	"github.com/shaunagostinho/nexstar-gpsmon/internal/nexstar"
)

// Config holds all monitor daemon configuration.
type Config struct {
	mu sync.RWMutex

	// GPS source (hand controller serial port or simulator)
	GPS GPSConfig `yaml:"gps" json:"gps"`

	// Poll intervals
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`

	// CSV event journal
	Journal logger.JournalConfig `yaml:"journal" json:"journal"`

	// Process logging
	Logging logger.Config `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type GPSConfig struct {
	Type      string             `yaml:"type" json:"type"`          // "nexstar", "demo" or "disabled"
	PortPath  string             `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate  int                `yaml:"baud_rate" json:"baudRate"`
	TimeoutMs int                `yaml:"timeout_ms" json:"timeoutMs"`
	Demo      nexstar.DemoConfig `yaml:"demo" json:"demo"`
}

// MonitorConfig holds the GPS poll policy.
type MonitorConfig struct {
	LongIntervalMs  int  `yaml:"long_interval_ms" json:"longIntervalMs"`   // after a good fix and while guiding
	ShortIntervalMs int  `yaml:"short_interval_ms" json:"shortIntervalMs"` // while not linked / time invalid
	PollSliceMs     int  `yaml:"poll_slice_ms" json:"pollSliceMs"`         // stop/disconnect check cadence
	AutoStart       bool `yaml:"auto_start" json:"autoStart"`              // start once the link is up
}

type ServerConfig struct {
	ListenAddr       string `yaml:"listen_addr" json:"listenAddr"`
	StatusIntervalMs int    `yaml:"status_interval_ms" json:"statusIntervalMs"` // WebSocket status push
}

// DefaultPath is where the daemon keeps its config unless told otherwise.
const DefaultPath = "/etc/gpsmon/config.yaml"

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		path: DefaultPath,
		GPS: GPSConfig{
			Type:      "demo",
			PortPath:  "/dev/ttyUSB0",
			BaudRate:  9600,
			TimeoutMs: 3500,
			Demo: nexstar.DemoConfig{
				LinkAfter:  2,
				ValidAfter: 1,
				LatencyMs:  1000,
			},
		},
		Monitor: MonitorConfig{
			LongIntervalMs:  int(gps.DefaultLongInterval / time.Millisecond),
			ShortIntervalMs: int(gps.DefaultShortInterval / time.Millisecond),
			PollSliceMs:     int(gps.DefaultPollSlice / time.Millisecond),
			AutoStart:       true,
		},
		Journal: logger.JournalConfig{
			Enabled: false,
			Path:    "/var/log/gpsmon",
			MaxRows: 100_000,
		},
		Logging: logger.Config{
			Level:    "info",
			Encoding: "console",
		},
		Server: ServerConfig{
			ListenAddr:       ":8080",
			StatusIntervalMs: 1000,
		},
	}
}

// MonitorSettings converts the poll policy into monitor settings.
func (c *Config) MonitorSettings(log *zap.Logger) gps.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return gps.Config{
		LongInterval:  time.Duration(c.Monitor.LongIntervalMs) * time.Millisecond,
		ShortInterval: time.Duration(c.Monitor.ShortIntervalMs) * time.Millisecond,
		PollSlice:     time.Duration(c.Monitor.PollSliceMs) * time.Millisecond,
		Logger:        log,
	}
}

// PortConfig returns the hand controller serial settings.
func (g GPSConfig) PortConfig() nexstar.PortConfig {
	return nexstar.PortConfig{PortPath: g.PortPath, BaudRate: g.BaudRate, TimeoutMs: g.TimeoutMs}
}

// JournalEnabled reports the configured journal state.
func (c *Config) JournalEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Journal.Enabled
}

// StatusInterval is the WebSocket status push period.
func (c *Config) StatusInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Server.StatusIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(c.Server.StatusIntervalMs) * time.Millisecond
}

// Path returns the file the config is loaded from and saved to.
func (c *Config) Path() string { return c.path }

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log *zap.Logger) *Config {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config")

	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("config parse failed, using defaults", zap.String("path", path), zap.Error(err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("loaded", zap.String("path", path))
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log *zap.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Info("loading .env", zap.String("path", path))
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		// Strip surrounding quotes
		val = strings.Trim(val, `"'`)
		// Only set if not already set in real env (real env takes precedence)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: GPS_TYPE, GPS_PORT, GPS_BAUD, GPS_LONG_INTERVAL_MS,
// GPS_SHORT_INTERVAL_MS, GPS_POLL_SLICE_MS, GPS_AUTOSTART, LISTEN_ADDR,
// LOG_LEVEL, LOG_ENCODING, JOURNAL_ENABLED, JOURNAL_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GPS_TYPE"); v != "" {
		c.GPS.Type = v
	}
	if v := os.Getenv("GPS_PORT"); v != "" {
		c.GPS.PortPath = v
	}
	envInt("GPS_BAUD", &c.GPS.BaudRate)
	envInt("GPS_LONG_INTERVAL_MS", &c.Monitor.LongIntervalMs)
	envInt("GPS_SHORT_INTERVAL_MS", &c.Monitor.ShortIntervalMs)
	envInt("GPS_POLL_SLICE_MS", &c.Monitor.PollSliceMs)
	envBool("GPS_AUTOSTART", &c.Monitor.AutoStart)
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_ENCODING"); v != "" {
		c.Logging.Encoding = v
	}
	envBool("JOURNAL_ENABLED", &c.Journal.Enabled)
	if v := os.Getenv("JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true" || v == "yes"
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return errors.New("config: no file path")
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(c.path), err)
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. port paths, baud rates, logging).
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current config to a generic map
	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	// Unmarshal incoming partial update to a map
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	// Deep merge patch into base
	deepMerge(base, patch)

	// Marshal merged result and unmarshal back into the config struct
	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

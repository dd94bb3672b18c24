// Package config loads, saves and hot-reloads the mealsync configuration.
// The file format follows the extension: .json, .toml, or .yaml/.yml.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all mealsync configuration
type Config struct {
	// Local daemon settings
	Server ServerConfig `json:"server" toml:"server" yaml:"server"`

	// Where the offline queue is persisted
	Storage StorageConfig `json:"storage" toml:"storage" yaml:"storage"`

	// Batch sync transport and explicit sync schedule
	Sync SyncConfig `json:"sync" toml:"sync" yaml:"sync"`

	// How reachability of the authority is detected
	Connectivity ConnectivityConfig `json:"connectivity" toml:"connectivity" yaml:"connectivity"`

	// Reference authority (mealsync-authority binary)
	Authority AuthorityConfig `json:"authority" toml:"authority" yaml:"authority"`
}

type ServerConfig struct {
	LogLevel   string `json:"logLevel" toml:"logLevel" yaml:"logLevel"`
	DataDir    string `json:"dataDir" toml:"dataDir" yaml:"dataDir"`
	StatusPort int    `json:"statusPort" toml:"statusPort" yaml:"statusPort"`
}

type StorageConfig struct {
	Backend string `json:"backend" toml:"backend" yaml:"backend"` // file, sqlite, memory
	Path    string `json:"path,omitempty" toml:"path,omitempty" yaml:"path,omitempty"`
}

type SyncConfig struct {
	Endpoint        string `json:"endpoint" toml:"endpoint" yaml:"endpoint"`
	AuthToken       string `json:"authToken,omitempty" toml:"authToken,omitempty" yaml:"authToken,omitempty"`
	TimeoutSeconds  int    `json:"timeoutSeconds" toml:"timeoutSeconds" yaml:"timeoutSeconds"`
	MaxAttempts     int    `json:"maxAttempts" toml:"maxAttempts" yaml:"maxAttempts"`
	Schedule        string `json:"schedule,omitempty" toml:"schedule,omitempty" yaml:"schedule,omitempty"` // cron expression
	IntervalSeconds int    `json:"intervalSeconds,omitempty" toml:"intervalSeconds,omitempty" yaml:"intervalSeconds,omitempty"`
}

type ConnectivityConfig struct {
	Mode                 string `json:"mode" toml:"mode" yaml:"mode"` // probe, mqtt, manual
	ProbeURL             string `json:"probeUrl,omitempty" toml:"probeUrl,omitempty" yaml:"probeUrl,omitempty"`
	ProbeIntervalSeconds int    `json:"probeIntervalSeconds,omitempty" toml:"probeIntervalSeconds,omitempty" yaml:"probeIntervalSeconds,omitempty"`
	MQTTBroker           string `json:"mqttBroker,omitempty" toml:"mqttBroker,omitempty" yaml:"mqttBroker,omitempty"`
	MQTTClientID         string `json:"mqttClientId,omitempty" toml:"mqttClientId,omitempty" yaml:"mqttClientId,omitempty"`
}

type AuthorityConfig struct {
	Port         int    `json:"port" toml:"port" yaml:"port"`
	DBPath       string `json:"dbPath" toml:"dbPath" yaml:"dbPath"`
	JWTSecretEnv string `json:"jwtSecretEnv" toml:"jwtSecretEnv" yaml:"jwtSecretEnv"`
}

// Connectivity modes.
const (
	ModeProbe  = "probe"
	ModeMQTT   = "mqtt"
	ModeManual = "manual"
)

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel:   "info",
			DataDir:    "./data",
			StatusPort: 8420,
		},
		Storage: StorageConfig{
			Backend: "file",
		},
		Sync: SyncConfig{
			Endpoint:       "http://localhost:8421/api/sync/batch",
			TimeoutSeconds: 30,
			MaxAttempts:    3,
		},
		Connectivity: ConnectivityConfig{
			Mode:                 ModeProbe,
			ProbeURL:             "http://localhost:8421/healthz",
			ProbeIntervalSeconds: 15,
		},
		Authority: AuthorityConfig{
			Port:         8421,
			DBPath:       "authority.db",
			JWTSecretEnv: "MEALSYNC_JWT_SECRET",
		},
	}
}

// Validate checks values that would otherwise fail late at wiring time.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	if c.Sync.Endpoint == "" {
		return fmt.Errorf("sync.endpoint is required")
	}
	if c.Sync.TimeoutSeconds <= 0 {
		return fmt.Errorf("sync.timeoutSeconds must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.maxAttempts must be positive")
	}
	if c.Sync.IntervalSeconds < 0 {
		return fmt.Errorf("sync.intervalSeconds must not be negative")
	}
	if c.Sync.Schedule != "" {
		if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
			return fmt.Errorf("sync.schedule: %w", err)
		}
	}
	switch c.Connectivity.Mode {
	case ModeProbe:
		if c.Connectivity.ProbeURL == "" {
			return fmt.Errorf("connectivity.probeUrl is required in probe mode")
		}
	case ModeMQTT:
		if c.Connectivity.MQTTBroker == "" {
			return fmt.Errorf("connectivity.mqttBroker is required in mqtt mode")
		}
	case ModeManual:
	default:
		return fmt.Errorf("connectivity.mode: unknown mode %q (use probe, mqtt, or manual)", c.Connectivity.Mode)
	}
	return nil
}

// StoragePath resolves the queue storage location: the configured path, or
// a default under the data directory.
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	if c.Storage.Backend == "sqlite" {
		return filepath.Join(c.Server.DataDir, "queue.db")
	}
	return filepath.Join(c.Server.DataDir, "queue")
}

// AuthorityDBPath resolves the authority database path against the data
// directory when it is relative.
func (c *Config) AuthorityDBPath() string {
	if filepath.IsAbs(c.Authority.DBPath) {
		return c.Authority.DBPath
	}
	return filepath.Join(c.Server.DataDir, c.Authority.DBPath)
}

type format int

const (
	formatJSON format = iota
	formatTOML
	formatYAML
)

func formatFor(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", "":
		return formatJSON, nil
	case ".toml":
		return formatTOML, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	default:
		return 0, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// readFile decodes path over the defaults.
func readFile(path string) (*Config, error) {
	f, err := formatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	switch f {
	case formatTOML:
		err = toml.Unmarshal(data, cfg)
	case formatYAML:
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Load reads configuration from a file
func Load(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

// Save writes configuration to a file in the format implied by its extension.
func (c *Config) Save(path string) error {
	f, err := formatFor(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var data []byte
	switch f {
	case formatTOML:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	case formatYAML:
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}

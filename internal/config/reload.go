package config

import (
	"fmt"
	"log/slog"
	"sync"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed fields
	Applied []string // successfully applied
	Skipped []string // require restart
}

// mu protects every Config during concurrent reload operations.
var mu sync.RWMutex

// RLock acquires a read lock on the config.
func RLock() { mu.RLock() }

// RUnlock releases a read lock on the config.
func RUnlock() { mu.RUnlock() }

// field describes one comparable config value.
type field struct {
	name string
	hot  bool
	diff func(old, new *Config) bool
	copy func(old, new *Config)
}

func stringField(name string, hot bool, get func(*Config) *string) field {
	return field{
		name: name,
		hot:  hot,
		diff: func(o, n *Config) bool { return *get(o) != *get(n) },
		copy: func(o, n *Config) { *get(o) = *get(n) },
	}
}

func intField(name string, hot bool, get func(*Config) *int) field {
	return field{
		name: name,
		hot:  hot,
		diff: func(o, n *Config) bool { return *get(o) != *get(n) },
		copy: func(o, n *Config) { *get(o) = *get(n) },
	}
}

// fields lists everything Reload compares. Hot fields are applied in place;
// the rest are reported as requiring a restart.
var fields = []field{
	stringField("Server.LogLevel", true, func(c *Config) *string { return &c.Server.LogLevel }),
	stringField("Server.DataDir", false, func(c *Config) *string { return &c.Server.DataDir }),
	intField("Server.StatusPort", false, func(c *Config) *int { return &c.Server.StatusPort }),

	stringField("Storage.Backend", false, func(c *Config) *string { return &c.Storage.Backend }),
	stringField("Storage.Path", false, func(c *Config) *string { return &c.Storage.Path }),

	stringField("Sync.Endpoint", false, func(c *Config) *string { return &c.Sync.Endpoint }),
	stringField("Sync.AuthToken", true, func(c *Config) *string { return &c.Sync.AuthToken }),
	intField("Sync.TimeoutSeconds", true, func(c *Config) *int { return &c.Sync.TimeoutSeconds }),
	intField("Sync.MaxAttempts", true, func(c *Config) *int { return &c.Sync.MaxAttempts }),
	stringField("Sync.Schedule", true, func(c *Config) *string { return &c.Sync.Schedule }),
	intField("Sync.IntervalSeconds", true, func(c *Config) *int { return &c.Sync.IntervalSeconds }),

	stringField("Connectivity.Mode", false, func(c *Config) *string { return &c.Connectivity.Mode }),
	stringField("Connectivity.ProbeURL", false, func(c *Config) *string { return &c.Connectivity.ProbeURL }),
	intField("Connectivity.ProbeIntervalSeconds", false, func(c *Config) *int { return &c.Connectivity.ProbeIntervalSeconds }),
	stringField("Connectivity.MQTTBroker", false, func(c *Config) *string { return &c.Connectivity.MQTTBroker }),
	stringField("Connectivity.MQTTClientID", false, func(c *Config) *string { return &c.Connectivity.MQTTClientID }),

	intField("Authority.Port", false, func(c *Config) *int { return &c.Authority.Port }),
	stringField("Authority.DBPath", false, func(c *Config) *string { return &c.Authority.DBPath }),
	stringField("Authority.JWTSecretEnv", false, func(c *Config) *string { return &c.Authority.JWTSecretEnv }),
}

// Reload re-reads the config from path, diffs against the current config,
// and applies hot-reloadable changes in place. Fields that require a
// restart are reported as skipped. An invalid file leaves c untouched.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	newCfg, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("reload: %w", err)
	}
	if err := newCfg.Validate(); err != nil {
		return nil, fmt.Errorf("reload: invalid config: %w", err)
	}

	result := &ReloadResult{}

	mu.Lock()
	defer mu.Unlock()

	for _, f := range fields {
		if !f.diff(c, newCfg) {
			continue
		}
		result.Changed = append(result.Changed, f.name)
		if f.hot {
			f.copy(c, newCfg)
			result.Applied = append(result.Applied, f.name)
		} else {
			result.Skipped = append(result.Skipped, f.name+" (requires restart)")
		}
	}
	return result, nil
}

// HasApplied reports whether name was hot-applied.
func (r *ReloadResult) HasApplied(name string) bool {
	for _, a := range r.Applied {
		if a == name {
			return true
		}
	}
	return false
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
	)
	for _, name := range r.Applied {
		logger.Info("config field hot-reloaded", "field", name)
	}
	for _, name := range r.Skipped {
		logger.Warn("config field requires restart", "field", name)
	}
}

// IsRestartRequired returns true if the field requires a restart.
func IsRestartRequired(name string) bool {
	for _, f := range fields {
		if f.name == name {
			return !f.hot
		}
	}
	return false
}

// HotReloadableFields returns the names of hot-reloadable fields.
func HotReloadableFields() []string {
	var out []string
	for _, f := range fields {
		if f.hot {
			out = append(out, f.name)
		}
	}
	return out
}

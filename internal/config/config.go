package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	ListenAddr    string `json:"listen_addr"`
	MaxConcurrent int    `json:"max_concurrent"`
	Store         struct {
		// Driver selects the persistence backend: memory, jsonl, postgres.
		Driver      string `json:"driver"`
		PostgresURL string `json:"postgres_url"`
		MemoryCap   int    `json:"memory_cap"`
	} `json:"store"`
	Replay struct {
		MaxEvents int `json:"max_events"`
		MaxChars  int `json:"max_chars"`
		MaxTokens int `json:"max_tokens"`
	} `json:"replay"`
	Bridge struct {
		CallTimeoutSeconds int `json:"call_timeout_seconds"`
		// Command launches the stdio JSON-RPC agent process the bridge
		// fronts. Empty disables the bridge surface.
		Command string   `json:"command"`
		Args    []string `json:"args"`
	} `json:"bridge"`
	Janitor struct {
		Schedule       string `json:"schedule"`
		IdleTTLMinutes int    `json:"idle_ttl_minutes"`
	} `json:"janitor"`
	HITL struct {
		// Policy: passthrough, auto_approve, auto_deny.
		Policy string `json:"policy"`
	} `json:"hitl"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".switchboard"),
		LogLevel:      "info",
		ListenAddr:    ":8484",
		MaxConcurrent: 2,
	}
	cfg.Store.Driver = "jsonl"
	cfg.Store.MemoryCap = 1024
	cfg.Replay.MaxEvents = 40
	cfg.Replay.MaxChars = 16000
	cfg.Bridge.CallTimeoutSeconds = 120
	cfg.Janitor.Schedule = "* * * * *"
	cfg.Janitor.IdleTTLMinutes = 30
	cfg.HITL.Policy = "passthrough"

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if dir := os.Getenv("SWITCHBOARD_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if level := os.Getenv("SWITCHBOARD_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if addr := os.Getenv("SWITCHBOARD_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if driver := os.Getenv("SWITCHBOARD_STORE_DRIVER"); driver != "" {
		cfg.Store.Driver = driver
	}
	if url := os.Getenv("SWITCHBOARD_POSTGRES_URL"); url != "" {
		cfg.Store.PostgresURL = url
	}
	if n := os.Getenv("SWITCHBOARD_MAX_CONCURRENT"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			cfg.MaxConcurrent = v
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "jsonl":
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Replay.MaxEvents <= 0 || c.Replay.MaxChars <= 0 {
		return fmt.Errorf("replay budgets must be positive")
	}
	return nil
}

// Save writes the config atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	return writeDefaults(path, cfg)
}

// ToMap converts the config into a nested map via its JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns the config as a flat dot-keyed map, masking secrets
// when mask is true.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue loads the config at path and returns the value for the
// dot-separated key.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue updates one dot-separated key in the config file. Values that
// parse as JSON keep their type; everything else is stored as a string.
func SetValue(path, key, value string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	flat := Flatten(m)
	var typed any
	if err := json.Unmarshal([]byte(value), &typed); err != nil {
		typed = value
	}
	flat[key] = typed

	out, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	out = append(out, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, out, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}

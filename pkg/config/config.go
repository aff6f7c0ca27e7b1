// Package config loads controller settings from a YAML file with
// environment variable overrides. Precedence is defaults, then the
// config file, then PILOTEER_* environment variables.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the controller process.
type Config struct {
	// Listen is where the transport supervisor accepts runner connections.
	Listen ListenConfig `yaml:"listen"`

	// Secret is the shared handshake token. Empty disables authentication
	// and is only sensible for local development.
	Secret string `yaml:"secret"`

	// HeartbeatTimeout is how long a connection may stay silent before it
	// is considered dead. OpenTimeout bounds the handshake itself.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`

	Advisor AdvisorConfig `yaml:"advisor"`
	Quota   QuotaConfig   `yaml:"quota"`

	// SessionDir is where session snapshots are archived.
	SessionDir string `yaml:"session_dir"`

	// Breakpoint is an optional expression evaluated against every
	// successful task result; a true result freezes the run.
	Breakpoint string `yaml:"breakpoint"`

	LogLevel string `yaml:"log_level"`
}

// ListenConfig selects the transport endpoint. Network is "unix" or "tcp".
type ListenConfig struct {
	Network string `yaml:"network"`
	Address string `yaml:"address"`
}

// AdvisorConfig points at an OpenAI-compatible chat completion endpoint.
type AdvisorConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// QuotaConfig bounds daily advisory spend. Nil limits mean unlimited.
type QuotaConfig struct {
	TokensPerDay *int     `yaml:"tokens_per_day"`
	CostPerDay   *float64 `yaml:"cost_per_day_usd"`
	LedgerPath   string   `yaml:"ledger_path"`
}

// Default returns the built-in configuration used when no file or
// environment overrides are present.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Network: "unix",
			Address: "/tmp/piloteer.sock",
		},
		HeartbeatTimeout: 30 * time.Second,
		OpenTimeout:      10 * time.Second,
		Advisor: AdvisorConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4",
		},
		Quota: QuotaConfig{
			LedgerPath: filepath.Join(Dir(), "quota.json"),
		},
		SessionDir: filepath.Join(Dir(), "sessions"),
		LogLevel:   "info",
	}
}

// Dir returns the piloteer config directory (~/.config/piloteer),
// creating it if needed. Falls back to the working directory when no
// home directory can be determined.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	dir := filepath.Join(home, ".config", "piloteer")
	_ = os.MkdirAll(dir, 0o755)
	return dir
}

// Load builds the effective configuration. path may be empty, in which
// case piloteer.yaml in the config directory is used when present.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(Dir(), "piloteer.yaml")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// no config file is fine
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays PILOTEER_* environment variables onto cfg.
func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("PILOTEER_LISTEN_NETWORK", &c.Listen.Network)
	setString("PILOTEER_LISTEN_ADDRESS", &c.Listen.Address)
	setString("PILOTEER_SECRET", &c.Secret)
	setString("PILOTEER_API_BASE", &c.Advisor.BaseURL)
	setString("PILOTEER_API_KEY", &c.Advisor.APIKey)
	setString("PILOTEER_MODEL", &c.Advisor.Model)
	setString("PILOTEER_SESSION_DIR", &c.SessionDir)
	setString("PILOTEER_QUOTA_PATH", &c.Quota.LedgerPath)
	setString("PILOTEER_BREAKPOINT", &c.Breakpoint)
	setString("PILOTEER_LOG_LEVEL", &c.LogLevel)

	if v := os.Getenv("PILOTEER_QUOTA_TOKENS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PILOTEER_QUOTA_TOKENS: %w", err)
		}
		c.Quota.TokensPerDay = &n
	}
	if v := os.Getenv("PILOTEER_QUOTA_USD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("PILOTEER_QUOTA_USD: %w", err)
		}
		c.Quota.CostPerDay = &f
	}
	if v := os.Getenv("PILOTEER_HEARTBEAT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PILOTEER_HEARTBEAT_TIMEOUT: %w", err)
		}
		c.HeartbeatTimeout = d
	}
	return nil
}

// LoadDotEnv reads a .env file from the working directory and sets any
// variables that aren't already set in the environment. Lines are
// KEY=VALUE (or KEY="VALUE"). Comments (#) and blanks are skipped.
func LoadDotEnv() {
	f, err := os.Open(".env")
	if err != nil {
		return // no .env file, that's fine
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

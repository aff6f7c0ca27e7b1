package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaults verifies the built-in configuration.
func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Listen.Network != "unix" {
		t.Errorf("network = %q, want unix", cfg.Listen.Network)
	}
	if cfg.Listen.Address != "/tmp/piloteer.sock" {
		t.Errorf("address = %q", cfg.Listen.Address)
	}
	if cfg.HeartbeatTimeout != 30*time.Second {
		t.Errorf("heartbeat timeout = %v", cfg.HeartbeatTimeout)
	}
	if cfg.Advisor.Model != "gpt-4" {
		t.Errorf("model = %q", cfg.Advisor.Model)
	}
	if cfg.Quota.TokensPerDay != nil || cfg.Quota.CostPerDay != nil {
		t.Error("quota limits should default to unlimited")
	}
}

// TestLoadFile loads settings from a YAML file.
func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "piloteer.yaml")
	data := `
listen:
  network: tcp
  address: 127.0.0.1:7777
secret: hunter2
advisor:
  model: gpt-3.5-turbo
quota:
  tokens_per_day: 50000
  cost_per_day_usd: 2.5
breakpoint: 'changed == true'
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Network != "tcp" || cfg.Listen.Address != "127.0.0.1:7777" {
		t.Errorf("listen = %+v", cfg.Listen)
	}
	if cfg.Secret != "hunter2" {
		t.Errorf("secret = %q", cfg.Secret)
	}
	if cfg.Advisor.Model != "gpt-3.5-turbo" {
		t.Errorf("model = %q", cfg.Advisor.Model)
	}
	if cfg.Quota.TokensPerDay == nil || *cfg.Quota.TokensPerDay != 50000 {
		t.Errorf("tokens_per_day = %v", cfg.Quota.TokensPerDay)
	}
	if cfg.Quota.CostPerDay == nil || *cfg.Quota.CostPerDay != 2.5 {
		t.Errorf("cost_per_day_usd = %v", cfg.Quota.CostPerDay)
	}
	if cfg.Breakpoint != "changed == true" {
		t.Errorf("breakpoint = %q", cfg.Breakpoint)
	}
	// Unset fields keep their defaults.
	if cfg.Advisor.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("base_url = %q", cfg.Advisor.BaseURL)
	}
}

// TestLoadMissingExplicitFile errors when a named config file is absent.
func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

// TestEnvOverrides lets PILOTEER_* variables win over the file.
func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "piloteer.yaml")
	if err := os.WriteFile(path, []byte("secret: from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PILOTEER_SECRET", "from-env")
	t.Setenv("PILOTEER_QUOTA_TOKENS", "1234")
	t.Setenv("PILOTEER_HEARTBEAT_TIMEOUT", "45s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Secret != "from-env" {
		t.Errorf("secret = %q, want from-env", cfg.Secret)
	}
	if cfg.Quota.TokensPerDay == nil || *cfg.Quota.TokensPerDay != 1234 {
		t.Errorf("tokens_per_day = %v", cfg.Quota.TokensPerDay)
	}
	if cfg.HeartbeatTimeout != 45*time.Second {
		t.Errorf("heartbeat timeout = %v", cfg.HeartbeatTimeout)
	}
}

// TestEnvOverrideBadValue reports unparseable numeric overrides.
func TestEnvOverrideBadValue(t *testing.T) {
	t.Setenv("PILOTEER_QUOTA_TOKENS", "lots")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for non-numeric PILOTEER_QUOTA_TOKENS")
	}
}

// TestLoadDotEnv picks up KEY=VALUE pairs without overwriting existing vars.
func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	env := "# comment\nPILOTEER_TEST_A=alpha\nPILOTEER_TEST_B=\"quoted\"\nPILOTEER_TEST_C=file\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PILOTEER_TEST_A", "")
	t.Setenv("PILOTEER_TEST_B", "")
	t.Setenv("PILOTEER_TEST_C", "already-set")

	LoadDotEnv()

	if got := os.Getenv("PILOTEER_TEST_A"); got != "alpha" {
		t.Errorf("A = %q, want alpha", got)
	}
	if got := os.Getenv("PILOTEER_TEST_B"); got != "quoted" {
		t.Errorf("B = %q, want quoted", got)
	}
	if got := os.Getenv("PILOTEER_TEST_C"); got != "already-set" {
		t.Errorf("C = %q, existing value must win", got)
	}
}

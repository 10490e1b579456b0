package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	x402 "github.com/Blessedbiello/402pay-sub001"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "x402.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func env(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.TimeoutConfig() != x402.DefaultTimeouts {
		t.Errorf("Expected default timeouts, got %+v", cfg.TimeoutConfig())
	}
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
listen_addr: ":9000"
log_level: debug
corroborate_on_verify: false
timeouts:
  verify: 2s
  settle: 30s
  request: 1m
  requirement_ttl: 90s
store:
  backend: sqlite
  dsn: "file:x402.db"
networks:
  - name: solana-devnet
    rpc_url: http://localhost:8899
  - name: base-sepolia
rate_limit:
  rps: 5
  burst: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ListenAddr != ":9000" || cfg.LogLevel != "debug" {
		t.Errorf("Unexpected listener settings: %+v", cfg)
	}
	if cfg.CorroborateOnVerify {
		t.Error("Expected corroboration disabled")
	}
	if cfg.Timeouts.Verify != 2*time.Second || cfg.Timeouts.RequirementTTL != 90*time.Second {
		t.Errorf("Unexpected timeouts: %+v", cfg.Timeouts)
	}
	if cfg.Store.Backend != BackendSQLite || cfg.Store.DSN != "file:x402.db" {
		t.Errorf("Unexpected store: %+v", cfg.Store)
	}
	if len(cfg.Networks) != 2 || cfg.Networks[0].RPCURL != "http://localhost:8899" {
		t.Errorf("Unexpected networks: %+v", cfg.Networks)
	}
	// Unset fields keep their defaults.
	if cfg.SweepInterval != time.Minute || cfg.MCP.Path != "/mcp" {
		t.Errorf("Expected defaults preserved, got %+v", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
	if _, err := Load(writeFile(t, "listen_addr: [")); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Errorf("Expected parse error, got %v", err)
	}
	if _, err := Load(writeFile(t, "store:\n  backend: redis\n")); err == nil {
		t.Error("Expected validation error for redis without address")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{
		"X402_LISTEN_ADDR":                 ":7000",
		"X402_STORE_BACKEND":               "redis",
		"X402_REDIS_ADDR":                  "localhost:6379",
		"X402_NETWORKS":                    "solana-devnet, base-sepolia",
		"X402_SOLANA_DEVNET_RPC_URL":       "http://rpc",
		"X402_SOLANA_DEVNET_FEE_PAYER_KEY": "key",
		"X402_CORROBORATE_ON_VERIFY":       "false",
		"X402_RATE_LIMIT_RPS":              "2.5",
		"X402_RATE_LIMIT_BURST":            "5",
		"X402_REQUIREMENT_TTL":             "30s",
		"X402_JWT_SECRET":                  "secret",
	}))
	if err != nil {
		t.Fatalf("applyEnv failed: %v", err)
	}
	if cfg.ListenAddr != ":7000" || cfg.Store.Backend != BackendRedis || cfg.Store.RedisAddr != "localhost:6379" {
		t.Errorf("Unexpected overrides: %+v", cfg)
	}
	if len(cfg.Networks) != 2 || cfg.Networks[1].Name != x402.NetworkBaseSepolia {
		t.Fatalf("Unexpected networks: %+v", cfg.Networks)
	}
	if cfg.Networks[0].RPCURL != "http://rpc" || cfg.Networks[0].FeePayerKey != "key" {
		t.Errorf("Unexpected network overrides: %+v", cfg.Networks[0])
	}
	if cfg.CorroborateOnVerify || cfg.RateLimit.RPS != 2.5 || cfg.RateLimit.Burst != 5 {
		t.Errorf("Unexpected parsed overrides: %+v", cfg)
	}
	if cfg.Timeouts.RequirementTTL != 30*time.Second || cfg.Auth.JWTSecret != "secret" {
		t.Errorf("Unexpected overrides: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestApplyEnv_BadValues(t *testing.T) {
	for _, key := range []string{
		"X402_CORROBORATE_ON_VERIFY",
		"X402_TELEMETRY_ENABLED",
		"X402_MCP_ENABLED",
		"X402_RATE_LIMIT_RPS",
		"X402_RATE_LIMIT_BURST",
		"X402_REQUIREMENT_TTL",
	} {
		cfg := Default()
		if err := cfg.applyEnv(env(map[string]string{key: "nope"})); err == nil {
			t.Errorf("%s: expected parse error", key)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"bad timeouts", func(c *Config) { c.Timeouts.Verify = 0 }},
		{"settle shorter than verify", func(c *Config) { c.Timeouts.Settle = time.Second; c.Timeouts.Verify = time.Minute }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = BackendPostgres }},
		{"no networks", func(c *Config) { c.Networks = nil }},
		{"unknown network", func(c *Config) { c.Networks = []Network{{Name: "dogechain"}} }},
		{"duplicate network", func(c *Config) {
			c.Networks = []Network{{Name: x402.NetworkSolanaDevnet}, {Name: x402.NetworkSolanaDevnet}}
		}},
		{"negative rps", func(c *Config) { c.RateLimit.RPS = -1 }},
		{"rps without burst", func(c *Config) { c.RateLimit.Burst = 0 }},
		{"telemetry without endpoint", func(c *Config) { c.Telemetry.Enabled = true }},
		{"sample rate", func(c *Config) { c.Telemetry.SampleRate = 2 }},
		{"mcp path", func(c *Config) { c.MCP.Enabled = true; c.MCP.Path = "mcp" }},
		{"sweep interval", func(c *Config) { c.SweepInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

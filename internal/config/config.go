// Package config loads the facilitator daemon configuration from a YAML
// file with X402_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	x402 "github.com/Blessedbiello/402pay-sub001"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config is the facilitator daemon configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	// CorroborateOnVerify makes /verify look the transfer up on chain.
	CorroborateOnVerify bool `yaml:"corroborate_on_verify"`

	Timeouts      Timeouts      `yaml:"timeouts"`
	Store         Store         `yaml:"store"`
	Networks      []Network     `yaml:"networks"`
	Auth          Auth          `yaml:"auth"`
	RateLimit     RateLimit     `yaml:"rate_limit"`
	Telemetry     Telemetry     `yaml:"telemetry"`
	MCP           MCP           `yaml:"mcp"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Timeouts mirrors x402.TimeoutConfig.
type Timeouts struct {
	Verify         time.Duration `yaml:"verify"`
	Settle         time.Duration `yaml:"settle"`
	Request        time.Duration `yaml:"request"`
	RequirementTTL time.Duration `yaml:"requirement_ttl"`
}

// Store selects where nonces and ledger records live.
type Store struct {
	Backend   string `yaml:"backend"`
	DSN       string `yaml:"dsn"`
	RedisAddr string `yaml:"redis_addr"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Network configures one chain backend.
type Network struct {
	Name   string `yaml:"name"`
	RPCURL string `yaml:"rpc_url"`
	// FeePayerKey is the base58 key of the Solana fee payer. Networks
	// without one accept only pre-submitted transfers.
	FeePayerKey string `yaml:"fee_payer_key"`
}

// Auth configures bearer token authentication of the REST surface.
type Auth struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

// RateLimit configures per-caller rate limiting; zero RPS disables it.
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Telemetry configures OTLP export.
type Telemetry struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	Environment string  `yaml:"environment"`
	ServiceName string  `yaml:"service_name"`
}

// MCP mounts the MCP tool server on the REST listener.
type MCP struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddr:          ":8402",
		LogLevel:            "info",
		LogFormat:           "json",
		CorroborateOnVerify: true,
		Timeouts: Timeouts{
			Verify:         x402.DefaultTimeouts.VerifyTimeout,
			Settle:         x402.DefaultTimeouts.SettleTimeout,
			Request:        x402.DefaultTimeouts.RequestTimeout,
			RequirementTTL: x402.DefaultTimeouts.RequirementTTL,
		},
		Store:         Store{Backend: BackendMemory, KeyPrefix: "x402:nonce:"},
		Networks:      []Network{{Name: x402.NetworkSolanaDevnet}},
		RateLimit:     RateLimit{RPS: 20, Burst: 40},
		Telemetry:     Telemetry{SampleRate: 1, ServiceName: "x402-facilitator"},
		MCP:           MCP{Path: "/mcp"},
		SweepInterval: time.Minute,
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	str("X402_LISTEN_ADDR", &c.ListenAddr)
	str("X402_LOG_LEVEL", &c.LogLevel)
	str("X402_LOG_FORMAT", &c.LogFormat)
	str("X402_STORE_BACKEND", &c.Store.Backend)
	str("X402_STORE_DSN", &c.Store.DSN)
	str("X402_REDIS_ADDR", &c.Store.RedisAddr)
	str("X402_JWT_SECRET", &c.Auth.JWTSecret)
	str("X402_JWT_ISSUER", &c.Auth.Issuer)
	str("X402_JWT_AUDIENCE", &c.Auth.Audience)
	str("X402_OTLP_ENDPOINT", &c.Telemetry.Endpoint)

	if v, ok := lookup("X402_NETWORKS"); ok {
		var networks []Network
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				networks = append(networks, Network{Name: name})
			}
		}
		c.Networks = networks
	}
	// Per-network settings use the upper-cased name with dashes as
	// underscores, e.g. X402_SOLANA_DEVNET_RPC_URL.
	for i := range c.Networks {
		prefix := "X402_" + strings.ToUpper(strings.ReplaceAll(c.Networks[i].Name, "-", "_"))
		str(prefix+"_RPC_URL", &c.Networks[i].RPCURL)
		str(prefix+"_FEE_PAYER_KEY", &c.Networks[i].FeePayerKey)
	}

	if v, ok := lookup("X402_CORROBORATE_ON_VERIFY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("X402_CORROBORATE_ON_VERIFY: %w", err)
		}
		c.CorroborateOnVerify = b
	}
	if v, ok := lookup("X402_TELEMETRY_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("X402_TELEMETRY_ENABLED: %w", err)
		}
		c.Telemetry.Enabled = b
	}
	if v, ok := lookup("X402_MCP_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("X402_MCP_ENABLED: %w", err)
		}
		c.MCP.Enabled = b
	}
	if v, ok := lookup("X402_RATE_LIMIT_RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("X402_RATE_LIMIT_RPS: %w", err)
		}
		c.RateLimit.RPS = f
	}
	if v, ok := lookup("X402_RATE_LIMIT_BURST"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("X402_RATE_LIMIT_BURST: %w", err)
		}
		c.RateLimit.Burst = n
	}
	if v, ok := lookup("X402_REQUIREMENT_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("X402_REQUIREMENT_TTL: %w", err)
		}
		c.Timeouts.RequirementTTL = d
	}
	return nil
}

// TimeoutConfig converts the timeouts for the payment core.
func (c *Config) TimeoutConfig() x402.TimeoutConfig {
	return x402.TimeoutConfig{
		VerifyTimeout:  c.Timeouts.Verify,
		SettleTimeout:  c.Timeouts.Settle,
		RequestTimeout: c.Timeouts.Request,
		RequirementTTL: c.Timeouts.RequirementTTL,
	}
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if err := c.TimeoutConfig().Validate(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store: redis backend requires redis_addr")
		}
	case BackendPostgres, BackendSQLite:
		if c.Store.DSN == "" {
			return fmt.Errorf("store: %s backend requires dsn", c.Store.Backend)
		}
	default:
		return fmt.Errorf("store: unknown backend %q", c.Store.Backend)
	}

	if len(c.Networks) == 0 {
		return errors.New("at least one network is required")
	}
	seen := make(map[string]bool, len(c.Networks))
	for _, n := range c.Networks {
		if _, err := x402.ValidateNetwork(n.Name); err != nil {
			return fmt.Errorf("networks: %w", err)
		}
		if seen[n.Name] {
			return fmt.Errorf("networks: %s listed twice", n.Name)
		}
		seen[n.Name] = true
	}

	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit: rps and burst must not be negative")
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst == 0 {
		return errors.New("rate_limit: burst is required when rps is set")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry: endpoint is required when enabled")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry: sample_rate %v outside [0,1]", c.Telemetry.SampleRate)
	}
	if c.MCP.Enabled && !strings.HasPrefix(c.MCP.Path, "/") {
		return fmt.Errorf("mcp: path %q must start with /", c.MCP.Path)
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep_interval must be positive")
	}
	return nil
}

// Command facilitator runs an x402 facilitator: the REST surface
// (/verify, /settle, /supported), optionally the MCP tools, backed by the
// configured replay guard, ledger and chain backends.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/chain"
	"github.com/Blessedbiello/402pay-sub001/chain/evm"
	"github.com/Blessedbiello/402pay-sub001/chain/solana"
	"github.com/Blessedbiello/402pay-sub001/facilitator"
	"github.com/Blessedbiello/402pay-sub001/guard"
	ginx402 "github.com/Blessedbiello/402pay-sub001/http/gin"
	"github.com/Blessedbiello/402pay-sub001/internal/config"
	"github.com/Blessedbiello/402pay-sub001/internal/sqlutil"
	"github.com/Blessedbiello/402pay-sub001/internal/telemetry"
	"github.com/Blessedbiello/402pay-sub001/ledger"
	"github.com/Blessedbiello/402pay-sub001/mcp"
	"github.com/Blessedbiello/402pay-sub001/settler"
	"github.com/Blessedbiello/402pay-sub001/verifier"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("X402_CONFIG"), "Path to the YAML configuration file")
	stdio := flag.Bool("stdio", false, "Serve the MCP tools over stdin/stdout instead of HTTP")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "facilitator: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg, *stdio)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *stdio, logger); err != nil {
		logger.Error("facilitator stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config, stdio bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	// stdout belongs to the MCP transport in stdio mode.
	out := os.Stdout
	if stdio {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

func run(ctx context.Context, cfg *config.Config, stdio bool, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	store, records, closeStores, err := openStores(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	chains, err := buildRegistry(ctx, cfg.Networks, logger)
	if err != nil {
		return err
	}

	metrics := telemetry.Default()
	local := facilitator.NewLocal(
		verifier.New(chains,
			verifier.WithGuard(store),
			verifier.WithLedger(records),
			verifier.WithCorroboration(cfg.CorroborateOnVerify),
			verifier.WithLogger(logger),
			verifier.WithMetrics(metrics),
		),
		settler.New(store, records, chains,
			settler.WithTimeouts(cfg.TimeoutConfig()),
			settler.WithLogger(logger),
			settler.WithMetrics(metrics),
		),
		chains,
	)
	tools := mcp.NewServer("x402-facilitator", version, local, mcp.WithLogger(logger))

	go guard.RunSweeper(ctx, store, cfg.SweepInterval, logger)

	if stdio {
		logger.Info("serving MCP tools on stdio")
		return tools.ServeStdio()
	}

	router, err := newRouter(cfg, local, logger)
	if err != nil {
		return err
	}
	if cfg.MCP.Enabled {
		router.Any(cfg.MCP.Path, gin.WrapH(tools.Handler()))
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Timeouts.Request,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("facilitator listening", "addr", cfg.ListenAddr, "networks", chains.Networks())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRouter(cfg *config.Config, f facilitator.Interface, logger *slog.Logger) (*gin.Engine, error) {
	if !strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	rc := ginx402.RouterConfig{Facilitator: f, Logger: logger}
	if cfg.Auth.JWTSecret != "" {
		var opts []ginx402.TokenOption
		if cfg.Auth.Issuer != "" {
			opts = append(opts, ginx402.WithIssuer(cfg.Auth.Issuer))
		}
		if cfg.Auth.Audience != "" {
			opts = append(opts, ginx402.WithAudience(cfg.Auth.Audience))
		}
		validator, err := ginx402.NewTokenValidator([]byte(cfg.Auth.JWTSecret), opts...)
		if err != nil {
			return nil, err
		}
		rc.Auth = validator
	} else {
		logger.Warn("bearer authentication disabled")
	}
	if cfg.RateLimit.RPS > 0 {
		rc.RateLimiter = ginx402.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	return ginx402.NewRouter(rc)
}

// openStores returns the replay guard and ledger for the configured backend.
// Redis holds only nonces; its ledger stays in memory.
func openStores(ctx context.Context, cfg config.Store, logger *slog.Logger) (guard.Store, ledger.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		logger.Warn("ledger is in memory with the redis backend")
		return guard.NewRedisStore(client, guard.WithKeyPrefix(cfg.KeyPrefix)), ledger.NewMemoryStore(),
			func() { _ = client.Close() }, nil

	case config.BackendPostgres, config.BackendSQLite:
		db, dialect, err := sqlutil.Open(ctx, cfg.Backend, cfg.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := guard.NewSQLStore(ctx, db, dialect)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		records, err := ledger.NewSQLStore(ctx, db, dialect)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		return store, records, func() { _ = db.Close() }, nil

	default:
		logger.Warn("nonces and ledger are in memory and will not survive a restart")
		return guard.NewMemoryStore(), ledger.NewMemoryStore(), func() {}, nil
	}
}

func buildRegistry(ctx context.Context, networks []config.Network, logger *slog.Logger) (*chain.Registry, error) {
	reg := chain.NewRegistry()
	for _, n := range networks {
		networkType, err := x402.ValidateNetwork(n.Name)
		if err != nil {
			return nil, err
		}
		switch networkType {
		case x402.NetworkTypeSVM:
			client, err := solana.Dial(n.Name, n.RPCURL, solana.WithLogger(logger))
			if err != nil {
				return nil, err
			}
			var relayer chain.Relayer
			if n.FeePayerKey != "" {
				key, err := solanago.PrivateKeyFromBase58(n.FeePayerKey)
				if err != nil {
					return nil, fmt.Errorf("%s: invalid fee payer key: %w", n.Name, err)
				}
				relayer = solana.NewRelayer(client, key)
			}
			reg.Register(n.Name, client, relayer)

		case x402.NetworkTypeEVM:
			client, err := evm.Dial(ctx, n.Name, n.RPCURL, evm.WithLogger(logger))
			if err != nil {
				return nil, err
			}
			reg.Register(n.Name, client, nil)

		default:
			return nil, fmt.Errorf("%w: %s", x402.ErrInvalidNetwork, n.Name)
		}
	}
	return reg, nil
}

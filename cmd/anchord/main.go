package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/chainseal/chainseal/internal/audit"
	"github.com/chainseal/chainseal/internal/handler"
	"github.com/chainseal/chainseal/internal/health"
	"github.com/chainseal/chainseal/internal/ledger"
	"github.com/chainseal/chainseal/internal/sequencer"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("anchord exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("anchord")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.write_rate_limit_rps", 5)
	viper.SetDefault("database.url", "")
	viper.SetDefault("ledger.backend", "mock")
	viper.SetDefault("ledger.mock_latency", "10ms")
	viper.SetDefault("ledger.call_timeout", "30s")
	viper.SetDefault("contract.rpc_url", "http://localhost:8545")
	viper.SetDefault("contract.signer", "")
	viper.SetDefault("chaincode.gateway_url", "http://localhost:7054")
	viper.SetDefault("chaincode.identity", "anchord")
	viper.SetDefault("chaincode.channel", "sealchannel")
	viper.SetDefault("chaincode.name", "anchorcc")
	viper.SetDefault("sequencer.max_attempts", 3)
	viper.SetDefault("sequencer.retry_delay", "5s")
	viper.SetDefault("sequencer.min_interval", "1s")
	viper.SetDefault("hash.excluded_fields", []string{})
	viper.SetDefault("health.check_interval", "1m")
	viper.SetDefault("health.probe_timeout", "10s")
	viper.SetDefault("health.fail_threshold", 3)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Off-chain audit store ────────────────────────────────────────────────
	var (
		repo audit.Repository
		db   *pgxpool.Pool
	)
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		var err error
		db, err = pgxpool.New(context.Background(), dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		repo = audit.NewPostgresRepository(db)
	} else {
		logger.Warn("no database configured, audit records held in memory only")
		repo = audit.NewMemoryRepository()
	}

	// ── Ledger backend ───────────────────────────────────────────────────────
	callTimeout := viper.GetDuration("ledger.call_timeout")
	var (
		ldg ledger.Ledger
		seq *sequencer.Sequencer
	)
	switch backend := viper.GetString("ledger.backend"); backend {
	case "mock":
		ldg = ledger.NewMock(viper.GetDuration("ledger.mock_latency"), logger)

	case "contract":
		rpc := ledger.NewRPCClient(viper.GetString("contract.rpc_url"), callTimeout)
		seq = sequencer.New(sequencer.Config{
			Signer:      viper.GetString("contract.signer"),
			MaxAttempts: viper.GetInt("sequencer.max_attempts"),
			RetryDelay:  viper.GetDuration("sequencer.retry_delay"),
			MinInterval: viper.GetDuration("sequencer.min_interval"),
		}, rpc, logger)
		seq.SetRetryRecord(handler.RecordSequencerRetry)
		seq.Start()
		defer seq.Stop()
		ldg = ledger.NewContract(rpc, seq, logger)

	case "chaincode":
		gw := ledger.NewHTTPGateway(
			viper.GetString("chaincode.gateway_url"),
			viper.GetString("chaincode.channel"),
			viper.GetString("chaincode.name"),
			callTimeout,
		)
		ldg = ledger.NewChaincode(gw, viper.GetString("chaincode.identity"), logger)

	default:
		return fmt.Errorf("unknown ledger backend %q", backend)
	}
	logger.Info("ledger backend ready", zap.String("backend", string(ldg.Backend())))

	// ── Audit trail coordinator ──────────────────────────────────────────────
	coord := audit.NewCoordinator(repo, ldg, viper.GetStringSlice("hash.excluded_fields"), logger)
	coord.SetMetricsRecord(handler.RecordAnchor)

	if n, err := coord.UnanchoredCount(context.Background()); err != nil {
		logger.Warn("could not count unanchored records", zap.Error(err))
	} else if n > 0 {
		logger.Warn("audit records awaiting resubmission", zap.Int("count", n))
	}

	if seq != nil {
		depthQuit := make(chan os.Signal, 1)
		signal.Notify(depthQuit, syscall.SIGINT, syscall.SIGTERM)
		go pollQueueDepth(seq, depthQuit)
	}

	// ── Dependency health probes ─────────────────────────────────────────────
	checker := health.New(health.Config{
		CheckInterval: viper.GetDuration("health.check_interval"),
		ProbeTimeout:  viper.GetDuration("health.probe_timeout"),
		FailThreshold: viper.GetInt("health.fail_threshold"),
	}, logger)
	checker.SetMetricsRecord(handler.SetDependencyUp)
	checker.AddProbe("ledger", func(ctx context.Context) error {
		_, err := ldg.Retrieve(ctx, "healthcheck-probe")
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		return err
	})
	if db != nil {
		checker.AddProbe("database", db.Ping)
	}

	healthQuit := make(chan os.Signal, 1)
	signal.Notify(healthQuit, syscall.SIGINT, syscall.SIGTERM)
	go checker.Start(healthQuit)

	// ── HTTP ─────────────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(handler.PrometheusMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     viper.GetStringSlice("server.cors_origins"),
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(handler.RateLimiter(
		viper.GetInt("server.rate_limit_rps"),
		viper.GetInt("server.write_rate_limit_rps"),
	))

	r.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		if !checker.Healthy() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"dependencies": checker.Snapshot()})
	})
	r.GET("/metrics", handler.MetricsHandler())

	v1 := r.Group("/api/v1")
	handler.NewAnchorHandler(coord, logger).Register(v1)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("anchord listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// pollQueueDepth mirrors the sequencer queue depth into the metrics gauge
// until a shutdown signal arrives.
func pollQueueDepth(seq *sequencer.Sequencer, quit <-chan os.Signal) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		handler.SetSequencerQueueDepth(float64(seq.Depth()))
		select {
		case <-ticker.C:
		case <-quit:
			return
		}
	}
}

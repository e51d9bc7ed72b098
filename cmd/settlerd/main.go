// Command settlerd runs the settlement orchestration worker: the periodic
// scheduler sweep plus a small operator HTTP surface for creating
// settlements, triggering manual sweeps, and inspecting records.
//
// Configuration is taken from the environment:
//
//	PORT                listen port (default 8080)
//	REDIS_URL           shared store, e.g. redis://localhost:6379/0
//	                    (unset: in-memory store, single-process only)
//	EVM_NETWORK         CAIP-2 network, e.g. eip155:8453
//	EVM_RPC_URL         EVM JSON-RPC endpoint
//	SOLANA_NETWORK      CAIP-2 network, e.g. solana:mainnet
//	SOLANA_RPC_URL      Solana RPC endpoint
//	INTENT_API_URL      intent provider base URL (required)
//	INTENT_API_KEY      intent provider bearer token
//	DATABASE_URL        Postgres audit sink (optional)
//	SCHEDULER_INTERVAL  sweep cadence (default 1m)
//	LOCK_TTL            distributed lock TTL (default 5m)
//	GAS_RESERVE_EVM     native units held back on EVM chains (default 0.0005)
//	GAS_RESERVE_SOLANA  native units held back on Solana (default 0.001)
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	settler "github.com/railpay/settler"
	"github.com/railpay/settler/adapters/evm"
	"github.com/railpay/settler/adapters/svm"
	"github.com/railpay/settler/audit"
	"github.com/railpay/settler/intent"
	redisstore "github.com/railpay/settler/store/redis"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("settlerd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	store, err := buildStore(logger)
	if err != nil {
		return err
	}

	chains, err := buildChains(ctx, logger)
	if err != nil {
		return err
	}

	intents, err := intent.New(intent.Config{
		URL:    os.Getenv("INTENT_API_URL"),
		APIKey: os.Getenv("INTENT_API_KEY"),
	})
	if err != nil {
		return err
	}

	sink, closeSink, err := buildAudit(ctx, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	secrets := settler.NewKVSecretStore(store)
	companions := settler.NewCompanionManager(chains, secrets)
	locks := settler.NewLockManager(store, envDuration("LOCK_TTL", settler.DefaultLockTTL), logger)
	machine := settler.NewMachine(companions, chains, intents, secrets, settler.MachineConfig{
		GasReserves: map[settler.Network]string{
			"eip155:*": envString("GAS_RESERVE_EVM", "0.0005"),
			"solana:*": envString("GAS_RESERVE_SOLANA", "0.001"),
		},
	}, logger)
	engine := settler.NewEngine(store, locks, machine, companions, intents, secrets, sink, logger)
	scheduler := settler.NewScheduler(engine, envDuration("SCHEDULER_INTERVAL", settler.DefaultSchedulerInterval), logger)

	go func() {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	server := &http.Server{
		Addr:    ":" + envString("PORT", "8080"),
		Handler: buildRouter(engine, scheduler, intents),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("settlerd listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func buildStore(logger *slog.Logger) (settler.KeyValueStore, error) {
	if url := os.Getenv("REDIS_URL"); url != "" {
		return redisstore.Open(url)
	}
	logger.Warn("REDIS_URL not set, using in-memory store; do not run multiple replicas")
	return settler.NewMemoryStore(), nil
}

func buildChains(ctx context.Context, logger *slog.Logger) (*settler.ChainRegistry, error) {
	registry := settler.NewChainRegistry()

	if rpcURL := os.Getenv("EVM_RPC_URL"); rpcURL != "" {
		network := settler.Network(envString("EVM_NETWORK", "eip155:8453"))
		adapter, err := evm.Dial(ctx, network, rpcURL, logger)
		if err != nil {
			return nil, err
		}
		registry.Register(adapter)
	}
	if rpcURL := os.Getenv("SOLANA_RPC_URL"); rpcURL != "" {
		network := settler.Network(envString("SOLANA_NETWORK", "solana:mainnet"))
		registry.Register(svm.Dial(network, rpcURL, logger))
	}

	return registry, nil
}

func buildAudit(ctx context.Context, logger *slog.Logger) (settler.AuditSink, func(), error) {
	slogSink := audit.NewSlogSink(logger)
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return slogSink, func() {}, nil
	}

	pgSink, err := audit.OpenPostgresSink(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	return audit.NewMultiSink(slogSink, pgSink), pgSink.Close, nil
}

func buildRouter(engine *settler.Engine, scheduler *settler.Scheduler, intents settler.IntentClient) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/settlements", func(c *gin.Context) {
		var params settler.CreateParams
		if err := c.ShouldBindJSON(&params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		record, err := engine.CreateSettlement(c.Request.Context(), params)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, record)
	})

	router.GET("/settlements/:id", func(c *gin.Context) {
		record, err := engine.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "settlement not found"})
			return
		}
		c.JSON(http.StatusOK, record)
	})

	// Provider-side progress of the second hop, for support tooling. The
	// engine's own transitions never consult this.
	router.GET("/settlements/:id/execution", func(c *gin.Context) {
		record, err := engine.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if record == nil || record.SecondHopDepositAddress == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "no second hop on record"})
			return
		}
		status, err := intents.GetExecutionStatus(c.Request.Context(), record.SecondHopDepositAddress)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	router.POST("/settlements/:id/refund", func(c *gin.Context) {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		record, err := engine.MarkRefunded(c.Request.Context(), c.Param("id"), body.Reason)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, record)
	})

	// Manual sweep for operational recovery; same entry point as the ticker.
	router.POST("/process", func(c *gin.Context) {
		report, err := scheduler.Trigger(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	})

	return router
}

func statusFor(err error) int {
	var se *settler.SettlementError
	if errors.As(err, &se) {
		switch se.Code {
		case settler.ErrCodeInvalidAmount, settler.ErrCodeUnsupportedNetwork:
			return http.StatusBadRequest
		case settler.ErrCodeStoreUnavailable, settler.ErrCodeProviderUnavailable, settler.ErrCodeChainUnavailable:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusUnprocessableEntity
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v)
		return fallback
	}
	return d
}

// The orchestrator binary runs the whole mesh in one process: agent
// registry, session store, router, and the invoke pipeline.
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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/auth"
	"github.com/agentmesh/agentmesh/internal/decompose"
	"github.com/agentmesh/agentmesh/internal/dispatch"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/orchestrator"
	reghandler "github.com/agentmesh/agentmesh/internal/registry/handler"
	"github.com/agentmesh/agentmesh/internal/registry/model"
	"github.com/agentmesh/agentmesh/internal/registry/service"
	regstore "github.com/agentmesh/agentmesh/internal/registry/store"
	"github.com/agentmesh/agentmesh/internal/router"
	"github.com/agentmesh/agentmesh/internal/server"
	"github.com/agentmesh/agentmesh/internal/session"
	"github.com/agentmesh/agentmesh/pkg/agentcard"
)

const (
	exitOK          = 0
	exitConfig      = 1
	exitStoreFailed = 2
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	os.Exit(run(logger))
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("registry.config_path", "agent_registry.json")
	viper.SetDefault("session.db_path", "sessions.db")
	viper.SetDefault("session.activity_window_hours", 24)
	viper.SetDefault("session.hard_expiry_days", 30)
	viper.SetDefault("session.cleanup_ttl_days", 7)
	viper.SetDefault("auth.mode", "jwt")
	viper.SetDefault("auth.service_url", "")
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("stage1.k", 10)
	viper.SetDefault("stage1.threshold", 0.1)
	viper.SetDefault("agent.invoke_timeout_ms", 30000)
	viper.SetDefault("per.agent_concurrency", 16)
	viper.SetDefault("card.allow_insecure", false)
	viper.SetDefault("card.cache_ttl_ms", 300000)
	viper.SetDefault("llm.base_url", "")
	viper.SetDefault("llm.api_key", "")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.timeout_ms", 15000)
	viper.SetDefault("request.timeout_ms", 60000)
}

func run(logger *zap.Logger) int {
	// ── Configuration ────────────────────────────────────────────────────────
	if err := godotenv.Load(); err == nil {
		logger.Info("loaded environment from .env")
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	authMode := viper.GetString("auth.mode")
	var verifier auth.Verifier
	switch authMode {
	case "remote":
		url := viper.GetString("auth.service_url")
		if url == "" {
			logger.Error("auth.mode=remote requires AUTH_SERVICE_URL")
			return exitConfig
		}
		verifier = auth.NewRemoteVerifier(url, 5*time.Second)
	case "jwt":
		secret := viper.GetString("auth.jwt_secret")
		if secret == "" {
			logger.Error("auth.mode=jwt requires AUTH_JWT_SECRET")
			return exitConfig
		}
		verifier = auth.NewJWTVerifier([]byte(secret), "")
	default:
		logger.Error("unknown auth.mode", zap.String("mode", authMode))
		return exitConfig
	}

	// ── Registry ─────────────────────────────────────────────────────────────
	fileStore := regstore.NewFileStore(viper.GetString("registry.config_path"), logger)
	fetcher := agentcard.NewFetcher(10 * time.Second)
	registry, err := service.New(fileStore, fetcher, service.Options{
		AllowInsecureCards: viper.GetBool("card.allow_insecure"),
	}, logger)
	if err != nil {
		if errors.Is(err, model.ErrStoreCorrupt) {
			logger.Error("REGISTRY STORE CORRUPT: starting with an empty catalog",
				zap.String("path", viper.GetString("registry.config_path")),
				zap.Error(err))
		} else {
			logger.Error("registry load failed", zap.Error(err))
			return exitStoreFailed
		}
	}
	logger.Info("registry loaded", zap.Int("agents", registry.Count()))

	// ── Session store ────────────────────────────────────────────────────────
	sessions, err := session.Open(viper.GetString("session.db_path"), logger)
	if err != nil {
		logger.Error("session store open failed", zap.Error(err))
		return exitStoreFailed
	}
	defer sessions.Close() //nolint:errcheck

	// ── LLM ──────────────────────────────────────────────────────────────────
	llmClient := llm.NewClient(llm.Config{
		BaseURL: viper.GetString("llm.base_url"),
		APIKey:  viper.GetString("llm.api_key"),
		Model:   viper.GetString("llm.model"),
		Timeout: time.Duration(viper.GetInt("llm.timeout_ms")) * time.Millisecond,
	})

	// ── Dispatch ─────────────────────────────────────────────────────────────
	cardCache := dispatch.NewCardCache(fetcher,
		time.Duration(viper.GetInt("card.cache_ttl_ms"))*time.Millisecond, logger)
	remote := dispatch.NewRemoteClient(cardCache,
		time.Duration(viper.GetInt("agent.invoke_timeout_ms"))*time.Millisecond, logger)
	limiter := dispatch.NewLimiter(int64(viper.GetInt("per.agent_concurrency")), 5*time.Second)
	dispatcher := dispatch.NewDispatcher(remote, dispatch.NewLocalRegistry(), limiter, logger)

	// ── Router + decomposer + orchestrator ───────────────────────────────────
	rtr := router.New(registry.Index(), llmClient, sessions, router.Options{
		Stage1K:         viper.GetInt("stage1.k"),
		Stage1Threshold: viper.GetFloat64("stage1.threshold"),
	}, logger)
	dec := decompose.New(llmClient, logger)
	orch := orchestrator.New(verifier, sessions, rtr, dec, dispatcher, orchestrator.Options{
		RequestTimeout: time.Duration(viper.GetInt("request.timeout_ms")) * time.Millisecond,
		ActivityWindow: time.Duration(viper.GetInt("session.activity_window_hours")) * time.Hour,
	}, logger)

	orchHandler := orchestrator.NewHandler(orch, sessions, rtr, logger)
	agentHandler := reghandler.NewAgentHandler(registry, verifier, cardCache, logger)
	sessionHandler := session.NewHandler(sessions, verifier, logger)

	// ── HTTP router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(server.CORS(viper.GetStringSlice("server.cors_origins")))
	engine.Use(server.SecurityHeaders())
	engine.Use(server.BodyLimit(1 << 20))
	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		engine.Use(server.RateLimiter(rps, rps*2))
	}
	engine.Use(server.PrometheusMiddleware())
	engine.Use(server.RequestLogger(logger))

	engine.GET("/metrics", server.MetricsHandler())
	orchHandler.Register(engine)
	agentHandler.Register(engine)
	sessionHandler.Register(engine)

	// quit has exactly one receiver (main, below); signal.Notify delivers
	// each signal once, so the tickers stop on done instead.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	// ── Background: session cleanup + agent gauges ───────────────────────────
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := sessions.Cleanup(ctx,
					viper.GetInt("session.cleanup_ttl_days"),
					viper.GetInt("session.hard_expiry_days"))
				if err != nil {
					logger.Warn("session cleanup error", zap.Error(err))
				} else if n > 0 {
					logger.Info("session cleanup", zap.Int64("deleted", n))
				}
				cancel()
			case <-done:
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				updateAgentGauges(registry)
			case <-done:
				return
			}
		}
	}()
	updateAgentGauges(registry)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("orchestrator listening", zap.Int("port", viper.GetInt("server.port")))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-quit
	close(done)
	logger.Info("shutting down orchestrator...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("orchestrator stopped")
	return exitOK
}

func updateAgentGauges(registry *service.Registry) {
	counts := map[string]float64{}
	for _, rec := range registry.List(service.ListFilter{}) {
		key := "local"
		if rec.Kind == model.KindRemote {
			key = string(rec.Status)
		}
		counts[key]++
	}
	for _, status := range []string{"local", "pending", "approved", "suspended", "rejected"} {
		server.SetAgentsGauge(status, counts[status])
	}
}

// Command syncnode boots the Room Manager, the optional Announcer and Map
// Selector, and the Front Door, then serves client connections until asked
// to shut down.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/meshworld/syncnode/internal/v1/announcer"
	"github.com/meshworld/syncnode/internal/v1/config"
	"github.com/meshworld/syncnode/internal/v1/event"
	"github.com/meshworld/syncnode/internal/v1/frontdoor"
	"github.com/meshworld/syncnode/internal/v1/health"
	"github.com/meshworld/syncnode/internal/v1/heartbeat"
	"github.com/meshworld/syncnode/internal/v1/logging"
	"github.com/meshworld/syncnode/internal/v1/middleware"
	"github.com/meshworld/syncnode/internal/v1/ratelimit"
	"github.com/meshworld/syncnode/internal/v1/relay"
	"github.com/meshworld/syncnode/internal/v1/roommanager"
	"github.com/meshworld/syncnode/internal/v1/selector"
	"github.com/meshworld/syncnode/internal/v1/tracing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// idleCleanupInterval is how often the idle-connection sweep over every
// room runs.
const idleCleanupInterval = 30 * time.Second

// idleTimeout is how long an authenticated connection may sit without
// activity before CleanupInactive culls it.
const idleTimeout = 120 * time.Second

// statsLogInterval is how often the supervisor logs aggregate load.
const statsLogInterval = 60 * time.Second

func main() {
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}
	ctx := context.Background()

	if addr := os.Getenv("OTEL_COLLECTOR_ADDR"); addr != "" {
		tp, err := tracing.InitTracer(ctx, "syncnode", addr)
		if err != nil {
			logging.Warn(ctx, "tracing disabled: failed to init tracer", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	rooms := roommanager.New(cfg)
	rooms.StartReaper()

	var relayPool *relay.Pool
	var ann *announcer.Announcer
	var sel *selector.Selector
	relayURLs := cfg.RelayURLs()

	if len(relayURLs) > 0 {
		priv, err := event.ParsePrivateKey(cfg.NodeSecretKey)
		if err != nil {
			logging.Fatal(ctx, "invalid NODE_SECRET_KEY", zap.Error(err))
		}

		relayPool = relay.NewPool(relayURLs)
		ann = announcer.New(relayPool, rooms, priv, cfg.NodePublicURL, cfg.NodeRegion, cfg.MaxPlayers)
		ann.Start()

		if cfg.ServedMode == config.ServedAuto {
			sel = selector.New(heartbeat.New(), rooms, relayURLs, cfg.TargetMaps)
			sel.Start()
		}
	} else {
		logging.Warn(ctx, "no SYNC_URL configured: running without discovery fabric participation")
	}

	var redisClient *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr})
	}
	limiter, err := ratelimit.New(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "failed to build rate limiter", zap.Error(err))
	}

	front := frontdoor.New(rooms, cfg.MaxPlayers, limiter)

	var healthChecker health.RelayChecker
	if relayPool != nil {
		healthChecker = relayPool
	}
	healthHandler := health.NewHandler(healthChecker)

	router := gin.Default()
	router.Use(otelgin.Middleware("syncnode"))
	router.Use(middleware.CorrelationID())
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	router.Use(cors.New(corsCfg))
	router.Use(gin.Recovery())

	router.GET("/ws", front.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler: router,
	}

	idleCleanupStop := make(chan struct{})
	go runIdleCleanup(rooms, idleCleanupStop)

	statsStop := make(chan struct{})
	go runStatsLog(ctx, rooms, statsStop)

	go func() {
		logging.Info(ctx, "syncnode listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	close(idleCleanupStop)
	close(statsStop)
	if sel != nil {
		sel.Stop()
	}
	if ann != nil {
		ann.Stop()
	}
	rooms.Destroy()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
	logging.Info(ctx, "syncnode exited")
}

// runIdleCleanup periodically culls idle authenticated connections.
func runIdleCleanup(rooms *roommanager.Manager, stop <-chan struct{}) {
	ticker := time.NewTicker(idleCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rooms.CleanupInactive(idleTimeout)
		case <-stop:
			return
		}
	}
}

// runStatsLog periodically logs aggregate load for operational visibility.
func runStatsLog(ctx context.Context, rooms *roommanager.Manager, stop <-chan struct{}) {
	ticker := time.NewTicker(statsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			logging.Info(ctx, "node stats",
				zap.Int("totalPlayers", rooms.GetTotalPlayerCount()),
				zap.Int("activeMaps", len(rooms.GetActiveMapIds())))
		case <-stop:
			return
		}
	}
}

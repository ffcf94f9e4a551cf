// Command server runs the collaboration relay: it terminates WebSocket
// connections from editors, sequences diagram operations per session, and
// fans applied operations and presence updates out to participants.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ericfitz/tmcollab/api"
	"github.com/ericfitz/tmcollab/internal/config"
	"github.com/ericfitz/tmcollab/internal/slogging"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	configFile := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := slogging.Initialize(slogging.Config{
		Level:            cfg.GetLogLevel(),
		IsDev:            cfg.Logging.IsDev,
		LogDir:           cfg.Logging.LogDir,
		MaxAgeDays:       cfg.Logging.MaxAgeDays,
		MaxSizeMB:        cfg.Logging.MaxSizeMB,
		MaxBackups:       cfg.Logging.MaxBackups,
		AlsoLogToConsole: cfg.Logging.AlsoLogToConsole,
	}); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	logger := slogging.Get()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		// Rate limiting and snapshot caching degrade gracefully without
		// Redis, so a failed ping is not fatal
		logger.Warn("Redis unreachable at %s, running without rate limiting and snapshot cache: %v", cfg.RedisAddr(), err)
	}
	cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := api.NewMetrics(registry)

	validator := api.NewTokenValidator(cfg.Auth.JWT.Secret, cfg.Auth.JWT.SigningMethod)
	rateLimiter := api.NewOperationRateLimiter(redisClient, cfg.WebSocket.RateLimitPerWindow, cfg.WebSocket.RateLimitWindow)
	snapshots := api.NewSnapshotCache(redisClient, cfg.WebSocket.SnapshotCacheTTL)

	hub := api.NewWebSocketHub(validator, rateLimiter, snapshots, metrics, api.HubConfig{
		HeartbeatInterval: cfg.WebSocket.HeartbeatInterval,
		PongTimeout:       cfg.WebSocket.PongTimeout,
		WriteTimeout:      cfg.WebSocket.WriteTimeout,
		InactivityTimeout: cfg.WebSocket.InactivityTimeout,
		HandshakeTimeout:  cfg.Collab.AuthTimeout + cfg.Collab.JoinTimeout,
		MaxMessageBytes:   cfg.WebSocket.MaxMessageBytes,
		SendBufferSize:    cfg.WebSocket.SendBufferSize,
	})

	if !cfg.Logging.IsDev {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// The target diagram is named by the join_room message, not the URL
	router.GET("/ws", hub.HandleWS)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if cfg.Logging.IsDev {
		// Local development only; deployments mint tokens in the auth service
		router.POST("/dev/token", func(c *gin.Context) {
			var req struct {
				UserID string `json:"user_id" binding:"required"`
				Name   string `json:"name"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			token, err := validator.IssueToken(req.UserID, req.Name, cfg.GetJWTDuration())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"token":      token,
				"expires_in": int(cfg.GetJWTDuration().Seconds()),
			})
		})
		logger.Info("Dev token endpoint enabled at /dev/token")
	}

	addr := net.JoinHostPort(cfg.Server.Interface, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Collaboration relay listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		hub.StartCleanupTimer(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return redisClient.Close()
	})

	return g.Wait()
}

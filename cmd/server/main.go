package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"

	"difyrelay/internal/config"
	"difyrelay/internal/database"
	"difyrelay/internal/handlers"
	"difyrelay/internal/repository"
	"difyrelay/internal/router"
	"difyrelay/internal/websocket"
	"difyrelay/internal/worker"
)

func main() {
	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	setupLogging(cfg)
	log.Info("Starting chat relay")

	if cfg.Upstream.DefaultURL == "" || cfg.Upstream.DefaultKey == "" {
		log.Warn("DIFY_API_URL or DIFY_API_KEY not set; requests must supply overrides")
	}

	// ──── Step 2: Exchange log (optional) ────
	var recorder *worker.Recorder
	if cfg.DatabaseURL != "" {
		pool, err := database.NewPostgresPool(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("PostgreSQL connection failed")
		}
		defer pool.Close()

		if err := database.RunMigrations(pool); err != nil {
			log.WithError(err).Fatal("Database migration failed")
		}

		recorder = worker.NewRecorder(repository.NewExchangeRepo(pool), 2, 256)
		recorder.Start()
		log.Info("PostgreSQL connected, exchange log enabled")
	}

	// ──── Step 3: Session watchers (optional) ────
	var wsHub *websocket.Hub
	if cfg.RedisURL != "" {
		redisClients, err := database.NewRedisClients(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("Redis connection failed")
		}
		defer redisClients.Close()

		wsHub = websocket.NewHub(redisClients.PubSub)
		log.Info("Redis connected, session watchers enabled")
	}

	// ──── Step 4: Relay ────
	upstream := handlers.NewUpstreamClient(cfg.UpstreamDialTimeout, cfg.UpstreamHeaderTimeout)
	var exchanges handlers.ExchangeRecorder
	if recorder != nil {
		exchanges = recorder
	}
	relayHandler := handlers.NewRelayHandler(cfg.Upstream, upstream, exchanges)

	// ──── Step 5: Start HTTP Server ────
	r := router.New(relayHandler, wsHub, cfg.FrontendURL)

	// No WriteTimeout: a streamed answer can run for minutes.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("shutdown did not finish cleanly")
		}
	}()

	log.Infof("Relay ready on http://localhost:%s", cfg.Port)
	log.Infof("  Chat: POST http://localhost:%s/api/chat-messages", cfg.Port)
	if wsHub != nil {
		log.Infof("  WS:   ws://localhost:%s/api/sessions/{id}/ws", cfg.Port)
	}

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.WithError(err).Fatal("Server error")
	}

	// In-flight handlers have returned; flush the exchange log.
	if recorder != nil {
		recorder.Stop()
	}
}

func setupLogging(cfg *config.Config) {
	if cfg.Env == "production" {
		log.SetHandler(json.New(os.Stderr))
	} else {
		log.SetHandler(text.New(os.Stderr))
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

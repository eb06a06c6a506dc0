package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/phcsync/internal/adapters/http"
	"github.com/dkeye/phcsync/internal/adapters/redisbus"
	"github.com/dkeye/phcsync/internal/app"
	"github.com/dkeye/phcsync/internal/config"
	"github.com/dkeye/phcsync/internal/metrics"
)

func setupLogger(level, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Console output until the config says otherwise.
	setupLogger("info", "console")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg.LogLevel, cfg.LogFormat)

	policy, err := app.PolicyByName(cfg.Relay.Backpressure)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid backpressure policy")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	relayMetrics := metrics.NewRelayMetrics(reg)

	opts := app.Options{
		Policy:        policy,
		Metrics:       relayMetrics,
		QueueSize:     cfg.Relay.QueueSize,
		StaleAfter:    cfg.Relay.StaleAfter,
		SweepInterval: cfg.Relay.SweepInterval,
	}

	var sub *redisbus.Subscription
	if cfg.Redis.URL != "" {
		rdb, err := redisbus.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		bus := redisbus.New(rdb, cfg.Redis.Channel)
		if sub, err = bus.Subscribe(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to subscribe relay channel")
		}
		defer sub.Close()
		opts.Bus = bus
	}

	hub := app.NewHub(opts)
	if sub != nil {
		go sub.Run(ctx, func(msg app.BusMessage) {
			if err := hub.DeliverRemote(msg); err != nil {
				log.Debug().Err(err).Msg("remote relay dropped")
			}
		})
	}

	r := router.SetupRouter(ctx, cfg, hub, reg)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("instance", hub.InstanceID()).Msg("PHC sync relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	hub.Stop()
	log.Info().Msg("Server exited gracefully")
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"

	displaylauncher "previz.stage/internal/adapters/display"
	http_handler "previz.stage/internal/adapters/handler/http"
	"previz.stage/internal/adapters/proc"
	"previz.stage/internal/adapters/runner"
	"previz.stage/internal/adapters/sink"
	mqtt_sink "previz.stage/internal/adapters/sink/mqtt"
	redis_sink "previz.stage/internal/adapters/sink/redis"
	"previz.stage/internal/config"
	"previz.stage/internal/core/logger"
	"previz.stage/internal/core/services"
	"previz.stage/internal/core/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting previz stage server", "version", "0.1.0")

	if cfg.EnableTracing {
		shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err)
		} else {
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Error("Failed to shutdown tracing", "error", err)
				}
			}()
		}
	}

	// Observer sinks: websocket hub plus whatever channels are configured.
	// Everything stays best-effort; a missing broker only costs the mirror.
	hub := http_handler.NewHub()
	go hub.Run()

	sinks := sink.Multi{hub, sink.Logging{}}
	if cfg.EnableMetrics {
		sinks = append(sinks, http_handler.MetricsSink{})
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		pub, client, err := redis_sink.NewPublisher(cfg.RedisURL)
		if err != nil {
			logger.Error("Failed to init Redis event channel", "error", err)
		} else {
			sinks = append(sinks, pub)
			redisClient = client
			defer pub.Close()
		}
	}

	if cfg.MQTTBroker != "" {
		pub, err := mqtt_sink.NewPublisher(cfg.MQTTBroker)
		if err != nil {
			logger.Error("Failed to init MQTT event channel", "error", err)
		} else {
			sinks = append(sinks, pub)
			defer pub.Close()
		}
	}

	// Core services, wired explicitly; lifecycle is owned here, not by
	// lazily created globals.
	addrs := services.NewAddressRegistry(cfg.BaseDisplay, cfg.BasePort)
	if port, err := strconv.Atoi(cfg.HTTPPort); err == nil {
		addrs.RegisterService("stage", port, "")
	}

	launcher := displaylauncher.NewVNCLauncher(cfg.DisplayServerBin)
	displays := services.NewDisplayManager(launcher, addrs, sinks, cfg.DisplayStopTimeout)

	control := proc.New()
	procs := services.NewProcessRegistry(displays, control, sinks, cfg.LivenessInterval)
	defer procs.Close()

	cmdRunner := runner.New()
	sched := services.NewScheduler(cfg.MaxConcurrentJobs, cfg.MaxHistory, cfg.TickInterval, sinks)
	sched.RegisterExecutor(
		"build",
		services.NewBuildExecutor(cmdRunner),
	)
	sched.RegisterExecutor(
		"launch",
		services.NewLaunchExecutor(cmdRunner, launcher, displays, procs, addrs, sinks, cfg.DisplayStartTimeout),
	)
	sched.Start()

	healthSvc := services.NewHealthService(sched, redisClient, cfg.DisplayServerBin, "0.1.0")

	httpServer := http_handler.NewServer(sched, procs, displays, addrs, healthSvc, hub, cfg.StopGracePeriod, cfg.EnableMetrics)

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down gracefully...")
		sched.Close()
		for _, p := range procs.List() {
			if err := procs.Stop(p.Name, cfg.StopGracePeriod); err != nil {
				logger.Warn("Failed to stop process on shutdown", "name", p.Name, "error", err)
			}
		}
		procs.Close()
		os.Exit(0)
	}()

	logger.Info("HTTP server starting", "port", cfg.HTTPPort)
	if err := httpServer.Run(":" + cfg.HTTPPort); err != nil {
		logger.Error("HTTP server failed", "error", err)
		log.Fatalf("failed to serve http: %v", err)
	}
}

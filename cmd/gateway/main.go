package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"im-gateway/cmd/gateway/handlers/ws"
	"im-gateway/cmd/gateway/middlewares"
	"im-gateway/internal/broker"
	"im-gateway/internal/clients/redisdir"
	"im-gateway/internal/config"
	"im-gateway/internal/discovery"
	"im-gateway/internal/gateway"
	"im-gateway/internal/logger"

	"github.com/gofiber/fiber/v2"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
)

// Exit codes: 1 for configuration problems, 2 when a listen port is taken.
const (
	exitConfig = 1
	exitBind   = 2
)

const bootPingTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create bootstrap logger for early errors
	bootstrapLog := log.New(os.Stderr, "bootstrap: ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		bootstrapLog.Printf("config load failed: %v", err)
		os.Exit(exitConfig)
	}

	logg, err := logger.Init(cfg)
	if err != nil {
		bootstrapLog.Printf("logger init failed: %v", err)
		os.Exit(exitConfig)
	}

	logg.Info("starting im-gateway",
		"broker_id", cfg.BrokerID, "ports", cfg.Websocket.Ports, "path", cfg.Websocket.Path)

	// The directory is an optimization, not a dependency: an unreachable
	// Redis degrades cross-node routing but the gateway still serves.
	directory := redisdir.New(cfg.Directory)
	pingCtx, cancelPing := context.WithTimeout(ctx, bootPingTimeout)
	if err := directory.Ping(pingCtx); err != nil {
		logg.Warn("routing directory unreachable at boot", "err", err)
	}
	cancelPing()

	registry := gateway.NewRegistry()
	metrics := gateway.NewMetrics()
	httpMetrics := middlewares.NewHTTPMetrics(metrics.Registry)
	wsHandlers := ws.NewHandlers(cfg, registry, metrics, directory, logg)

	dispatcher := gateway.NewDispatcher(registry, metrics, logg)
	consumer := broker.NewConsumer(
		cfg.Broker, cfg.BrokerID, cfg.Consumer.Prefetch, dispatcher, metrics.BrokerMessages, logg)

	// Bind every port up front so a taken port fails fast, before the node
	// registers anywhere.
	listeners := make([]net.Listener, 0, len(cfg.Websocket.Ports))
	for _, port := range cfg.Websocket.Ports {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			logg.Error("bind failed", "port", port, "err", err)
			os.Exit(exitBind)
		}
		listeners = append(listeners, ln)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return consumer.Run(ctx) })

	if cfg.Discovery.Enabled {
		registrar := discovery.New(cfg.Discovery, cfg.BrokerID, cfg.Websocket.Ports, logg)
		g.Go(func() error { return registrar.Run(ctx) })
	}

	apps := make([]*fiber.App, 0, len(listeners))
	for i, ln := range listeners {
		ln := ln
		app := setupRouter(cfg, registry, metrics, httpMetrics, directory, wsHandlers)
		apps = append(apps, app)
		port := cfg.Websocket.Ports[i]
		g.Go(func() error {
			logg.Info("listening", "port", port)
			err := app.Listener(ln)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	// Graceful shutdown: close every session so writers flush their close
	// frames, then stop accepting.
	g.Go(func() error {
		<-ctx.Done()

		for _, s := range registry.Snapshot() {
			s.Close(gateway.CauseShutdown)
		}
		time.Sleep(cfg.Outbound.DrainTimeout)

		for _, app := range apps {
			if err := app.Shutdown(); err != nil {
				logg.Warn("app shutdown", "err", err)
			}
		}
		return directory.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error("fatal", "err", err)
		os.Exit(exitConfig)
	}
	logg.Info("graceful shutdown complete")
}

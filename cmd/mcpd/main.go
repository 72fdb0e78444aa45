package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mcpwire/mcpwire"
	"github.com/mcpwire/mcpwire/internal/limits"
	"github.com/mcpwire/mcpwire/internal/monitoring"
	"github.com/mcpwire/mcpwire/tcp"
	_ "go.uber.org/automaxprocs"
)

func main() {
	var (
		debug       = flag.Bool("debug", false, "enable debug logging (overrides MCP_LOG_LEVEL)")
		metricsAddr = flag.String("metrics-addr", ":9100", "Prometheus metrics listen address (empty disables)")
	)
	flag.Parse()

	// Basic logger for startup, before config decides the structured one.
	boot := log.New(os.Stdout, "[MCP] ", log.LstdFlags)

	// automaxprocs sets GOMAXPROCS from container CPU limits; it rounds
	// down, which is what the scheduler wants.
	boot.Printf("GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	cfg, err := mcpwire.LoadConfig(nil)
	if err != nil {
		boot.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
		boot.Printf("Debug mode enabled via flag")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	// The daemon serves as a framed echo endpoint until an application
	// registers real dispatch on top of it.
	handler := func(payload []byte) ([]byte, error) {
		resp := make([]byte, len(payload))
		copy(resp, payload)
		return resp, nil
	}

	server, err := tcp.NewServer(cfg, handler, nil, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}

	guardCtx, cancelGuard := context.WithCancel(context.Background())
	defer cancelGuard()
	if cfg.CPURejectThreshold > 0 {
		guard := limits.NewResourceGuard(cfg.CPURejectThreshold, logger)
		guard.StartMonitoring(guardCtx, cfg.MetricsInterval)
		server.SetResourceGuard(guard)
	}

	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	var metricsSrv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", monitoring.Handler())
		metricsSrv = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			logger.Info().Str("addr", *metricsAddr).Msg("Metrics endpoint listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	server.Stop()
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		metricsSrv.Shutdown(ctx)
	}
}

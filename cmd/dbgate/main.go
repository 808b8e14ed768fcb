package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voidheim/dbgate/internal/logger"
	"github.com/voidheim/dbgate/pkg/cache"
	"github.com/voidheim/dbgate/pkg/config"
	"github.com/voidheim/dbgate/pkg/metrics"
	"github.com/voidheim/dbgate/pkg/packet"
	"github.com/voidheim/dbgate/pkg/pool"
	"github.com/voidheim/dbgate/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	logLevel := flag.String("log-level", "", "Log level override (DEBUG, INFO, WARN, ERROR)")
	listenAddr := flag.String("listen", "", "Listen address override (host:port)")
	initTimeout := flag.Duration("init-timeout", 30*time.Second, "Timeout for connecting to the backing store")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	logger.SetLevel(cfg.Logging.Level)
	if err := configureLogOutput(cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to configure log output: %v", err)
	}

	fmt.Println("dbgate - game database gateway")
	logger.Info("Log level set to: %s", cfg.Logging.Level)
	logger.Info("Database driver: %s", cfg.Database.Type)

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		go serveMetrics(cfg.Metrics.ListenAddr)
	}

	driver, err := config.NewDriver(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to create database driver: %v", err)
	}

	p := pool.New(cfg.Pool, driver, metrics.NewPoolMetrics())
	initCtx, cancelInit := context.WithTimeout(context.Background(), *initTimeout)
	if err := p.Initialize(initCtx); err != nil {
		cancelInit()
		log.Fatalf("Failed to initialize connection pool: %v", err)
	}
	cancelInit()
	defer p.Close()

	policies, err := config.BuildCachePolicies(cfg.Cache)
	if err != nil {
		log.Fatalf("Failed to build cache policies: %v", err)
	}
	c := cache.New(cfg.Cache.Config, policies, p, metrics.NewCacheMetrics())

	router := packet.NewRouter(cfg.Router, metrics.NewRouterMetrics())

	srv := server.New(cfg.Server, p, c, router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running on %s. Press Ctrl+C to stop.", cfg.Server.ListenAddr)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
		cancel()
		if err := <-serverDone; err != nil && err != context.Canceled {
			logger.Error("Server shutdown error: %v", err)
			os.Exit(1)
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		if err != nil && err != context.Canceled {
			logger.Error("Server error: %v", err)
			os.Exit(1)
		}
		logger.Info("Server stopped")
	}
}

// configureLogOutput points the logger at stdout, stderr or a file.
func configureLogOutput(output string) error {
	switch output {
	case "", "stdout":
		return nil
	case "stderr":
		logger.SetOutput(os.Stderr)
		return nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		logger.SetOutput(f)
		return nil
	}
}

// serveMetrics exposes the Prometheus registry over HTTP.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	logger.Info("Metrics endpoint listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics endpoint failed: %v", err)
	}
}

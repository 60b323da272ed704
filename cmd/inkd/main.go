package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"inkprotocol/config"
	"inkprotocol/observability/logging"
	telemetry "inkprotocol/observability/otel"
)

func main() {
	var cfgPath string
	var allowInsecureFlag bool
	flag.StringVar(&cfgPath, "config", "./inkd.toml", "path to inkd configuration (TOML, or YAML by extension)")
	flag.BoolVar(&allowInsecureFlag, "allow-insecure", false, "DEV ONLY: permit plaintext listeners on loopback interfaces")
	flag.Parse()

	boot := logging.Setup("inkd", strings.TrimSpace(os.Getenv("INK_ENV")))
	cfg, err := config.Load(cfgPath)
	if err != nil {
		boot.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	logger := logging.SetupWithOptions("inkd", cfg.Environment, logging.Options{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		File:       cfg.ResolvePath(cfg.Logging.File),
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "inkd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Error("failed to initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	n, err := buildNode(cfg, logger)
	if err != nil {
		logger.Error("failed to assemble node", "error", err)
		os.Exit(1)
	}
	defer n.Close()

	configDir := ""
	if strings.TrimSpace(cfgPath) != "" {
		configDir = filepath.Dir(cfgPath)
	}
	tlsConfig, err := buildTLSConfig(configDir, cfg.Security)
	if err != nil {
		logger.Error("failed to configure TLS", "error", err)
		os.Exit(1)
	}
	allowInsecure := cfg.Security.AllowInsecure || allowInsecureFlag
	if tlsConfig == nil {
		if !allowInsecure {
			logger.Error("TLS certificate and key are required; provide security.TLSCertFile/TLSKeyFile or start with --allow-insecure in dev")
			os.Exit(1)
		}
		if !strings.EqualFold(cfg.Environment, "dev") && !isLoopbackAddress(cfg.ListenAddress) {
			logger.Error("plaintext mode is restricted to loopback listeners or the dev environment", "listen", cfg.ListenAddress)
			os.Exit(1)
		}
	}

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      n.handler,
		ReadTimeout:  cfg.ReadTimeout.Std(),
		WriteTimeout: cfg.WriteTimeout.Std(),
		IdleTimeout:  cfg.IdleTimeout.Std(),
		TLSConfig:    tlsConfig,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Error("failed to listen", "listen", cfg.ListenAddress, "error", err)
		os.Exit(1)
	}
	serveErr := make(chan error, 1)
	go func() {
		scheme := "http"
		if tlsConfig != nil {
			scheme = "https"
			listener = tls.NewListener(listener, tlsConfig)
		}
		logger.Info("inkd listening", "address", scheme+"://"+listener.Addr().String(), "escrow", cfg.EscrowAddress)
		serveErr <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	logger.Info("inkd stopped")
}

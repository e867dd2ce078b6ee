// Command vlessway runs the VLESS-over-WebSocket tunneling gateway: a
// single HTTP listener that upgrades WebSocket handshakes into tunnel
// sessions and, alongside, serves a small JSON surface for managing
// dynamic accounts.
//
// Flag and lifecycle handling follow main.go's own conventions: a
// flat set of top-level flags, an optional pprof profile started
// before anything else runs, and a signal-driven shutdown that closes
// listeners rather than calling os.Exit from inside a handler.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"go.uber.org/zap"

	"github.com/nullbind/vlessway/internal/config"
	"github.com/nullbind/vlessway/internal/dialer"
	"github.com/nullbind/vlessway/internal/gateway"
	"github.com/nullbind/vlessway/internal/identity"
	"github.com/nullbind/vlessway/internal/logging"
	"github.com/nullbind/vlessway/internal/metrics"
	"github.com/nullbind/vlessway/internal/tunnel"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile string
		startPProf bool
		logFile    string
	)
	flag.StringVar(&configFile, "c", "", "TOML config file (optional; UUID/PROXYIP env vars always take precedence)")
	flag.BoolVar(&startPProf, "pp", false, "start a CPU profile for the lifetime of the process")
	flag.StringVar(&logFile, "lf", "", "log file path (rotated); overrides the config file's logfile when set")
	flag.Parse()

	if startPProf {
		defer profile.Start(profile.CPUProfile, profile.NoShutdownHook).Stop()
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		println("vlessway: " + err.Error())
		return 1
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}

	if err := logging.Init(logging.Options{Level: cfg.LogLevel, OutputFile: cfg.LogFile}); err != nil {
		println("vlessway: logging init: " + err.Error())
		return 1
	}
	logger := logging.L()

	backend := identity.NewMapBackend()
	store, err := identity.New(cfg.UUID, backend)
	if err != nil {
		logger.Error("invalid UUID", zap.Error(err))
		return 1
	}

	d := dialer.New(cfg.ProxyIP, cfg.ConnectTimeout)
	engine := tunnel.New(store, d, cfg.DNSEnabled)
	engine.HeaderTimeout = cfg.HeaderTimeout
	engine.IdleTimeout = cfg.IdleTimeout

	reg := metrics.NewRegistry()
	gw := gateway.New(engine, backend, reg)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: gw,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr), zap.Bool("dnsEnabled", cfg.DNSEnabled))
		serveErrCh <- httpServer.ListenAndServe()
	}()

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("listener stopped", zap.Error(err))
			return 1
		}
	case <-osSignals:
		logger.Info("received shutdown signal, draining connections")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("graceful shutdown did not finish cleanly", zap.Error(err))
		}
	}

	return 0
}

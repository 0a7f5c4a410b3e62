package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/beacon-track/trackserver/internal/config"
	"github.com/beacon-track/trackserver/internal/export"
	trackhttp "github.com/beacon-track/trackserver/internal/http"
	"github.com/beacon-track/trackserver/internal/hub"
	"github.com/beacon-track/trackserver/internal/ingest"
	"github.com/beacon-track/trackserver/internal/metrics"
	"github.com/beacon-track/trackserver/internal/store"
	"github.com/beacon-track/trackserver/internal/ws"

	"github.com/beacon-track/trackserver/internal/cinet"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: trackserver <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the beacon ingest server")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}
	if cfg.Service.Debug {
		cfg.Service.LogLevel = "debug"
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting trackserver",
		zap.String("ingest_addr", cfg.Ingest.Addr()),
		zap.String("subscriber_addr", cfg.Subscriber.Addr()),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.String("database_url", redactURL(cfg.Database.URL)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the store.
	st, err := store.Open(ctx, cfg.Database.URL, cfg.Storage.CompressRaw, logger.Named("store"))
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	// Subscription hub and WebSocket subscriber server.
	h := hub.New(logger.Named("hub"))
	wsServer := ws.NewServer(cfg.Subscriber.Addr(), h, cfg.Subscriber.TokenSecret,
		cfg.SubscriberWriteTimeout(), logger.Named("ws"))
	if err := wsServer.Start(); err != nil {
		logger.Fatal("failed to start subscriber server", zap.Error(err))
	}

	// Optional Kafka export feed.
	var feed ingest.Feed
	var kafkaFeed *export.Feed
	if cfg.Export.Enabled() {
		kafkaFeed, err = export.NewFeed(cfg.Export.Brokers, cfg.Export.Topic,
			cfg.Export.ClientID, logger.Named("export"))
		if err != nil {
			logger.Fatal("failed to create export feed", zap.Error(err))
		}
		feed = kafkaFeed
		logger.Info("export feed enabled",
			zap.Strings("brokers", cfg.Export.Brokers),
			zap.String("topic", cfg.Export.Topic),
		)
	}

	// Beacon ingest pipeline.
	dispatcher := ingest.NewDispatcher(st, cinet.NewParser(), h, feed, logger.Named("ingest.dispatch"))
	listener := ingest.NewListener(cfg.Ingest.Addr(), dispatcher, cfg.Ingest.QueueDepth,
		logger.Named("ingest"))

	listenerDone := make(chan error, 1)
	go func() { listenerDone <- listener.Run(ctx) }()

	// --- HTTP server ---
	httpServer := trackhttp.NewServer(cfg.Service.HTTPListen, st, listener, wsServer, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("trackserver started")

	// Wait for shutdown signal, or a bind failure from the ingest listener.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-listenerDone:
		if err != nil {
			logger.Fatal("ingest listener failed", zap.Error(err))
		}
		logger.Warn("ingest listener exited")
		listenerDone = nil
	}

	// Graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer shutdownCancel()

	// Stop outward surfaces first, then drain the ingest pipeline.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("subscriber server shutdown error", zap.Error(err))
	}

	cancel()

	if listenerDone != nil {
		select {
		case <-listenerDone:
			logger.Info("ingest drained")
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timeout reached, ingest may not have drained")
		}
	}

	if kafkaFeed != nil {
		kafkaFeed.Close()
	}

	logger.Info("trackserver stopped")
}

func redactURL(raw string) string {
	if !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(raw, "password=***")
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	apihttp "github.com/igorpdm/Manoel-Filmes/internal/api/http"
	"github.com/igorpdm/Manoel-Filmes/internal/app"
	"github.com/igorpdm/Manoel-Filmes/internal/media"
	"github.com/igorpdm/Manoel-Filmes/internal/metrics"
	"github.com/igorpdm/Manoel-Filmes/internal/playback"
	mongorepo "github.com/igorpdm/Manoel-Filmes/internal/repository/mongo"
	"github.com/igorpdm/Manoel-Filmes/internal/room"
	"github.com/igorpdm/Manoel-Filmes/internal/telemetry"
	"github.com/igorpdm/Manoel-Filmes/internal/upload"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "watchparty-server", cfg.Env)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "watchparty-server"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("uploadsDir", cfg.UploadsDir),
		slog.Int("maxClients", cfg.MaxClients),
		slog.Int("maxRoomBandwidthMbps", cfg.MaxRoomBandwidthMb),
	)

	if err := os.MkdirAll(cfg.UploadsDir, 0o755); err != nil {
		logger.Error("uploads dir create failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverOpts := []apihttp.ServerOption{
		apihttp.WithAllowedOrigins(cfg.AllowedOrigins),
		apihttp.WithPublicDir(cfg.PublicDir),
	}

	// The session archive is optional: without MONGO_URI the server keeps
	// everything in memory and the history endpoint serves an empty list.
	var disconnectMongo func()
	if cfg.MongoURI != "" {
		ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
		mongoClient, err := mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
		if err != nil {
			cancel()
			logger.Error("mongo connect failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := mongoClient.Ping(ctx, readpref.Primary()); err != nil {
			cancel()
			logger.Error("mongo ping failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		archive := mongorepo.NewSessionArchiveRepository(mongoClient, cfg.MongoDatabase)
		if err := archive.EnsureIndexes(ctx); err != nil {
			logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
		}
		cancel()
		serverOpts = append(serverOpts, apihttp.WithSessionArchive(archive))
		disconnectMongo = func() {
			if err := mongoClient.Disconnect(context.Background()); err != nil {
				logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
			}
		}
	}

	registry := room.NewRegistry(logger, cfg.UploadsDir, room.WithMaxClients(cfg.MaxClients))
	hub := apihttp.NewHub(logger, registry, cfg.MaxClients, cfg.MaxRoomBandwidthMb)
	registry.SetNotifier(hub)

	uploads := upload.NewManager(logger, cfg.UploadsDir, hub)
	registry.SetUploadPurger(uploads)

	prober := media.NewProber(cfg.FFProbePath)
	transcoder := media.NewTranscoder(cfg.FFMPEGPath, logger)
	processor := media.NewProcessor(logger, prober, transcoder, hub, cfg.UploadsDir)

	engine := playback.NewEngine(logger, registry, hub)
	hub.SetMessageSink(engine)

	handler := apihttp.NewServer(logger, registry, uploads, processor, hub, cfg.BaseURL, cfg.UploadsDir, serverOpts...)

	go registry.Run(rootCtx)
	go uploads.Run(rootCtx)
	go engine.Run(rootCtx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       0, // chunk uploads stream large bodies
		WriteTimeout:      0, // range streaming holds long responses
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if disconnectMongo != nil {
		disconnectMongo()
	}

	logger.Info("server stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

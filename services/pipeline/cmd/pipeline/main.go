package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"printframe/internal/servicetoken"
	"printframe/internal/util"
	"printframe/pkg/ai"
	"printframe/pkg/events"
	"printframe/pkg/storage"
	"printframe/pkg/upscale"
	"printframe/services/pipeline/internal/app"
	"printframe/services/pipeline/internal/config"
	"printframe/services/pipeline/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "pipeline")

	appCore, err := app.New(app.Config{
		DatabaseURL:         cfg.DatabaseURL,
		RedisAddr:           cfg.RedisAddr,
		RedisPassword:       cfg.RedisPassword,
		RedisDB:             cfg.RedisDB,
		QueueName:           cfg.QueueName,
		QueueGroup:          cfg.QueueGroup,
		QueueConcurrency:    cfg.QueueConcurrency,
		QueueMaxAttempts:    cfg.QueueMaxAttempts,
		QueueRetryDelay:     cfg.QueueRetryDelay,
		QueueClaimIdle:      cfg.QueueClaimIdle,
		DispatchConcurrency: cfg.DispatchConcurrency,
		StorageBackend:      cfg.StorageBackend,
		StoragePath:         cfg.StoragePath,
		Minio: storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		},
		PublicBaseURL: cfg.PublicBaseURL,
		URLExpiry:     cfg.URLExpiry,
		Vision: ai.ProviderConfig{
			Provider: cfg.VisionProvider,
			BaseURL:  cfg.VisionBaseURL,
			APIKey:   cfg.VisionAPIKey,
			Model:    cfg.VisionModel,
		},
		ColorAnalysisTimeout: cfg.ColorAnalysisTimeout,
		Upscale: upscale.Config{
			Endpoint:          cfg.UpscaleEndpoint,
			APIKey:            cfg.UpscaleAPIKey,
			StatusURLTemplate: cfg.UpscaleStatusTemplate,
			PollInterval:      cfg.UpscalePollInterval,
			MaxPolls:          cfg.UpscaleMaxPolls,
		},
		Events: events.Config{
			Backend:  cfg.EventsBackend,
			URL:      cfg.AMQPURL,
			Exchange: cfg.AMQPExchange,
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.KafkaTopic,
		},
		Logger: logger,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	var tokens *servicetoken.Manager
	if cfg.InternalJWTSecret != "" {
		tokens, err = servicetoken.NewManager(servicetoken.Options{
			Secret: cfg.InternalJWTSecret,
			Issuer: cfg.InternalJWTIssuer,
		})
		if err != nil {
			util.Fatal("failed to init internal jwt", "err", err)
		}
	} else {
		logger.Warn("internal jwt secret not set; API is unauthenticated")
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:                      appCore,
		Tokens:                   tokens,
		StatusRateLimitPerMinute: cfg.StatusRateLimitPerMinute,
		TrustedProxies:           trusted,
		CORSAllowedOrigins:       cfg.CORSAllowedOrigins,
		MaxUploadBytes:           cfg.MaxUploadBytes,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("pipeline server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
	if err := appCore.Close(); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

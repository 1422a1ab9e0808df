package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-join-verify/internal/application/mail"
	"github.com/go-join-verify/internal/application/verification"
	"github.com/go-join-verify/internal/config"
	"github.com/go-join-verify/internal/infrastructure/cache"
	"github.com/go-join-verify/internal/infrastructure/dynamo"
	"github.com/go-join-verify/internal/infrastructure/filestore"
	"github.com/go-join-verify/internal/infrastructure/onebot"
	jwtinfra "github.com/go-join-verify/internal/infrastructure/jwt"
	s3infra "github.com/go-join-verify/internal/infrastructure/s3"
	"github.com/go-join-verify/internal/infrastructure/smtp"
	"github.com/go-join-verify/internal/infrastructure/sns"
	"github.com/go-join-verify/internal/pkg/clock"
	"github.com/go-join-verify/internal/pkg/logger"
	transporthttp "github.com/go-join-verify/internal/transport/http"
	"github.com/joho/godotenv"
)

const (
	mailTimeout     = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	groupNameCap    = 1024
)

func main() {
	envErr := godotenv.Load()

	cfg := config.Load()
	log := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "joinverify"})
	if envErr != nil {
		log.Info().Msg("no .env file found, reading from environment")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}

	ctx := context.Background()

	store, err := openStore(ctx, cfg, logger.Named(log, "store"))
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("open state store")
	}

	names, err := cache.NewGroupNames(groupNameCap, time.Duration(cfg.GroupNameCacheTTLSeconds)*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("group name cache")
	}
	defer names.Close()

	// Audit publishing is optional; the service runs without it.
	auditor, err := sns.NewAuditor(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("audit publisher not available")
		auditor = sns.Nop{}
	}

	dispatcher := mail.NewDispatcher(smtp.NewMailer(cfg), logger.Named(log, "mail"), mailTimeout)

	svc := verification.NewService(verification.ServiceDeps{
		Store:    store,
		Platform: onebot.NewClient(cfg),
		Mailer:   dispatcher,
		Names:    names,
		Auditor:  auditor,
		Clock:    clock.Real{},
		Log:      logger.Named(log, "verification"),
		Settings: verification.SettingsFromConfig(cfg),
	})
	svc.Start(ctx)

	// Operator tokens are optional; without them the listing stays unmounted.
	var tokens *jwtinfra.Provider
	if p, err := jwtinfra.NewProvider(cfg); err == nil {
		tokens = p
	} else {
		log.Warn().Err(err).Msg("operator tokens not available, verification listing disabled")
	}

	router, stopRouter := transporthttp.NewRouter(cfg, &transporthttp.Deps{
		Verification: svc,
		Tokens:       tokens,
		Log:          logger.Named(log, "http"),
	})
	defer stopRouter()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.AppPort).Str("env", cfg.AppEnv).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("save final snapshot")
	}
	dispatcher.Close(shutdownCtx)
	log.Info().Msg("server stopped")
}

// openStore builds the configured persistence backend.
func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (verification.Store, error) {
	switch cfg.StorageBackend {
	case "s3":
		client, err := s3infra.NewClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s3infra.NewSnapshotStore(client, cfg.S3BucketName, cfg.S3StateKey, log), nil
	case "dynamo":
		client, err := dynamo.NewClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		dynamo.Bootstrap(ctx, client, cfg.DynamoTablePending, log)
		return dynamo.NewPendingRepo(client, cfg.DynamoTablePending, log), nil
	default:
		return filestore.NewStore(cfg.StateFile, log), nil
	}
}

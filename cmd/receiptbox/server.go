package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codingric/receiptbox/auth"
	"github.com/codingric/receiptbox/config"
	"github.com/codingric/receiptbox/handlers"
	"github.com/codingric/receiptbox/models"
	"github.com/codingric/receiptbox/storage"
	"github.com/codingric/receiptbox/transactions"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/extra/redisotel/v8"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var openDatabase = models.Open

// buildServer connects every backing service named in cfg and returns the
// router plus a func releasing those connections.
func buildServer(ctx context.Context, cfg *config.Config) (http.Handler, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		closers = append(closers, func() { sqlDB.Close() })
	}

	if err := models.Migrate(db); err != nil {
		cleanup()
		return nil, nil, err
	}

	store, err := storage.New(cfg.Storage)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	rdb := connectRedis(ctx, cfg.Redis)
	if rdb != nil {
		closers = append(closers, func() { rdb.Close() })
	}

	service := transactions.NewService(
		models.NewTransactionRepository(db),
		store,
		transactions.WithReplays(transactions.NewReplays(rdb)),
		transactions.WithMaxUpload(cfg.Server.MaxUploadBytes),
	)
	media, _ := store.(*storage.LocalStore)

	router := handlers.NewRouter(handlers.RouterConfig{
		Service:        service,
		Users:          models.NewUserRepository(db),
		Verifier:       auth.NewVerifier(cfg.Server.Secret),
		Media:          media,
		CorsOrigins:    cfg.Server.CorsOrigins,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})
	return router, cleanup, nil
}

// connectRedis returns nil when no address is configured. An unreachable
// server is still returned; idempotency lookups then fail open.
func connectRedis(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	if cfg.Address == "" {
		log.Info().Msg("Redis not configured, Idempotency-Key ignored")
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	rdb.AddHook(redisotel.NewTracingHook())

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		log.Warn().Err(err).Str("address", cfg.Address).Msg("Redis unreachable")
	}
	return rdb
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router, cleanup, err := buildServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		log.Info().Msgf("Server running on port %s", cfg.Server.Port)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

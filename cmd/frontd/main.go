package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fronting/core/internal/app"
	"fronting/core/internal/config"
	"fronting/core/internal/logger"
	"fronting/core/internal/realtime"
	"fronting/core/internal/remote"
	"fronting/core/internal/session"
	"fronting/core/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeCfg := store.DefaultConfig(cfg.DataDir)
	if cfg.InMemory {
		storeCfg = store.InMemoryConfig()
	}
	storeLog := logger.Component(log, "store")
	storeCfg.Logger = &storeLog
	local, err := store.OpenDB(storeCfg)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DataDir).Msg("open local store failed")
	}
	defer local.Close()

	managerCfg := app.ManagerConfig{
		Config: cfg,
		DB:     local,
		Checks: map[string]func(context.Context) error{},
		Logger: logger.Component(log, "app"),
	}
	closeRemote := connectRemote(ctx, cfg, log, &managerCfg)
	defer closeRemote()

	manager := app.NewManager(managerCfg)
	defer manager.Close()

	if cfg.AccountID != "" && cfg.SystemID != "" {
		if _, _, err := manager.SignIn(ctx, app.SignInRequest{
			AccountID:    cfg.AccountID,
			SystemID:     cfg.SystemID,
			SessionToken: cfg.SessionToken,
		}); err != nil {
			log.Warn().Err(err).Msg("sign in at boot failed")
		}
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(manager, cfg.CORSOrigin, logger.Component(log, "http")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("frontd listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("server failed")
		manager.Close()
		local.Close()
		os.Exit(1)
	}
}

// connectRemote wires Postgres and Redis into managerCfg. When either is
// unreachable the daemon runs offline.
func connectRemote(ctx context.Context, cfg config.Config, log zerolog.Logger, managerCfg *app.ManagerConfig) func() {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := remote.Open(connectCtx, cfg.DatabaseURL)
	if err != nil {
		log.Warn().Err(err).Msg("postgres unreachable; running offline")
		return func() {}
	}
	applied, err := remote.ApplyMigrations(connectCtx, db, cfg.MigrationsDir)
	if err != nil {
		log.Warn().Err(err).Msg("migrations failed; running offline")
		_ = db.Close()
		return func() {}
	}
	if len(applied) > 0 {
		log.Info().Strs("migrations", applied).Msg("applied migrations")
	}

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("redis unreachable; running offline")
		_ = db.Close()
		return func() {}
	}

	creds := remote.NewCredentials(sessions, cfg.CredentialSecret, cfg.AccessTTL, cfg.SessionTTL)
	backend := remote.NewPostgresBackend(db, creds, remote.NewRedisPublisher(sessions.Client()), logger.Component(log, "remote"))
	managerCfg.Backend = backend
	managerCfg.Sessions = creds
	managerCfg.Feed = realtime.NewRedisFeed(sessions.Client(), logger.Component(log, "realtime"))
	managerCfg.Checks["postgres"] = db.PingContext
	managerCfg.Checks["redis"] = sessions.Ping

	return func() {
		_ = sessions.Close()
		_ = db.Close()
	}
}

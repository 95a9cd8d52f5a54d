package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"lottery7/internal/api"
	"lottery7/internal/config"
	"lottery7/internal/db"
	"lottery7/internal/engine"
	"lottery7/internal/memstore"
	"lottery7/internal/mongostore"
	"lottery7/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Fatal("config", zap.Error(err))
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store open", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer closeStore()

	// seeds are credited on every boot, so only the memory driver takes them
	if len(cfg.SeedBalances) > 0 && cfg.StoreDriver != config.DriverMemory {
		logger.Warn("SEED_BALANCES ignored for persistent driver", zap.String("driver", cfg.StoreDriver))
		cfg.SeedBalances = nil
	}
	for user, amount := range cfg.SeedBalances {
		balance, err := store.Credit(ctx, user, amount)
		if err != nil {
			logger.Fatal("seed balance", zap.String("user_id", user), zap.Error(err))
		}
		logger.Info("seeded balance", zap.String("user_id", user), zap.Int64("balance", balance))
	}

	// WS Hub
	hub := ws.NewHub(logger.Named("ws"))

	// Engine
	eng := engine.New(store, hub.Publish, logger.Named("engine"), cfg.EngineConfig())
	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(ctx) }()

	// HTTP
	srv := api.NewServer(eng, hub, cfg.JWTSecret, logger.Named("api"))
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", zap.String("addr", httpSrv.Addr), zap.String("driver", cfg.StoreDriver))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	select {
	case err := <-engineDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("engine stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Warn("engine did not stop in time")
	}
}

func newLogger(cfg config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Production() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewExample()
	}
	return logger
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (engine.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMongo:
		s, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase, logger.Named("mongo"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.Close(closeCtx)
		}, nil
	case config.DriverMemory:
		logger.Warn("using in-memory store, state is lost on exit")
		return memstore.New(), func() {}, nil
	default:
		s, err := db.Open(cfg.DatabaseURL, logger.Named("db"))
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to database")
		if err := s.Migrate(cfg.MigrationsDir); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
}

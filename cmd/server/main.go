package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"featherdb/internal/api"
	"featherdb/internal/config"
	"featherdb/internal/engine"
	"featherdb/internal/events"
	"featherdb/internal/feather"
	"featherdb/internal/logger"
	"featherdb/internal/pg"
	"featherdb/internal/schema"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load("featherdb.json")

	log := logger.New(logger.Options{File: cfg.LogFile, Production: cfg.IsProduction(), Level: cfg.LogLevel})
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	if cfg.DBURL == "" {
		return errors.New("dbUrl is required (FEATHERDB_DB_URL or -db)")
	}

	// 1. Postgres и системные таблицы
	db, err := pg.Open(ctx, cfg.DBURL, cfg.MaxConns)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := schema.Bootstrap(ctx, db, log); err != nil {
		return err
	}

	// 2. Рассылка журнала изменений (опционально)
	var pub engine.Publisher
	if cfg.NatsURL != "" {
		p, err := events.NewPublisher(ctx, cfg.NatsURL, log)
		if err != nil {
			return err
		}
		defer p.Close()
		pub = p
	}

	eng := engine.New(db, log, engine.Options{
		Precision:     cfg.NumericPrecision,
		Scale:         cfg.NumericScale,
		BackfillBatch: cfg.BackfillBatch,
		NodeID:        cfg.NodeID,
		CatalogTTL:    cfg.CatalogTTL(),
		Publisher:     pub,
	})

	// 3. Файлы feathers
	if cfg.AutoMigrate {
		specs, err := feather.LoadDir(cfg.FeathersDir)
		if err != nil {
			return err
		}
		res, err := eng.Apply(ctx, specs)
		if err != nil {
			return err
		}
		log.Info("feathers applied",
			zap.String("dir", cfg.FeathersDir), zap.Int("files", len(specs)), zap.Strings("changed", res.Changed))
	}

	// 4. HTTP
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(eng, log, api.ActorOptions{JWTSecret: cfg.JWTSecret, DefaultUser: cfg.DefaultUser}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr), zap.String("node", cfg.NodeID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DoyleJ11/typerace-backend/internal/config"
	"github.com/DoyleJ11/typerace-backend/internal/httpapi"
	"github.com/DoyleJ11/typerace-backend/internal/hub"
	"github.com/DoyleJ11/typerace-backend/internal/passage"
	"github.com/DoyleJ11/typerace-backend/internal/results"
	"github.com/DoyleJ11/typerace-backend/internal/ws"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	os.Exit(exitCode(log, run(cfg, log)))
}

// exitCode reports how run ended and flushes the logger, since os.Exit skips
// deferred calls.
func exitCode(log *zap.Logger, err error) int {
	code := 0
	if err != nil {
		log.Error("server exited", zap.Error(err))
		code = 1
	}
	_ = log.Sync()
	return code
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(cfg config.Config, log *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	texts, closeTexts, err := setupPassages(ctx, g, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeTexts()) }()

	sink, closeSink, err := setupResults(cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeSink()) }()

	h := hub.NewHub(context.Background(), hub.Options{
		Rules:   cfg.Rules,
		Texts:   texts,
		Clock:   clockwork.NewRealClock(),
		Logger:  log,
		Results: sink,
	})

	wsCfg := ws.DefaultConfig()
	wsCfg.OriginPatterns = cfg.AllowedOrigins
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           httpapi.SetupRoutes(h, httpapi.Config{AllowedOrigins: cfg.AllowedOrigins, WS: wsCfg}, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		log.Info("listening",
			zap.String("addr", srv.Addr),
			zap.Duration("countdown", cfg.Rules.Countdown),
			zap.Duration("grace", cfg.Rules.Grace),
			zap.Duration("max_race", cfg.Rules.MaxRace))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Closing sessions first closes every outbox, which ends the websocket handlers.
		return multierr.Combine(h.Shutdown(sctx), srv.Shutdown(sctx))
	})

	return g.Wait()
}

// setupPassages picks the passage source: Postgres when configured, then a
// YAML file, then the built-in list.
func setupPassages(ctx context.Context, g *errgroup.Group, cfg config.Config, log *zap.Logger) (passage.Provider, func() error, error) {
	var fallback passage.Provider = passage.Default()
	if cfg.PassagesFile != "" {
		f, err := passage.LoadFile(cfg.PassagesFile)
		if err != nil {
			return nil, nil, err
		}
		log.Info("passages loaded", zap.String("file", cfg.PassagesFile), zap.Int("count", f.Len()))
		fallback = f
	}

	if cfg.DatabaseURL == "" {
		return fallback, func() error { return nil }, nil
	}

	src, err := passage.OpenPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := src.Migrate(mctx); err != nil {
		return nil, nil, multierr.Append(fmt.Errorf("migrate passages: %w", err), src.Close())
	}

	pool := passage.NewPool(src, fallback, 32, log)
	g.Go(func() error { return pool.Run(ctx) })
	log.Info("passages served from postgres")
	return pool, src.Close, nil
}

func setupResults(cfg config.Config, log *zap.Logger) (results.Sink, func() error, error) {
	if cfg.NATSURL == "" {
		return results.Nop{}, func() error { return nil }, nil
	}
	sink, err := results.NewNATSSink(cfg.NATSURL, cfg.NATSSubject, log)
	if err != nil {
		return nil, nil, err
	}
	log.Info("publishing race results", zap.String("subject", cfg.NATSSubject))
	return sink, sink.Close, nil
}

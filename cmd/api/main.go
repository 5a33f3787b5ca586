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

	"go.uber.org/zap"

	"ocsportal.org/internal/audit"
	"ocsportal.org/internal/auth"
	"ocsportal.org/internal/config"
	"ocsportal.org/internal/directory"
	"ocsportal.org/internal/httpapi"
	"ocsportal.org/internal/login"
	"ocsportal.org/internal/obs"
	"ocsportal.org/internal/session"
	"ocsportal.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ocs-portal-auth: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)

	// observability (metrics registration, build info)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	store, err := pg.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	codec, err := auth.NewTokenCodec(cfg.JWTSecret)
	if err != nil {
		return err
	}

	recorder := audit.NewRecorder(
		audit.Multi(store, audit.NewLogSink(logger)),
		audit.WithLogger(logger),
		audit.WithEnabled(cfg.EnableAuditLogging),
	)

	sessions, err := session.NewService(store, codec,
		session.WithLifetime(cfg.JWTExpiration),
		session.WithIdleTimeout(cfg.SessionTimeout),
		session.WithMaxSessions(cfg.MaxConcurrentSessions),
		session.WithAuditor(recorder),
		session.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	sweeper, err := session.NewSweeper(sessions, cfg.SweepSchedule, logger.Named("sweeper"))
	if err != nil {
		return err
	}

	dir, err := directory.New(directory.Config{
		TenantID:         cfg.Azure.TenantID,
		ClientID:         cfg.Azure.ClientID,
		ClientSecret:     cfg.Azure.ClientSecret,
		RedirectURL:      cfg.Azure.RedirectURI,
		GraphBaseURL:     cfg.GraphBaseURL,
		SpecialAttribute: cfg.SpecialAttribute,
		Timeout:          cfg.DirectoryTimeout,
	}, logger)
	if err != nil {
		return err
	}

	flow := login.NewFlow(dir, auth.NewResolver(store, logger), sessions, login.WithLogger(logger))

	api := httpapi.New(httpapi.Options{
		Sessions:       sessions,
		Login:          flow,
		Grants:         store,
		AuditLog:       store,
		Auditor:        recorder,
		Ready:          httpapi.ReadyProbe{DB: store.DB()},
		Logger:         logger,
		Version:        version,
		SecureCookies:  cfg.SecureCookies,
		SessionTTL:     cfg.JWTExpiration,
		RateLimiting:   cfg.EnableRateLimiting,
		TrustedProxies: cfg.TrustedProxies,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting ocs-portal-auth",
		zap.String("version", version),
		zap.String("addr", srv.Addr),
		zap.Stringer("config", cfg),
	)
	sweeper.Start()

	// graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case <-stop:
	case serveErr = <-errCh:
	}
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	sweeper.Stop(ctx)
	if err := recorder.Close(ctx); err != nil {
		logger.Warn("audit drain incomplete", zap.Error(err))
	}
	logger.Info("stopped")
	if serveErr != nil {
		return fmt.Errorf("listen: %w", serveErr)
	}
	return nil
}

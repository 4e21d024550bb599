package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aqasem/rollcall/core/bootstrap"
	coreconfig "github.com/aqasem/rollcall/core/config"
	"github.com/aqasem/rollcall/core/logger"
	"github.com/aqasem/rollcall/core/web"

	"log/slog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("rollcall-web: %v", err)
	}
}

func run() error {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	cfg, err := coreconfig.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := coreconfig.ValidateWeb(cfg); err != nil {
		return err
	}

	boot, err := bootstrap.Run(bootstrap.Options{Config: cfg})
	if err != nil {
		return err
	}
	defer func() {
		if boot.DB != nil {
			_ = boot.DB.Close()
		}
		if err := logger.Shutdown(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()

	opts := []web.ServerOption{
		web.WithBasicAuth(cfg.Web.AdminUser, cfg.Web.AdminPassword),
		web.WithArtifacts(boot.Artifacts),
		web.WithMiddlewares(web.LoggingMiddleware),
	}
	if boot.Archiver != nil {
		opts = append(opts, web.WithHistory(boot.Archiver))
	}

	srv := &http.Server{
		Addr:              cfg.Web.Listen,
		Handler:           web.NewServer(boot.Coordinator, opts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Web.Info("admin panel listening", slog.String("listen", cfg.Web.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logger.Web.Info("admin panel stopped", slog.String("event", "shutdown"))
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

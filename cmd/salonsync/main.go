package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"salonsync/internal/salonsync"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("SALONSYNC_CONFIG", "/salonsync.yaml"), "path to salonsync.yaml")
	flag.Parse()

	cfg, err := salonsync.LoadConfig(configPath)
	if err != nil {
		slog.Error("load config", "path", configPath, "err", err)
		os.Exit(1)
	}
	logger := salonsync.NewLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	svc, err := salonsync.NewService(cfg, salonsync.Options{Logger: logger})
	if err != nil {
		logger.Error("init service", "err", err)
		os.Exit(1)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("salonsync starting", "addr", addr, "origin", cfg.Server.Origin, "cache", cfg.Cache.Name)
	if err := serve(ctx, logger, svc.Handler(), addr); err != nil {
		logger.Error("serve", "addr", addr, "err", err)
		svc.Close()
		os.Exit(1)
	}
}

// serve listens on addr and runs h until ctx is done or the server fails.
// Only a failure is returned; a shutdown requested through ctx is not an error.
func serve(ctx context.Context, logger *slog.Logger, h http.Handler, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("salonsync listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "err", err)
	}
	return nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}

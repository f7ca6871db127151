package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"possync/backend/internal/bridge"
	"possync/backend/internal/httpapi"
	"possync/backend/internal/metrics"
	"possync/backend/internal/status"
)

// possync serve: run the bridge API and the background sync loop.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge API and the background sync engine (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := validateSecurityConfig(a.cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}
	if err := a.seed(ctx); err != nil {
		return fmt.Errorf("seed store: %w", err)
	}

	m := metrics.New()
	pub := status.New(a.bus(ctx), a.logger)
	syncer, engine := a.syncer(pub, m)
	dispatcher := bridge.NewDispatcher(a.svc, syncer, pub, a.logger)
	auth := httpapi.NewAuthManager(a.cfg.AuthSecret, a.cfg.AccessTokenTTL(), a.cfg.BridgeSecret)
	api := httpapi.New(httpapi.Deps{
		Bridge:        dispatcher,
		Status:        pub,
		Auth:          auth,
		Metrics:       m.Handler(),
		AllowedOrigin: a.cfg.AllowedOrigin,
		Logger:        a.logger,
	})

	server := &http.Server{
		Addr:              a.cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if engine != nil {
		if err := engine.Start(ctx); err != nil {
			return err
		}
		defer engine.Stop()
	} else {
		a.logger.Info("remote store: sync cycles run in the owning server", "bridge_url", a.cfg.BridgeURL)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("possync listening", "addr", a.cfg.Address(), "store", a.cfg.StoreMode, "device_id", a.cfg.DeviceID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	a.logger.Info("server stopped")
	return err
}

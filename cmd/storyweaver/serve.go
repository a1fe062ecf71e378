package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antoniostano/storyweaver/internal/config"
	"github.com/antoniostano/storyweaver/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and websocket API",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)

		runCtx, runCancel := context.WithCancel(context.Background())
		defer runCancel()

		a, err := newApp(runCtx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		logger.Info("storyweaver starting",
			"storage_backend", a.backend,
			"generation_mode", a.clientID,
			"model", cfg.GenerationModel,
			"token_estimator", cfg.TokenEstimator,
		)

		if err := a.janitor.Start(runCtx); err != nil {
			return err
		}
		defer a.janitor.Stop()

		api := httpapi.New(cfg, httpapi.Deps{
			Chat:           a.chat,
			Store:          a.store,
			Metrics:        a.metrics,
			Logger:         logger.With("component", "httpapi"),
			GenerationMode: a.clientID,
			StorageBackend: a.backend,
		})
		httpServer := &http.Server{
			Addr:    cfg.BindAddr,
			Handler: api.Router(),
		}

		listenErr := make(chan error, 1)
		go func() {
			logger.Info("server listening", "addr", cfg.BindAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				listenErr <- err
			}
			close(listenErr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
			logger.Info("shutdown signal received")
		case err, ok := <-listenErr:
			if ok {
				logger.Error("listen error", "err", err)
				return err
			}
		}

		runCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", "err", err)
			_ = httpServer.Close()
		}

		logger.Info("shutdown complete")
		return nil
	},
}

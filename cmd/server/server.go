package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const readHeaderTimeout = 10 * time.Second

// Run starts the background components and serves HTTP until ctx is
// cancelled, then shuts everything down gracefully.
func (app *application) Run(ctx context.Context) error {
	if err := app.start(); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.setupRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		app.logger.Info("shutdown signal received")
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout())
	defer cancel()

	app.logger.Info("shutting down server", "timeout", app.config.Server.ShutdownTimeout())
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("server shutdown failed", "error", err)
	}

	// Hijacked websocket connections are not tracked by Shutdown. They end
	// when stop closes the notification channel.
	app.stop()

	app.logger.Info("server stopped gracefully")
	return runErr
}

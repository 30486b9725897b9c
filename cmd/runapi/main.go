package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/flowengine/internal/bootstrap"
	"github.com/lyzr/flowengine/internal/runapi"
)

// Run API HTTP server: exposes workflow run creation, status, cancel,
// the event log, webhook resume, and publish, grounded on
// cmd/orchestrator/main.go's Echo bootstrap/middleware/route pattern.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "runapi")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap runapi: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())

	handler := runapi.NewHandler(components.RunAPI, components.Logger)
	handler.Register(e)

	errChan := make(chan error, 1)
	go func() {
		port := components.Config.Service.Port
		components.Logger.Info("starting runapi", "port", port)
		if err := e.Start(fmt.Sprintf(":%d", port)); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("runapi failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		components.Logger.Error("echo shutdown error", "error", err)
	}
}

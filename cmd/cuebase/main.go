package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuebase/cuebase/internal/config"
	"github.com/cuebase/cuebase/internal/database"
	"github.com/cuebase/cuebase/internal/logger"
	"github.com/cuebase/cuebase/internal/modules/modulemanager"
	"github.com/cuebase/cuebase/internal/server"

	// Modules register themselves with the module manager on import.
	_ "github.com/cuebase/cuebase/internal/modules/jobmodule"
	_ "github.com/cuebase/cuebase/internal/modules/librarymodule"
	_ "github.com/cuebase/cuebase/internal/modules/pipelinemodule"
	_ "github.com/cuebase/cuebase/internal/modules/scannermodule"
)

func main() {
	fmt.Println("cuebase - audio library scanner and analysis server")

	configPath := os.Getenv("CUEBASE_CONFIG_PATH")
	if configPath == "" {
		if _, err := os.Stat("./cuebase.yaml"); err == nil {
			configPath = "./cuebase.yaml"
		}
	}

	if err := config.Load(configPath); err != nil {
		logger.Warn("Failed to load config, using defaults: %v", err)
	}
	cfg := config.Get()

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetJSONFormat(cfg.Logging.Format == "json")

	if err := database.Initialize(&cfg.Database); err != nil {
		logger.Error("Failed to initialize database: %v", err)
		os.Exit(1)
	}

	r := server.SetupRouter()

	srv := &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:        r,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	ctx, cancel := context.WithCancel(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		logger.Info("Received signal %s, shutting down", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown failed: %v", err)
		}

		modulemanager.StopAll()

		if err := server.ShutdownEventBus(); err != nil {
			logger.Error("Event bus shutdown failed: %v", err)
		}

		if err := database.Close(); err != nil {
			logger.Error("Database close failed: %v", err)
		}

		cancel()
	}()

	logger.Info("Listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server failed: %v", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Shutdown complete")
}

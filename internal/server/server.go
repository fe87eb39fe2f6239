package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cuebase/cuebase/internal/config"
	"github.com/cuebase/cuebase/internal/database"
	"github.com/cuebase/cuebase/internal/events"
	"github.com/cuebase/cuebase/internal/logger"
	"github.com/cuebase/cuebase/internal/middleware"
	"github.com/cuebase/cuebase/internal/modules/modulemanager"
	"github.com/gin-gonic/gin"
)

// Global instances shared by the HTTP layer.
var (
	systemEventBus    events.EventBus
	moduleInitialized bool
)

// SetupRouter configures and returns the main HTTP router. The event bus
// and module system are brought up here so that a failed subsystem leaves
// the server serving its health endpoint instead of crashing.
func SetupRouter() *gin.Engine {
	if config.Get().Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.ErrorLogger())

	if config.Get().Server.EnableCORS {
		r.Use(corsMiddleware())
	}

	if err := initializeEventBus(); err != nil {
		logger.Error("Failed to initialize event bus: %v", err)
	}

	if err := initializeModules(); err != nil {
		logger.Error("Failed to initialize modules: %v", err)
	}

	registerRoutes(r)

	return r
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func initializeEventBus() error {
	if systemEventBus != nil {
		return nil
	}

	cfg := config.Get().Events
	systemEventBus = events.NewEventBus(events.BusConfig{
		BufferSize:  cfg.BufferSize,
		RecentLimit: cfg.RecentLimit,
	})

	if err := systemEventBus.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}

	events.SetGlobalEventBus(systemEventBus)
	logger.Info("Event bus started: buffer=%d recent=%d", cfg.BufferSize, cfg.RecentLimit)
	return nil
}

func initializeModules() error {
	if moduleInitialized {
		return nil
	}

	db := database.GetDB()
	if db == nil {
		return fmt.Errorf("database is not initialized")
	}

	if err := modulemanager.LoadAll(db); err != nil {
		return fmt.Errorf("failed to load modules: %w", err)
	}

	moduleInitialized = true
	logModuleStatus()

	started := events.NewSystemEvent(events.EventSystemStarted, "System started", "cuebase modules initialized")
	if err := systemEventBus.PublishAsync(started); err != nil {
		logger.Debug("Failed to publish system started event: %v", err)
	}
	return nil
}

func logModuleStatus() {
	modules := modulemanager.ListModules()
	logger.Info("Module system ready: %d modules loaded", len(modules))
	for _, module := range modules {
		logger.Info("  %-16s %s", module.ID(), module.Name())
	}
}

// ShutdownEventBus stops the event bus, draining in-flight events. Called
// during server shutdown after the modules have been stopped.
func ShutdownEventBus() error {
	if systemEventBus == nil {
		return nil
	}

	stopped := events.NewSystemEvent(events.EventSystemStopped, "System stopping", "cuebase is shutting down")
	if err := systemEventBus.PublishAsync(stopped); err != nil {
		logger.Debug("Failed to publish system stopped event: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return systemEventBus.Stop(ctx)
}

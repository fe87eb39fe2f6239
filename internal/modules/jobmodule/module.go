package jobmodule

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/cuebase/cuebase/internal/config"
	"github.com/cuebase/cuebase/internal/database"
	"github.com/cuebase/cuebase/internal/events"
	"github.com/cuebase/cuebase/internal/logger"
	"github.com/cuebase/cuebase/internal/modules/modulemanager"
)

// Auto-register the module when imported
func init() {
	Register()
}

const (
	// ModuleID is the unique identifier for the job module
	ModuleID = "system.jobs"

	// ModuleName is the display name for the job module
	ModuleName = "Job System"
)

// Module owns the job table, the store, and the dispatcher. The
// dispatcher is constructed here but started by whoever registers the
// handlers, so no job runs before its handler exists.
type Module struct {
	db         *gorm.DB
	eventBus   events.EventBus
	store      *JobStore
	dispatcher *Dispatcher
}

var moduleInstance *Module

// Register registers the job module with the module system
func Register() {
	moduleInstance = &Module{}
	modulemanager.Register(moduleInstance)
}

// GetStore returns the job store of the loaded module. It is nil
// until Init has run.
func GetStore() *JobStore {
	if moduleInstance == nil {
		return nil
	}
	return moduleInstance.store
}

// GetDispatcher returns the dispatcher of the loaded module. It is
// nil until Init has run.
func GetDispatcher() *Dispatcher {
	if moduleInstance == nil {
		return nil
	}
	return moduleInstance.dispatcher
}

// ID returns the unique module identifier
func (m *Module) ID() string {
	return ModuleID
}

// Name returns the module display name
func (m *Module) Name() string {
	return ModuleName
}

// Core returns whether this is a core module
func (m *Module) Core() bool {
	return true
}

// Migrate performs database migrations
func (m *Module) Migrate(db *gorm.DB) error {
	logger.Info("Migrating job database schema")

	if err := db.AutoMigrate(&database.Job{}); err != nil {
		return fmt.Errorf("failed to migrate job model: %w", err)
	}

	// Single-flight dedup: at most one active job per dedup key.
	// Expressed as raw SQL because gorm index tags cannot carry the
	// partial WHERE clause.
	err := db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_dedup
		 ON jobs(dedup_key) WHERE status IN ('queued','running')`,
	).Error
	if err != nil {
		return fmt.Errorf("failed to create dedup index: %w", err)
	}
	return nil
}

// Init initializes the job module
func (m *Module) Init() error {
	logger.Info("Initializing job module")

	if m.db == nil {
		m.db = database.GetDB()
	}
	if m.eventBus == nil {
		m.eventBus = events.GetGlobalEventBus()
	}

	m.store = NewJobStore(m.db, m.eventBus)
	m.dispatcher = NewDispatcher(m.store, m.eventBus, config.Get().Jobs)

	return nil
}

// Stop shuts down the dispatcher and closes the store.
func (m *Module) Stop() error {
	if m.dispatcher != nil {
		m.dispatcher.Stop()
	}
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

// RegisterRoutes registers HTTP routes
func (m *Module) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/jobs")
	{
		api.GET("", m.listJobs)
		api.GET("/stats", m.getStats)
		api.GET("/:id", m.getJob)
		api.POST("/:id/requeue", m.requeueJob)
		api.POST("/cleanup", m.cleanupJobs)
	}
}

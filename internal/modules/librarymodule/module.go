package librarymodule

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

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
	// ModuleID is the unique identifier for the library module
	ModuleID = "system.library"

	// ModuleName is the display name for the library module
	ModuleName = "Library Manager"
)

// Module owns the track table and exposes the library read API.
type Module struct {
	db       *gorm.DB
	eventBus events.EventBus
	store    *TrackStore
}

var moduleInstance *Module

// Register registers the library module with the module system
func Register() {
	moduleInstance = &Module{}
	modulemanager.Register(moduleInstance)
}

// GetStore returns the track store of the loaded library module. It is
// nil until Init has run.
func GetStore() *TrackStore {
	if moduleInstance == nil {
		return nil
	}
	return moduleInstance.store
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
	logger.Info("Migrating library database schema")

	if err := db.AutoMigrate(&database.Track{}); err != nil {
		return fmt.Errorf("failed to migrate track model: %w", err)
	}
	return nil
}

// Init initializes the library module
func (m *Module) Init() error {
	logger.Info("Initializing library module")

	if m.db == nil {
		m.db = database.GetDB()
	}
	if m.eventBus == nil {
		m.eventBus = events.GetGlobalEventBus()
	}
	m.store = NewTrackStore(m.db)
	m.store.RefreshGauges()

	return nil
}

// RegisterRoutes registers HTTP routes
func (m *Module) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/library")
	{
		api.GET("/tracks", m.listTracks)
		api.GET("/tracks/:id", m.getTrack)
		api.GET("/stats", m.getStats)
	}
}

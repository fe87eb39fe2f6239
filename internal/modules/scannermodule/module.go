package scannermodule

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/cuebase/cuebase/internal/config"
	"github.com/cuebase/cuebase/internal/events"
	"github.com/cuebase/cuebase/internal/logger"
	"github.com/cuebase/cuebase/internal/modules/modulemanager"
	"github.com/cuebase/cuebase/internal/modules/scannermodule/scanner"
)

// Auto-register the module when imported
func init() {
	Register()
}

const (
	// ModuleID is the unique identifier for the scanner module
	ModuleID = "system.scanner"

	// ModuleName is the display name for the scanner module
	ModuleName = "Scanner"
)

// Module owns the shared scan infrastructure: the load monitor, the
// library watcher, and the scanner behind the count/status API.
type Module struct {
	eventBus events.EventBus
	scanner  *scanner.PathScanner
	monitor  *scanner.SystemLoadMonitor
	watcher  *scanner.LibraryWatcher
}

var moduleInstance *Module

// Register registers the scanner module with the module system
func Register() {
	moduleInstance = &Module{}
	modulemanager.Register(moduleInstance)
}

// NewConfiguredScanner builds a PathScanner from the loaded
// configuration. Progress callbacks are per-instance, so each scan job
// gets its own scanner; the module's load monitor is shared.
func NewConfiguredScanner() *scanner.PathScanner {
	s := scanner.NewPathScanner(scannerConfig(config.Get().Scanner))
	if moduleInstance != nil && moduleInstance.monitor != nil {
		s.SetLoadMonitor(moduleInstance.monitor)
	}
	return s
}

// GetWatcher returns the library watcher, or nil when watching is
// disabled or the module has not been initialized.
func GetWatcher() *scanner.LibraryWatcher {
	if moduleInstance == nil {
		return nil
	}
	return moduleInstance.watcher
}

func scannerConfig(cfg config.ScannerConfig) scanner.Config {
	sc := scanner.DefaultConfig()
	if cfg.WorkerCount > 0 {
		sc.WorkerCount = cfg.WorkerCount
	}
	sc.SmartHash = cfg.SmartHashEnabled
	if len(cfg.IgnorePatterns) > 0 {
		sc.IgnorePatterns = cfg.IgnorePatterns
	}
	return sc
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

// Migrate performs database migrations. The scanner owns no tables.
func (m *Module) Migrate(db *gorm.DB) error {
	return nil
}

// Init initializes the scanner module
func (m *Module) Init() error {
	logger.Info("Initializing scanner module")

	if m.eventBus == nil {
		m.eventBus = events.GetGlobalEventBus()
	}

	cfg := config.Get().Scanner

	if cfg.ThrottleEnabled {
		m.monitor = scanner.NewSystemLoadMonitor(cfg.CPUThreshold, cfg.MemoryThreshold)
		m.monitor.Start()
	}

	m.scanner = NewConfiguredScanner()

	if cfg.WatchEnabled {
		watcher, err := scanner.NewLibraryWatcher(m.eventBus, cfg.WatchDebounce)
		if err != nil {
			return fmt.Errorf("failed to create library watcher: %w", err)
		}
		m.watcher = watcher
		if err := m.watcher.Start(); err != nil {
			return fmt.Errorf("failed to start library watcher: %w", err)
		}
	}

	return nil
}

// Stop shuts down the watcher and the load monitor.
func (m *Module) Stop() error {
	if m.watcher != nil {
		if err := m.watcher.Stop(); err != nil {
			logger.Error("Failed to stop library watcher: %v", err)
		}
		m.watcher = nil
	}
	if m.monitor != nil {
		m.monitor.Stop()
		m.monitor = nil
	}
	return nil
}

// RegisterRoutes registers HTTP routes
func (m *Module) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/scanner")
	{
		api.POST("/count", m.countFiles)
		api.GET("/formats", m.getFormats)
		api.GET("/status", m.getStatus)
	}
}

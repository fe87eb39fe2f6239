package pipelinemodule

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/cuebase/cuebase/internal/config"
	"github.com/cuebase/cuebase/internal/database"
	"github.com/cuebase/cuebase/internal/events"
	"github.com/cuebase/cuebase/internal/logger"
	"github.com/cuebase/cuebase/internal/metadata"
	"github.com/cuebase/cuebase/internal/modules/jobmodule"
	"github.com/cuebase/cuebase/internal/modules/librarymodule"
	"github.com/cuebase/cuebase/internal/modules/modulemanager"
)

// Auto-register the module when imported
func init() {
	Register()
}

const (
	// ModuleID is the unique identifier for the pipeline module
	ModuleID = "system.pipeline"

	// ModuleName is the display name for the pipeline module
	ModuleName = "Analysis Pipeline"
)

// Module wires the scan and analysis pipelines onto the job system and
// drives the dispatcher.
type Module struct {
	eventBus    events.EventBus
	registry    *Registry
	coordinator *Coordinator

	fileChanges *events.Subscription
}

var moduleInstance *Module

// Register registers the pipeline module with the module system
func Register() {
	moduleInstance = &Module{}
	modulemanager.Register(moduleInstance)
}

// GetCoordinator returns the coordinator of the loaded pipeline
// module. It is nil until Init has run.
func GetCoordinator() *Coordinator {
	if moduleInstance == nil {
		return nil
	}
	return moduleInstance.coordinator
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
	// The pipeline owns no tables; jobs and tracks are migrated by
	// their modules.
	return nil
}

// Init initializes the pipeline module. It depends on the job and
// library modules, which load first.
func (m *Module) Init() error {
	logger.Info("Initializing pipeline module")

	jobs := jobmodule.GetStore()
	dispatcher := jobmodule.GetDispatcher()
	tracks := librarymodule.GetStore()
	if jobs == nil || dispatcher == nil || tracks == nil {
		return fmt.Errorf("pipeline module requires the job and library modules")
	}

	if m.eventBus == nil {
		m.eventBus = events.GetGlobalEventBus()
	}

	cfg := config.Get()
	m.registry = LoadRegistry(cfg.Analysis.ManifestDir)

	runner := NewWorkerRunner(cfg.Analysis.WorkerTimeout)
	extractor := metadata.NewExtractor(cfg.Metadata.MaxConcurrent)
	m.coordinator = NewCoordinator(tracks, jobs, m.eventBus, m.registry, runner, extractor, cfg.Metadata.BatchSize)

	dispatcher.RegisterHandler(database.JobKindScan, m.coordinator.HandleScan)
	for _, kind := range []database.JobKind{
		database.JobKindAnalyzeBPM,
		database.JobKindAnalyzeKey,
		database.JobKindAnalyzeEnergy,
		database.JobKindAnalyzeAll,
	} {
		dispatcher.RegisterHandler(kind, m.coordinator.HandleAnalysis)
	}

	if m.eventBus != nil {
		sub, err := m.eventBus.Subscribe(context.Background(), events.EventFilter{
			Types: []events.EventType{events.EventFileChanged},
		}, m.onFileChanged)
		if err != nil {
			logger.Warn("Failed to subscribe to file changes: %v", err)
		} else {
			m.fileChanges = sub
		}
	}

	if err := dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start job dispatcher: %w", err)
	}

	logger.Info("Pipeline module initialized analyzers=%d", len(m.registry.List()))
	return nil
}

// Stop detaches the pipeline from the event bus. The dispatcher is
// stopped by the job module that owns it.
func (m *Module) Stop() error {
	if m.fileChanges != nil && m.eventBus != nil {
		if err := m.eventBus.Unsubscribe(m.fileChanges.ID); err != nil {
			logger.Debug("Failed to unsubscribe from file changes: %v", err)
		}
		m.fileChanges = nil
	}
	return nil
}

// onFileChanged queues a rescan of the directory containing a file the
// watcher reported.
func (m *Module) onFileChanged(event events.Event) error {
	path, _ := event.Data["path"].(string)
	if path == "" || m.coordinator == nil {
		return nil
	}
	m.coordinator.RescanChangedPath(path)
	return nil
}

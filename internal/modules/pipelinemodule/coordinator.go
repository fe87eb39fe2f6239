package pipelinemodule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuebase/cuebase/internal/database"
	"github.com/cuebase/cuebase/internal/events"
	"github.com/cuebase/cuebase/internal/logger"
	"github.com/cuebase/cuebase/internal/metadata"
	"github.com/cuebase/cuebase/internal/metrics"
	"github.com/cuebase/cuebase/internal/modules/jobmodule"
	"github.com/cuebase/cuebase/internal/modules/librarymodule"
	"github.com/cuebase/cuebase/internal/modules/scannermodule"
	"github.com/cuebase/cuebase/internal/modules/scannermodule/scanner"
)

// ErrUnknownAnalyzer is returned when an analysis request names an
// analyzer the registry does not know.
var ErrUnknownAnalyzer = errors.New("unknown analyzer")

// analyzerKinds maps analyzer names to their dedicated job kinds.
var analyzerKinds = map[string]database.JobKind{
	AnalyzerBPM:    database.JobKindAnalyzeBPM,
	AnalyzerKey:    database.JobKindAnalyzeKey,
	AnalyzerEnergy: database.JobKindAnalyzeEnergy,
}

// Coordinator connects the scanner, metadata extractor, track store,
// and analyzer workers into the scan and analysis pipelines. It owns
// the job handlers for every job kind.
type Coordinator struct {
	tracks    *librarymodule.TrackStore
	jobs      *jobmodule.JobStore
	eventBus  events.EventBus
	registry  *Registry
	runner    *WorkerRunner
	extractor *metadata.Extractor

	// batchSize bounds how many files are extracted and upserted per
	// round during a scan.
	batchSize int

	newScanner func() *scanner.PathScanner
}

// NewCoordinator wires the pipeline together.
func NewCoordinator(tracks *librarymodule.TrackStore, jobs *jobmodule.JobStore, eventBus events.EventBus, registry *Registry, runner *WorkerRunner, extractor *metadata.Extractor, batchSize int) *Coordinator {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Coordinator{
		tracks:     tracks,
		jobs:       jobs,
		eventBus:   eventBus,
		registry:   registry,
		runner:     runner,
		extractor:  extractor,
		batchSize:  batchSize,
		newScanner: scannermodule.NewConfiguredScanner,
	}
}

// ScanSummary is the scan job result persisted on completion and
// mirrored by the scan:completed event.
type ScanSummary struct {
	TotalFiles     int                `json:"total_files"`
	TracksAdded    int                `json:"tracks_added"`
	TracksUpdated  int                `json:"tracks_updated"`
	TotalSizeBytes int64              `json:"total_size_bytes"`
	Errors         []events.ScanIssue `json:"errors,omitempty"`
	DurationMs     int64              `json:"duration_ms"`
}

// ScanLibrary queues a scan of the given roots. The scan itself runs
// on the job dispatcher; progress is published as scan events and the
// final summary is stored as the job result. Queuing a scan for a root
// set that is already queued or running fails with
// jobmodule.ErrDuplicateJob.
func (c *Coordinator) ScanLibrary(paths []string) (*database.Job, error) {
	job, err := jobmodule.NewScanJob(paths, true, true)
	if err != nil {
		return nil, err
	}
	if err := c.jobs.Create(job); err != nil {
		return nil, err
	}
	logger.Info("Queued library scan job=%s paths=%d", job.ID, len(paths))
	return job, nil
}

// Analyze queues one analysis job for a track. The analyzer may be
// bpm, key, energy, or all; the track must exist.
func (c *Coordinator) Analyze(trackID, analyzer string) (*database.Job, error) {
	kind, err := kindForAnalyzer(analyzer)
	if err != nil {
		return nil, err
	}
	if _, err := c.tracks.GetByID(trackID); err != nil {
		return nil, err
	}

	job, err := jobmodule.NewAnalyzeJob(kind, trackID, true)
	if err != nil {
		return nil, err
	}
	if err := c.jobs.Create(job); err != nil {
		return nil, err
	}
	return job, nil
}

// AnalyzeAll queues per-analyzer jobs for every missing analysis
// field. With a track ID it covers that track; with an empty ID it
// covers every track in the library that still needs analysis. Jobs
// already queued or running for the same track and analyzer are
// skipped silently; other submission failures are logged and counted
// without aborting the batch.
func (c *Coordinator) AnalyzeAll(trackID string) ([]*database.Job, error) {
	var tracks []database.Track
	if trackID != "" {
		track, err := c.tracks.GetByID(trackID)
		if err != nil {
			return nil, err
		}
		tracks = []database.Track{*track}
	} else {
		var err error
		tracks, err = c.tracks.TracksNeedingAnalysis(0)
		if err != nil {
			return nil, err
		}
	}

	var queued []*database.Job
	failures := 0
	for i := range tracks {
		track := &tracks[i]
		for _, analyzer := range missingAnalyzers(track) {
			job, err := jobmodule.NewAnalyzeJob(analyzerKinds[analyzer], track.ID, true)
			if err != nil {
				failures++
				logger.Warn("Failed to build analysis job track=%s analyzer=%s error=%v", track.ID, analyzer, err)
				continue
			}
			if err := c.jobs.Create(job); err != nil {
				if errors.Is(err, jobmodule.ErrDuplicateJob) {
					logger.Debug("Skipping duplicate analysis job track=%s analyzer=%s", track.ID, analyzer)
					continue
				}
				failures++
				logger.Warn("Failed to queue analysis job track=%s analyzer=%s error=%v", track.ID, analyzer, err)
				continue
			}
			queued = append(queued, job)
		}
	}

	if failures > 0 {
		logger.Warn("Queued %d analysis jobs with %d failures", len(queued), failures)
	}
	return queued, nil
}

// RescanChangedPath queues an ephemeral rescan of the directory
// containing a changed file. Bursts of changes under the same
// directory collapse into a single job through dedup.
func (c *Coordinator) RescanChangedPath(path string) {
	root := filepath.Dir(path)

	job, err := jobmodule.NewScanJob([]string{root}, true, false)
	if err != nil {
		logger.Warn("Failed to build rescan job path=%s error=%v", path, err)
		return
	}
	if err := c.jobs.Create(job); err != nil {
		if errors.Is(err, jobmodule.ErrDuplicateJob) {
			logger.Debug("Rescan already pending root=%s", root)
			return
		}
		logger.Warn("Failed to queue rescan root=%s error=%v", root, err)
		return
	}
	logger.Info("Queued rescan of changed directory root=%s job=%s", root, job.ID)
}

// HandleScan runs a queued scan job: walk the roots, extract metadata
// in bounded batches, and upsert the results into the track store.
// Newly scanned roots are added to the library watcher.
func (c *Coordinator) HandleScan(ctx context.Context, job *database.Job) (string, error) {
	payload, err := jobmodule.DecodeScanPayload(job)
	if err != nil {
		return "", err
	}

	start := time.Now()
	scan := c.newScanner()

	total, err := scan.QuickCount(ctx, payload.Paths, nil)
	if err != nil {
		return "", err
	}

	c.publish(events.EventScanStarted, "Scan started",
		fmt.Sprintf("Scanning %d paths", len(payload.Paths)),
		events.ScanStartedData{JobID: job.ID, Paths: payload.Paths}.Map())

	scan.SetProgressCallback(func(p scanner.ProgressUpdate) {
		c.publish(events.EventScanProgress, "Scan progress", p.Path,
			events.ScanProgressData{JobID: job.ID, Current: p.Current, Total: total, CurrentFile: p.Path}.Map())
	})

	result, err := scan.Scan(ctx, payload.Paths, scanner.ScanOptions{IncludeHash: payload.IncludeHash})
	if err != nil {
		c.publish(events.EventScanFailed, "Scan failed", err.Error(),
			events.JobData{JobID: job.ID, Kind: string(job.Kind), Status: string(database.JobStatusFailed), Error: err.Error()}.Map())
		return "", err
	}

	summary := &ScanSummary{
		TotalFiles:     result.TotalFiles,
		TotalSizeBytes: result.TotalSizeBytes,
	}
	for _, scanErr := range result.Errors {
		summary.Errors = append(summary.Errors, events.ScanIssue{Path: scanErr.Path, Message: scanErr.Message})
	}

	for offset := 0; offset < len(result.Files); offset += c.batchSize {
		end := offset + c.batchSize
		if end > len(result.Files) {
			end = len(result.Files)
		}
		batch := result.Files[offset:end]

		paths := make([]string, len(batch))
		for i, file := range batch {
			paths[i] = file.Path
		}
		extracted := c.extractor.ReadBatch(ctx, paths, metadata.BatchOptions{})

		rows := make([]*database.Track, len(batch))
		for i, file := range batch {
			rows[i] = trackFromScan(file, extracted[i], summary)
		}

		added, updated, err := c.tracks.UpsertBatch(rows)
		if err != nil {
			return "", fmt.Errorf("failed to store scanned tracks: %w", err)
		}
		summary.TracksAdded += added
		summary.TracksUpdated += updated
	}

	if watcher := scannermodule.GetWatcher(); watcher != nil {
		for _, root := range payload.Paths {
			if err := watcher.Watch(root); err != nil {
				logger.Warn("Failed to watch scanned root=%s error=%v", root, err)
			}
		}
	}

	summary.DurationMs = time.Since(start).Milliseconds()

	c.publish(events.EventScanCompleted, "Scan completed",
		fmt.Sprintf("Added %d and updated %d tracks", summary.TracksAdded, summary.TracksUpdated),
		events.ScanCompletedData{
			JobID:         job.ID,
			TracksAdded:   summary.TracksAdded,
			TracksUpdated: summary.TracksUpdated,
			Errors:        summary.Errors,
			DurationMs:    summary.DurationMs,
		}.Map())

	encoded, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("failed to encode scan summary: %w", err)
	}
	return string(encoded), nil
}

// HandleAnalysis runs a queued analysis job. The analyze-all kind runs
// every analyzer whose field is still missing; the dedicated kinds run
// their analyzer unconditionally so re-analysis stays possible. A
// failing analyzer does not stop the remaining ones, but any failure
// fails the job after the others have run.
func (c *Coordinator) HandleAnalysis(ctx context.Context, job *database.Job) (string, error) {
	payload, err := jobmodule.DecodeAnalyzePayload(job)
	if err != nil {
		return "", err
	}
	track, err := c.tracks.GetByID(payload.TrackID)
	if err != nil {
		return "", err
	}

	var names []string
	if job.Kind == database.JobKindAnalyzeAll {
		names = missingAnalyzers(track)
		if len(names) == 0 {
			return `{"status":"already analyzed"}`, nil
		}
	} else {
		names = []string{jobmodule.AnalyzerName(job.Kind)}
	}

	applied := make(map[string]interface{})
	var failed []string
	for _, name := range names {
		if err := c.runAnalyzer(ctx, job, track, name, applied); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", name, err))
			logger.Warn("Analyzer failed track=%s analyzer=%s error=%v", track.ID, name, err)
		}
	}

	if len(failed) > 0 {
		return "", errors.New(strings.Join(failed, "; "))
	}

	encoded, err := json.Marshal(applied)
	if err != nil {
		return "", fmt.Errorf("failed to encode analysis result: %w", err)
	}
	return string(encoded), nil
}

// runAnalyzer executes one analyzer against a track and saves the
// produced field. Successful values are persisted immediately, so an
// analyze-all job that partially fails still keeps what it computed.
func (c *Coordinator) runAnalyzer(ctx context.Context, job *database.Job, track *database.Track, name string, applied map[string]interface{}) error {
	analyzer := c.registry.Get(name)
	if analyzer == nil {
		metrics.AnalysisRunsTotal.WithLabelValues(name, "failed").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownAnalyzer, name)
	}

	c.publish(events.EventAnalysisStarted, "Analysis started",
		fmt.Sprintf("Running %s analyzer on %s", name, track.Name),
		events.AnalysisData{Analyzer: name, TrackID: track.ID}.Map())

	result, err := c.runner.Run(ctx, analyzer, track.Path, job.ID, func(percent int) {
		c.publish(events.EventAnalysisProgress, "Analysis progress",
			fmt.Sprintf("%s at %d%%", name, percent),
			events.AnalysisData{Analyzer: name, TrackID: track.ID, Progress: percent}.Map())
	})
	if err == nil {
		var update librarymodule.AnalysisUpdate
		update, err = analysisUpdate(name, result)
		if err == nil {
			err = c.tracks.SaveAnalysis(track.ID, update)
		}
	}
	if err != nil {
		metrics.AnalysisRunsTotal.WithLabelValues(name, "failed").Inc()
		c.publish(events.EventAnalysisFailed, "Analysis failed",
			fmt.Sprintf("%s analyzer failed on %s", name, track.Name),
			events.AnalysisData{Analyzer: name, TrackID: track.ID}.Map())
		return err
	}

	applied[name] = appliedValue(name, result)

	metrics.AnalysisRunsTotal.WithLabelValues(name, "completed").Inc()
	c.publish(events.EventAnalysisCompleted, "Analysis completed",
		fmt.Sprintf("%s analyzer finished on %s", name, track.Name),
		events.AnalysisData{Analyzer: name, TrackID: track.ID}.Map())
	return nil
}

// analysisUpdate converts a worker result into the track fields the
// analyzer owns. A result missing its primary value is a failure.
func analysisUpdate(name string, result *AnalysisResult) (librarymodule.AnalysisUpdate, error) {
	var update librarymodule.AnalysisUpdate
	switch name {
	case AnalyzerBPM:
		if result.BPM == nil {
			return update, fmt.Errorf("%w: bpm worker returned no tempo", ErrAnalyzerFailure)
		}
		update.BPM = result.BPM
	case AnalyzerKey:
		if result.Key == nil {
			return update, fmt.Errorf("%w: key worker returned no key", ErrAnalyzerFailure)
		}
		update.MusicalKey = result.Key
		update.CamelotKey = result.Camelot
	case AnalyzerEnergy:
		if result.Energy == nil {
			return update, fmt.Errorf("%w: energy worker returned no energy", ErrAnalyzerFailure)
		}
		update.Energy = result.Energy
	default:
		return update, fmt.Errorf("%w: %s", ErrUnknownAnalyzer, name)
	}
	if result.Duration != nil {
		update.DurationSeconds = result.Duration
	}
	return update, nil
}

// appliedValue summarizes what an analyzer wrote, for the job result.
func appliedValue(name string, result *AnalysisResult) interface{} {
	switch name {
	case AnalyzerBPM:
		return *result.BPM
	case AnalyzerKey:
		value := map[string]interface{}{"key": *result.Key}
		if result.Camelot != nil {
			value["camelot"] = *result.Camelot
		}
		return value
	case AnalyzerEnergy:
		return *result.Energy
	default:
		return nil
	}
}

// kindForAnalyzer maps an analyzer name to its job kind. "all" selects
// the combined job that runs every missing analyzer.
func kindForAnalyzer(analyzer string) (database.JobKind, error) {
	if analyzer == AnalyzerAll {
		return database.JobKindAnalyzeAll, nil
	}
	if kind, ok := analyzerKinds[analyzer]; ok {
		return kind, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownAnalyzer, analyzer)
}

// missingAnalyzers lists the analyzers whose track fields are still
// unset, in the order they run.
func missingAnalyzers(track *database.Track) []string {
	var missing []string
	if track.BPM == nil {
		missing = append(missing, AnalyzerBPM)
	}
	if track.MusicalKey == nil {
		missing = append(missing, AnalyzerKey)
	}
	if track.Energy == nil {
		missing = append(missing, AnalyzerEnergy)
	}
	return missing
}

// trackFromScan merges a scanned file record with its extracted tags.
// An extraction failure is recorded on the summary but still yields a
// row, so the file stays discoverable by path.
func trackFromScan(file scanner.FileRecord, extracted metadata.Result, summary *ScanSummary) *database.Track {
	track := &database.Track{
		Path:      file.Path,
		Name:      file.Name,
		Extension: file.Extension,
		SizeBytes: file.SizeBytes,
		Hash:      file.Hash,
	}

	format := metadata.ClassifyPath(file.Path)
	track.Format = string(format)
	track.Lossless = format == metadata.FormatLossless

	if extracted.Err != nil {
		summary.Errors = append(summary.Errors, events.ScanIssue{Path: file.Path, Message: extracted.Err.Error()})
	} else if extracted.Metadata != nil {
		meta := extracted.Metadata
		track.Title = meta.Title
		track.Artist = meta.Artist
		track.Album = meta.Album
		track.Genre = meta.Genre
		track.Year = meta.Year
		track.TrackNumber = meta.TrackNumber
		if meta.Format != metadata.FormatUnknown {
			track.Format = string(meta.Format)
			track.Lossless = meta.Lossless
		}
	}

	if track.Title == "" {
		track.Title = strings.TrimSuffix(file.Name, filepath.Ext(file.Name))
	}
	return track
}

func (c *Coordinator) publish(eventType events.EventType, title, message string, data map[string]interface{}) {
	if c.eventBus == nil {
		return
	}
	event := events.NewEvent(eventType, "pipeline", title, message)
	event.Data = data
	if err := c.eventBus.PublishAsync(event); err != nil {
		logger.Debug("Failed to publish %s event: %v", eventType, err)
	}
}

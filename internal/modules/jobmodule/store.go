package jobmodule

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cuebase/cuebase/internal/database"
	"github.com/cuebase/cuebase/internal/events"
	"github.com/cuebase/cuebase/internal/logger"
	"github.com/cuebase/cuebase/internal/metrics"
)

var (
	// ErrDuplicateJob means an active job already holds the dedup key.
	ErrDuplicateJob = errors.New("an active job with the same dedup key already exists")

	// ErrJobNotFound means no job exists with the given id.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition means the job is not in a status the
	// requested transition starts from.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrStoreClosed means the store has been closed.
	ErrStoreClosed = errors.New("job store is closed")
)

// activeStatuses are the statuses that hold a dedup key.
var activeStatuses = []database.JobStatus{database.JobStatusQueued, database.JobStatusRunning}

// JobStore owns the job table plus an in-memory side store for
// persist=false jobs. Dedup is enforced here, not by callers: durable
// jobs collide on a partial unique index over active statuses, and
// the store mutex extends the same single-flight guarantee to the
// in-memory jobs.
type JobStore struct {
	db       *gorm.DB
	eventBus events.EventBus

	mu         sync.Mutex
	closed     bool
	ephemeral  map[string]*database.Job // id -> persist=false job
	activeKeys map[string]string        // dedup key -> id, non-terminal ephemeral jobs only
}

// JobFilter selects jobs for listing.
type JobFilter struct {
	Status database.JobStatus
	Kind   database.JobKind
	Limit  int
	Offset int
}

// JobStats counts jobs by status across both stores.
type JobStats struct {
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// NewJobStore creates a store on the given database handle. The event
// bus may be nil; job lifecycle events are then skipped.
func NewJobStore(db *gorm.DB, eventBus events.EventBus) *JobStore {
	return &JobStore{
		db:         db,
		eventBus:   eventBus,
		ephemeral:  make(map[string]*database.Job),
		activeKeys: make(map[string]string),
	}
}

// Create persists a new queued job, enforcing dedup-key single-flight
// across both durable and in-memory jobs. Returns ErrDuplicateJob when
// an active job already holds the key.
func (s *JobStore) Create(job *database.Job) error {
	if job == nil {
		return fmt.Errorf("cannot create a nil job")
	}
	if !job.Kind.Valid() {
		return fmt.Errorf("invalid job kind %q", job.Kind)
	}
	if job.DedupKey == "" {
		return fmt.Errorf("job requires a dedup key")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = database.JobStatusQueued
	}
	if job.Status != database.JobStatusQueued {
		return fmt.Errorf("new jobs must be queued, got %q", job.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	// An active in-memory job blocks both durable and in-memory
	// submissions for the same key.
	if _, held := s.activeKeys[job.DedupKey]; held {
		metrics.JobsDuplicateTotal.Inc()
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.DedupKey)
	}

	if job.Persist {
		if err := s.db.Create(job).Error; err != nil {
			if isDuplicateKeyErr(err) {
				metrics.JobsDuplicateTotal.Inc()
				return fmt.Errorf("%w: %s", ErrDuplicateJob, job.DedupKey)
			}
			return fmt.Errorf("failed to create job: %w", err)
		}
	} else {
		var active int64
		err := s.db.Model(&database.Job{}).
			Where("dedup_key = ? AND status IN ?", job.DedupKey, activeStatuses).
			Count(&active).Error
		if err != nil {
			return fmt.Errorf("failed to check dedup key: %w", err)
		}
		if active > 0 {
			metrics.JobsDuplicateTotal.Inc()
			return fmt.Errorf("%w: %s", ErrDuplicateJob, job.DedupKey)
		}

		now := time.Now()
		job.CreatedAt = now
		job.UpdatedAt = now
		stored := *job
		s.ephemeral[job.ID] = &stored
		s.activeKeys[job.DedupKey] = job.ID
	}

	metrics.JobsCreatedTotal.WithLabelValues(string(job.Kind)).Inc()
	s.publish(events.EventJobCreated, job, "Job created")
	return nil
}

// GetJob loads one job by id from either store.
func (s *JobStore) GetJob(id string) (*database.Job, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	if job, ok := s.ephemeral[id]; ok {
		clone := *job
		s.mu.Unlock()
		return &clone, nil
	}
	s.mu.Unlock()

	var job database.Job
	if err := s.db.First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return &job, nil
}

// NextQueued returns up to limit queued jobs in dispatch order:
// highest priority first, oldest first within a priority.
func (s *JobStore) NextQueued(limit int) ([]database.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	var jobs []database.Job
	for _, job := range s.ephemeral {
		if job.Status == database.JobStatusQueued {
			jobs = append(jobs, *job)
		}
	}
	s.mu.Unlock()

	var durable []database.Job
	err := s.db.
		Where("status = ?", database.JobStatusQueued).
		Order("priority DESC, created_at ASC").
		Limit(limit).
		Find(&durable).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list queued jobs: %w", err)
	}

	jobs = append(jobs, durable...)
	sortDispatchOrder(jobs)
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// List returns jobs matching the filter, newest first, along with the
// total match count.
func (s *JobStore) List(filter JobFilter) ([]database.Job, int64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, 0, ErrStoreClosed
	}
	var jobs []database.Job
	for _, job := range s.ephemeral {
		if matchesFilter(job, filter) {
			jobs = append(jobs, *job)
		}
	}
	s.mu.Unlock()

	query := s.db.Model(&database.Job{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}

	var durable []database.Job
	if err := query.Order("created_at DESC").Find(&durable).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs = append(jobs, durable...)

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	total := int64(len(jobs))

	if filter.Offset > 0 {
		if filter.Offset >= len(jobs) {
			return nil, total, nil
		}
		jobs = jobs[filter.Offset:]
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, total, nil
}

// MarkRunning atomically claims a queued job. A job that is missing,
// already claimed, or terminal is not claimed.
func (s *JobStore) MarkRunning(id string) (*database.Job, error) {
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	if job, ok := s.ephemeral[id]; ok {
		defer s.mu.Unlock()
		if job.Status != database.JobStatusQueued {
			return nil, fmt.Errorf("%w: job %s is %s, not queued", ErrInvalidTransition, id, job.Status)
		}
		job.Status = database.JobStatusRunning
		job.StartedAt = &now
		job.UpdatedAt = now
		clone := *job
		return &clone, nil
	}
	s.mu.Unlock()

	res := s.db.Model(&database.Job{}).
		Where("id = ? AND status = ?", id, database.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":     database.JobStatusRunning,
			"started_at": &now,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to mark job running: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		job, err := s.GetJob(id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: job %s is %s, not queued", ErrInvalidTransition, id, job.Status)
	}
	return s.GetJob(id)
}

// MarkCompleted finishes a running job with a result. Completing an
// already-terminal job is a no-op that returns the stored job.
func (s *JobStore) MarkCompleted(id, result string) (*database.Job, error) {
	return s.finish(id, database.JobStatusCompleted, map[string]interface{}{"result": result})
}

// MarkFailed finishes a job with an error. Queued jobs may fail
// directly (a dispatch that never got to run). Failing an
// already-terminal job is a no-op that returns the stored job.
func (s *JobStore) MarkFailed(id, jobErr string) (*database.Job, error) {
	return s.finish(id, database.JobStatusFailed, map[string]interface{}{"error": jobErr})
}

// finish moves a job to a terminal status and releases its dedup key.
func (s *JobStore) finish(id string, status database.JobStatus, fields map[string]interface{}) (*database.Job, error) {
	allowed := activeStatuses
	if status == database.JobStatusCompleted {
		allowed = []database.JobStatus{database.JobStatusRunning}
	}
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	if job, ok := s.ephemeral[id]; ok {
		defer s.mu.Unlock()
		if job.Status.Terminal() {
			clone := *job
			return &clone, nil
		}
		if !statusIn(job.Status, allowed) {
			return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, job.Status)
		}
		job.Status = status
		job.FinishedAt = &now
		job.UpdatedAt = now
		if v, ok := fields["result"]; ok {
			job.Result = v.(string)
		}
		if v, ok := fields["error"]; ok {
			job.Error = v.(string)
		}
		delete(s.activeKeys, job.DedupKey)
		clone := *job
		return &clone, nil
	}
	s.mu.Unlock()

	updates := map[string]interface{}{
		"status":      status,
		"finished_at": &now,
		"updated_at":  now,
	}
	for k, v := range fields {
		updates[k] = v
	}

	res := s.db.Model(&database.Job{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to finish job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		job, err := s.GetJob(id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, job.Status)
	}
	return s.GetJob(id)
}

// Requeue returns a failed job to the queue with a fresh creation
// time and a cleared error. The dedup key becomes active again, so an
// equivalent active job blocks the requeue.
func (s *JobStore) Requeue(id string) (*database.Job, error) {
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	if job, ok := s.ephemeral[id]; ok {
		defer s.mu.Unlock()
		if job.Status != database.JobStatusFailed {
			return nil, fmt.Errorf("%w: job %s is %s, only failed jobs requeue", ErrInvalidTransition, id, job.Status)
		}
		if _, held := s.activeKeys[job.DedupKey]; held {
			metrics.JobsDuplicateTotal.Inc()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, job.DedupKey)
		}
		job.Status = database.JobStatusQueued
		job.Error = ""
		job.Result = ""
		job.StartedAt = nil
		job.FinishedAt = nil
		job.CreatedAt = now
		job.UpdatedAt = now
		s.activeKeys[job.DedupKey] = job.ID
		clone := *job
		s.publish(events.EventJobRequeued, &clone, "Job requeued")
		return &clone, nil
	}
	s.mu.Unlock()

	res := s.db.Model(&database.Job{}).
		Where("id = ? AND status = ?", id, database.JobStatusFailed).
		Updates(map[string]interface{}{
			"status":      database.JobStatusQueued,
			"error":       "",
			"result":      "",
			"started_at":  nil,
			"finished_at": nil,
			"created_at":  now,
			"updated_at":  now,
		})
	if res.Error != nil {
		// Requeueing re-enters the active dedup index; an equivalent
		// active job turns up here as a unique violation.
		if isDuplicateKeyErr(res.Error) {
			metrics.JobsDuplicateTotal.Inc()
			return nil, fmt.Errorf("%w: job %s", ErrDuplicateJob, id)
		}
		return nil, fmt.Errorf("failed to requeue job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		job, err := s.GetJob(id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: job %s is %s, only failed jobs requeue", ErrInvalidTransition, id, job.Status)
	}

	job, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	s.publish(events.EventJobRequeued, job, "Job requeued")
	return job, nil
}

// Stats counts jobs by status across both stores.
func (s *JobStore) Stats() (*JobStats, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	stats := &JobStats{}
	for _, job := range s.ephemeral {
		stats.add(job.Status, 1)
	}
	s.mu.Unlock()

	var rows []struct {
		Status database.JobStatus
		Count  int64
	}
	err := s.db.Model(&database.Job{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	for _, row := range rows {
		stats.add(row.Status, row.Count)
	}
	return stats, nil
}

// CleanupFinished deletes terminal jobs that finished before the
// cutoff, from both stores. Returns how many were removed.
func (s *JobStore) CleanupFinished(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrStoreClosed
	}
	var removed int64
	for id, job := range s.ephemeral {
		if job.Status.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(s.ephemeral, id)
			removed++
		}
	}
	s.mu.Unlock()

	res := s.db.
		Where("status IN ? AND finished_at < ?",
			[]database.JobStatus{database.JobStatusCompleted, database.JobStatusFailed}, cutoff).
		Delete(&database.Job{})
	if res.Error != nil {
		return removed, fmt.Errorf("failed to clean up jobs: %w", res.Error)
	}
	removed += res.RowsAffected

	if removed > 0 {
		logger.Info("Cleaned up %d finished jobs older than %s", removed, olderThan)
	}
	return removed, nil
}

// Close marks the store unusable. Every later call returns
// ErrStoreClosed. Closing twice is harmless.
func (s *JobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.ephemeral = make(map[string]*database.Job)
	s.activeKeys = make(map[string]string)
	return nil
}

func (s *JobStore) publish(eventType events.EventType, job *database.Job, title string) {
	if s.eventBus == nil {
		return
	}
	event := events.NewEvent(eventType, "jobs", title, fmt.Sprintf("%s job %s", job.Kind, job.ID))
	event.Data = events.JobData{
		JobID:  job.ID,
		Kind:   string(job.Kind),
		Status: string(job.Status),
		Error:  job.Error,
	}.Map()
	if err := s.eventBus.PublishAsync(event); err != nil {
		logger.Debug("Failed to publish %s event: %v", eventType, err)
	}
}

func (st *JobStats) add(status database.JobStatus, n int64) {
	switch status {
	case database.JobStatusQueued:
		st.Queued += n
	case database.JobStatusRunning:
		st.Running += n
	case database.JobStatusCompleted:
		st.Completed += n
	case database.JobStatusFailed:
		st.Failed += n
	}
	st.Total += n
}

func matchesFilter(job *database.Job, filter JobFilter) bool {
	if filter.Status != "" && job.Status != filter.Status {
		return false
	}
	if filter.Kind != "" && job.Kind != filter.Kind {
		return false
	}
	return true
}

func statusIn(status database.JobStatus, set []database.JobStatus) bool {
	for _, s := range set {
		if status == s {
			return true
		}
	}
	return false
}

func sortDispatchOrder(jobs []database.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

// isDuplicateKeyErr recognizes unique-index violations from either
// driver, with or without gorm error translation enabled.
func isDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

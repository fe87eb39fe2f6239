package database

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// =============================================================================
// TRACK TABLE
// =============================================================================

// Track represents one audio file in the library. A row is created the
// first time a scan sees the path and refreshed on later sightings;
// rows are never deleted by the scan pipeline.
type Track struct {
	ID        string `gorm:"type:varchar(36);primaryKey" json:"id"`
	Path      string `gorm:"not null;uniqueIndex" json:"path"`
	Name      string `gorm:"not null" json:"name"`
	Extension string `gorm:"index" json:"extension"`
	SizeBytes int64  `gorm:"not null" json:"size_bytes"`
	Hash      string `gorm:"index" json:"hash,omitempty"`

	// Tag metadata, filled by the metadata extractor. Absent values
	// stay zero; extraction failure leaves the row discoverable by
	// path alone.
	Title       string `gorm:"index" json:"title,omitempty"`
	Artist      string `gorm:"index" json:"artist,omitempty"`
	Album       string `gorm:"index" json:"album,omitempty"`
	Genre       string `json:"genre,omitempty"`
	Year        int    `json:"year,omitempty"`
	TrackNumber int    `json:"track_number,omitempty"`
	Format      string `json:"format,omitempty"` // lossless, lossy, unknown
	Lossless    bool   `json:"lossless"`

	// Analysis results, filled by completed analyze jobs. Nil means
	// the field has never been computed for this track.
	BPM             *float64 `json:"bpm,omitempty"`
	MusicalKey      *string  `json:"musical_key,omitempty"`
	CamelotKey      *string  `json:"camelot_key,omitempty"`
	Energy          *float64 `json:"energy,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`

	LastSeen  time.Time `gorm:"not null;index" json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Analyzed reports whether every analysis field has been computed.
func (t *Track) Analyzed() bool {
	return t.BPM != nil && t.MusicalKey != nil && t.Energy != nil
}

// =============================================================================
// JOB TABLE
// =============================================================================

// JobKind enumerates the work the job system knows how to run.
type JobKind string

const (
	JobKindScan          JobKind = "scan"
	JobKindAnalyzeBPM    JobKind = "analyze-bpm"
	JobKindAnalyzeKey    JobKind = "analyze-key"
	JobKindAnalyzeEnergy JobKind = "analyze-energy"
	JobKindAnalyzeAll    JobKind = "analyze-all"
)

// JobKinds returns every known kind, in declaration order.
func JobKinds() []JobKind {
	return []JobKind{JobKindScan, JobKindAnalyzeBPM, JobKindAnalyzeKey, JobKindAnalyzeEnergy, JobKindAnalyzeAll}
}

// Valid reports whether the kind is one of the closed enumeration.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindScan, JobKindAnalyzeBPM, JobKindAnalyzeKey, JobKindAnalyzeEnergy, JobKindAnalyzeAll:
		return true
	}
	return false
}

func (k JobKind) Value() (driver.Value, error) {
	return string(k), nil
}

func (k *JobKind) Scan(value interface{}) error {
	if value == nil {
		*k = ""
		return nil
	}
	switch s := value.(type) {
	case string:
		*k = JobKind(s)
	case []byte:
		*k = JobKind(s)
	default:
		return fmt.Errorf("cannot scan %T into JobKind", value)
	}
	return nil
}

// JobStatus enumerates the job lifecycle states.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status ends the job lifecycle.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) Value() (driver.Value, error) {
	return string(s), nil
}

func (s *JobStatus) Scan(value interface{}) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*s = JobStatus(v)
	case []byte:
		*s = JobStatus(v)
	default:
		return fmt.Errorf("cannot scan %T into JobStatus", value)
	}
	return nil
}

// Job represents one unit of background work. Jobs are owned by the
// job store; nothing else writes this table. DedupKey uniqueness
// among non-terminal jobs is enforced by a partial unique index
// created in the job module's migration.
type Job struct {
	ID       string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	DedupKey string    `gorm:"not null;index" json:"dedup_key"`
	Kind     JobKind   `gorm:"type:text;not null;index" json:"kind"`
	Status   JobStatus `gorm:"type:text;not null;default:'queued';index" json:"status"`
	Priority int       `gorm:"default:0" json:"priority"`
	Payload  string    `gorm:"type:text" json:"payload"`
	Persist  bool      `gorm:"not null;default:true" json:"persist"`

	Error  string `json:"error,omitempty"`
	Result string `gorm:"type:text" json:"result,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

package jobmodule

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/cuebase/cuebase/internal/database"
)

// ScanPayload is the payload of a scan job.
type ScanPayload struct {
	Paths       []string `json:"paths"`
	IncludeHash bool     `json:"include_hash"`
}

// AnalyzePayload is the payload of every analyze job kind. The
// analyzer itself is implied by the job kind.
type AnalyzePayload struct {
	TrackID string `json:"track_id"`
}

// NewScanJob builds a validated scan job. The dedup key depends only
// on the path set, so the same roots in any order collide.
func NewScanJob(paths []string, includeHash, persist bool) (*database.Job, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("scan job requires at least one path")
	}
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("scan job paths must not be empty")
		}
	}

	payload, err := json.Marshal(ScanPayload{Paths: paths, IncludeHash: includeHash})
	if err != nil {
		return nil, fmt.Errorf("failed to encode scan payload: %w", err)
	}

	return &database.Job{
		ID:       uuid.New().String(),
		DedupKey: ScanDedupKey(paths),
		Kind:     database.JobKindScan,
		Status:   database.JobStatusQueued,
		Payload:  string(payload),
		Persist:  persist,
	}, nil
}

// NewAnalyzeJob builds a validated analyze job for one track.
func NewAnalyzeJob(kind database.JobKind, trackID string, persist bool) (*database.Job, error) {
	if kind == database.JobKindScan || !kind.Valid() {
		return nil, fmt.Errorf("kind %q is not an analyze job kind", kind)
	}
	if strings.TrimSpace(trackID) == "" {
		return nil, fmt.Errorf("analyze job requires a track id")
	}

	payload, err := json.Marshal(AnalyzePayload{TrackID: trackID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode analyze payload: %w", err)
	}

	return &database.Job{
		ID:       uuid.New().String(),
		DedupKey: AnalyzeDedupKey(trackID, kind),
		Kind:     kind,
		Status:   database.JobStatusQueued,
		Payload:  string(payload),
		Persist:  persist,
	}, nil
}

// ScanDedupKey derives the scan single-flight key from the sorted
// path set.
func ScanDedupKey(paths []string) string {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	hasher := sha1.New()
	for _, path := range sorted {
		hasher.Write([]byte(path))
		hasher.Write([]byte{0})
	}
	return "scan:" + hex.EncodeToString(hasher.Sum(nil))
}

// AnalyzeDedupKey derives the analyze single-flight key for one track
// and analyzer.
func AnalyzeDedupKey(trackID string, kind database.JobKind) string {
	return fmt.Sprintf("analysis:%s:%s", trackID, AnalyzerName(kind))
}

// AnalyzerName maps an analyze job kind to its analyzer name.
func AnalyzerName(kind database.JobKind) string {
	switch kind {
	case database.JobKindAnalyzeBPM:
		return "bpm"
	case database.JobKindAnalyzeKey:
		return "key"
	case database.JobKindAnalyzeEnergy:
		return "energy"
	case database.JobKindAnalyzeAll:
		return "all"
	default:
		return string(kind)
	}
}

// DecodeScanPayload unpacks a scan job's payload.
func DecodeScanPayload(job *database.Job) (*ScanPayload, error) {
	if job.Kind != database.JobKindScan {
		return nil, fmt.Errorf("job %s is %s, not a scan job", job.ID, job.Kind)
	}
	var payload ScanPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode scan payload: %w", err)
	}
	return &payload, nil
}

// DecodeAnalyzePayload unpacks an analyze job's payload.
func DecodeAnalyzePayload(job *database.Job) (*AnalyzePayload, error) {
	if job.Kind == database.JobKindScan {
		return nil, fmt.Errorf("job %s is a scan job, not an analyze job", job.ID)
	}
	var payload AnalyzePayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode analyze payload: %w", err)
	}
	return &payload, nil
}

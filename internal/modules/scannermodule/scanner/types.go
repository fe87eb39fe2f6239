// Package scanner walks library roots and turns directory trees into
// file records for the scan pipeline. It knows nothing about tracks or
// jobs; callers consume its records and errors.
package scanner

import (
	"time"
)

// FileRecord describes one audio file found during a scan. Records are
// ephemeral; the pipeline turns them into track rows.
type FileRecord struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	Extension string `json:"extension"`
	SizeBytes int64  `json:"size_bytes"`

	// Hash is empty unless the scan ran with IncludeHash.
	Hash string `json:"hash,omitempty"`
}

// ScanError records one path that could not be scanned.
type ScanError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ScanResult aggregates one scan invocation.
type ScanResult struct {
	TotalFiles     int           `json:"total_files"`
	Files          []FileRecord  `json:"files"`
	Errors         []ScanError   `json:"errors,omitempty"`
	TotalSizeBytes int64         `json:"total_size_bytes"`
	Duration       time.Duration `json:"duration"`
}

// ProgressUpdate is handed to the progress callback after each file is
// classified. Current increases monotonically in walk order.
type ProgressUpdate struct {
	Current int
	Path    string
}

// ProgressFunc receives progress updates. It runs on the scan
// goroutine; a slow callback slows the scan by exactly its own
// execution time, and a panicking callback is recovered and dropped.
type ProgressFunc func(ProgressUpdate)

// ScanOptions tunes a single Scan call.
type ScanOptions struct {
	// Extensions limits the scan to these extensions
	// (case-insensitive, with or without leading dot). Empty means the
	// default audio set.
	Extensions []string

	// IncludeHash computes a content hash per file. Hashing dominates
	// scan cost; leave it off for cheap existence scans.
	IncludeHash bool
}

package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cuebase/cuebase/internal/logger"
	"github.com/cuebase/cuebase/internal/metrics"
	"github.com/cuebase/cuebase/internal/utils"
)

// ErrPathNotFound is returned when a single-root scan targets a path
// that does not exist or is neither file nor directory.
var ErrPathNotFound = errors.New("scan path not found")

// throttlePause is how long the scanner backs off when the load
// monitor reports pressure.
const throttlePause = 200 * time.Millisecond

// Config holds the scanner's tuning knobs.
type Config struct {
	// WorkerCount sizes the hash worker pool. Zero picks a count from
	// the machine's CPUs.
	WorkerCount int

	// SmartHash switches large files to sampled hashing instead of a
	// full read.
	SmartHash bool

	// IgnorePatterns are file/directory basename globs skipped during
	// the walk.
	IgnorePatterns []string
}

// DefaultConfig returns scanner defaults suitable for local disks.
func DefaultConfig() Config {
	return Config{
		WorkerCount:    defaultWorkerCount(),
		SmartHash:      true,
		IgnorePatterns: []string{".*", "Thumbs.db", ".DS_Store"},
	}
}

func defaultWorkerCount() int {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	if n > 16 {
		n = 16
	}
	return n
}

// PathScanner walks roots and produces file records. A scanner is
// cheap to construct; the progress callback belongs to one logical
// scan, so concurrent scans should each use their own instance.
type PathScanner struct {
	config  Config
	monitor *SystemLoadMonitor

	mu         sync.RWMutex
	progressFn ProgressFunc
}

// NewPathScanner creates a scanner with the given configuration.
func NewPathScanner(config Config) *PathScanner {
	if config.WorkerCount < 1 {
		config.WorkerCount = defaultWorkerCount()
	}
	return &PathScanner{config: config}
}

// SetLoadMonitor attaches a system load monitor; the scanner pauses
// between directories while the monitor reports overload.
func (s *PathScanner) SetLoadMonitor(monitor *SystemLoadMonitor) {
	s.monitor = monitor
}

// SetProgressCallback installs the progress callback for subsequent
// scans. Passing nil removes it.
func (s *PathScanner) SetProgressCallback(fn ProgressFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progressFn = fn
}

// Scan walks all roots and returns the matching file records in walk
// order. Per-entry failures are collected in the result; a missing
// root fails the whole call only when it is the sole root.
func (s *PathScanner) Scan(ctx context.Context, roots []string, opts ScanOptions) (*ScanResult, error) {
	start := time.Now()

	extensions := utils.NormalizeExtensions(opts.Extensions)
	if extensions == nil {
		extensions = utils.AudioExtensions
	}

	result := &ScanResult{}
	current := 0

	for _, root := range roots {
		if err := s.scanRoot(ctx, root, len(roots) > 1, extensions, result, &current); err != nil {
			metrics.ScanRunsTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
	}

	if opts.IncludeHash && len(result.Files) > 0 {
		if err := s.hashFiles(ctx, result); err != nil {
			metrics.ScanRunsTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
	}

	result.Duration = time.Since(start)

	metrics.ScanRunsTotal.WithLabelValues("completed").Inc()
	metrics.ScanFilesDiscovered.Add(float64(result.TotalFiles))
	metrics.ScanErrorsTotal.Add(float64(len(result.Errors)))
	metrics.ScanDuration.Observe(result.Duration.Seconds())

	return result, nil
}

// QuickCount walks the roots and counts matching files without hash or
// metadata work. The root error policy matches Scan.
func (s *PathScanner) QuickCount(ctx context.Context, roots []string, extensions []string) (int, error) {
	set := utils.NormalizeExtensions(extensions)
	if set == nil {
		set = utils.AudioExtensions
	}

	count := 0
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil || !(info.IsDir() || info.Mode().IsRegular()) {
			if len(roots) == 1 {
				return 0, fmt.Errorf("%w: %s", ErrPathNotFound, root)
			}
			continue
		}

		if info.Mode().IsRegular() {
			if set[strings.ToLower(filepath.Ext(root))] {
				count++
			}
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if walkErr != nil {
				return nil
			}
			if path != root && s.ignored(d.Name()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			if set[strings.ToLower(filepath.Ext(path))] {
				count++
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return count, nil
}

// scanRoot walks one root into the result. multiRoot selects the error
// policy for a bad root: record-and-continue versus hard failure.
func (s *PathScanner) scanRoot(ctx context.Context, root string, multiRoot bool, extensions map[string]bool, result *ScanResult, current *int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := os.Stat(root)
	if err != nil || !(info.IsDir() || info.Mode().IsRegular()) {
		if !multiRoot {
			return fmt.Errorf("%w: %s", ErrPathNotFound, root)
		}
		message := "not a file or directory"
		if err != nil {
			message = err.Error()
		}
		result.Errors = append(result.Errors, ScanError{Path: root, Message: message})
		return nil
	}

	if info.Mode().IsRegular() {
		if extensions[strings.ToLower(filepath.Ext(root))] {
			s.accept(result, root, info.Size(), current)
		}
		return nil
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			result.Errors = append(result.Errors, ScanError{Path: path, Message: walkErr.Error()})
			return nil
		}

		if path != root && s.ignored(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			s.maybeThrottle(ctx)
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if !extensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		fileInfo, err := d.Info()
		if err != nil {
			result.Errors = append(result.Errors, ScanError{Path: path, Message: err.Error()})
			return nil
		}

		s.accept(result, path, fileInfo.Size(), current)
		return nil
	})
}

// accept records one classified file and fires the progress callback.
func (s *PathScanner) accept(result *ScanResult, path string, size int64, current *int) {
	result.Files = append(result.Files, FileRecord{
		Path:      path,
		Name:      filepath.Base(path),
		Extension: strings.ToLower(filepath.Ext(path)),
		SizeBytes: size,
	})
	result.TotalFiles++
	result.TotalSizeBytes += size

	*current++
	s.notifyProgress(*current, path)
}

// notifyProgress delivers one update. The callback runs on the scan
// goroutine; a panic inside it is recovered and dropped.
func (s *PathScanner) notifyProgress(current int, path string) {
	s.mu.RLock()
	fn := s.progressFn
	s.mu.RUnlock()
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Scan progress callback panicked: %v", r)
		}
	}()
	fn(ProgressUpdate{Current: current, Path: path})
}

// hashFiles fills in content hashes on a bounded worker pool.
func (s *PathScanner) hashFiles(ctx context.Context, result *ScanResult) error {
	pool := utils.NewWorkerPool(s.config.WorkerCount)
	pool.Start()

	var mu sync.Mutex
	for i := range result.Files {
		record := &result.Files[i]
		pool.Submit(func() {
			if ctx.Err() != nil {
				return
			}

			hash, err := s.hashFile(record.Path, record.SizeBytes)
			if err != nil {
				mu.Lock()
				result.Errors = append(result.Errors, ScanError{Path: record.Path, Message: fmt.Sprintf("hash failed: %v", err)})
				mu.Unlock()
				return
			}
			record.Hash = hash
		})
	}
	pool.Stop()

	return ctx.Err()
}

func (s *PathScanner) hashFile(path string, size int64) (string, error) {
	if s.config.SmartHash {
		return utils.CalculateFileHashAuto(path, size)
	}
	return utils.CalculateFileHash(path)
}

// ignored reports whether a basename matches any ignore pattern.
func (s *PathScanner) ignored(name string) bool {
	for _, pattern := range s.config.IgnorePatterns {
		if matched, err := filepath.Match(pattern, name); err == nil && matched {
			return true
		}
	}
	return false
}

// maybeThrottle pauses briefly when the attached load monitor reports
// overload.
func (s *PathScanner) maybeThrottle(ctx context.Context) {
	if s.monitor == nil || !s.monitor.Overloaded() {
		return
	}
	select {
	case <-time.After(throttlePause):
	case <-ctx.Done():
	}
}

package pipelinemodule

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/cuebase/cuebase/internal/logger"
)

// Analyzer names. Each analyzer owns exactly one analysis field on the
// track, plus "all" as the request-level alias for running every
// missing analyzer.
const (
	AnalyzerBPM    = "bpm"
	AnalyzerKey    = "key"
	AnalyzerEnergy = "energy"
	AnalyzerAll    = "all"
)

// Analyzer describes one external analysis worker: the command to run
// and what it produces. Workers speak the line protocol handled by
// WorkerRunner.
type Analyzer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`

	// Command and Args form the base invocation; the runner appends
	// the per-job flags (--audio-path, --parameters, --job-id).
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`

	// Settings is serialized into the --parameters JSON handed to the
	// worker.
	Settings map[string]interface{} `json:"settings,omitempty"`
}

// Registry holds the analyzers available to the pipeline, keyed by ID.
type Registry struct {
	mu        sync.RWMutex
	analyzers map[string]*Analyzer
}

// NewRegistry returns an empty analyzer registry.
func NewRegistry() *Registry {
	return &Registry{analyzers: make(map[string]*Analyzer)}
}

// LoadRegistry builds a registry from the CUE manifests found in dir,
// layered over the builtin python workers. A missing or empty
// directory leaves the builtins in place; a manifest that fails to
// parse is logged and skipped, never fatal.
func LoadRegistry(dir string) *Registry {
	registry := NewRegistry()
	for _, analyzer := range builtinAnalyzers(dir) {
		if err := registry.Register(analyzer); err != nil {
			logger.Warn("Failed to register builtin analyzer: %v", err)
		}
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil || len(matches) == 0 {
		return registry
	}
	sort.Strings(matches)

	for _, file := range matches {
		analyzer, err := ParseAnalyzerCUE(file)
		if err != nil {
			logger.Warn("Skipping invalid analyzer manifest file=%s error=%v", file, err)
			continue
		}
		if err := registry.Register(analyzer); err != nil {
			logger.Warn("Skipping analyzer manifest file=%s error=%v", file, err)
			continue
		}
		logger.Info("Loaded analyzer manifest id=%s version=%s file=%s", analyzer.ID, analyzer.Version, filepath.Base(file))
	}

	return registry
}

// builtinAnalyzers are the stock python workers, resolved relative to
// the manifest directory.
func builtinAnalyzers(dir string) []*Analyzer {
	worker := func(script string) []string {
		return []string{filepath.Join(dir, script)}
	}
	return []*Analyzer{
		{ID: AnalyzerBPM, Name: "Tempo Analyzer", Version: "1.0.0", Command: "python3", Args: worker("tempo_worker.py")},
		{ID: AnalyzerKey, Name: "Key Analyzer", Version: "1.0.0", Command: "python3", Args: worker("key_worker.py")},
		{ID: AnalyzerEnergy, Name: "Energy Analyzer", Version: "1.0.0", Command: "python3", Args: worker("energy_worker.py")},
	}
}

// Register adds an analyzer, replacing any previous registration with
// the same ID.
func (r *Registry) Register(analyzer *Analyzer) error {
	if analyzer == nil {
		return fmt.Errorf("analyzer is nil")
	}
	if analyzer.ID == "" {
		return fmt.Errorf("analyzer ID is required")
	}
	if analyzer.Command == "" {
		return fmt.Errorf("analyzer %s has no command", analyzer.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyzers[analyzer.ID] = analyzer
	return nil
}

// Get returns the analyzer with the given ID, or nil when none is
// registered.
func (r *Registry) Get(id string) *Analyzer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.analyzers[id]
}

// List returns all registered analyzers sorted by ID.
func (r *Registry) List() []*Analyzer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Analyzer, 0, len(r.analyzers))
	for _, analyzer := range r.analyzers {
		out = append(out, analyzer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ParseAnalyzerCUE loads one manifest file and decodes its #Analyzer
// definition. Files without the definition are decoded from the root
// value instead.
func ParseAnalyzerCUE(cueFile string) (*Analyzer, error) {
	if _, err := os.Stat(cueFile); err != nil {
		return nil, fmt.Errorf("manifest not readable: %w", err)
	}

	ctx := cuecontext.New()

	buildInstances := load.Instances([]string{cueFile}, nil)
	if len(buildInstances) == 0 {
		return nil, fmt.Errorf("no CUE instances found in %s", cueFile)
	}

	buildInstance := buildInstances[0]
	if buildInstance.Err != nil {
		return nil, fmt.Errorf("failed to load CUE file: %w", buildInstance.Err)
	}

	value := ctx.BuildInstance(buildInstance)
	if value.Err() != nil {
		return nil, fmt.Errorf("failed to build CUE instance: %w", value.Err())
	}

	def := value.LookupPath(cue.ParsePath("#Analyzer"))
	if !def.Exists() {
		def = value
	}

	var analyzer Analyzer
	if err := def.Decode(&analyzer); err != nil {
		return nil, fmt.Errorf("failed to decode analyzer manifest: %w", err)
	}
	return &analyzer, nil
}

// camelotWheel maps musical keys to Camelot wheel positions, the
// notation DJs use for harmonic mixing.
var camelotWheel = map[string]string{
	"C major":  "8B",
	"A minor":  "8A",
	"G major":  "9B",
	"E minor":  "9A",
	"D major":  "10B",
	"B minor":  "10A",
	"A major":  "11B",
	"F# minor": "11A",
	"E major":  "12B",
	"C# minor": "12A",
	"B major":  "1B",
	"G# minor": "1A",
	"F# major": "2B",
	"D# minor": "2A",
	"C# major": "3B",
	"A# minor": "3A",
	"G# major": "4B",
	"F minor":  "4A",
	"D# major": "5B",
	"C minor":  "5A",
	"A# major": "6B",
	"G minor":  "6A",
	"F major":  "7B",
	"D minor":  "7A",
}

// CamelotFor returns the Camelot wheel code for a musical key such as
// "A minor", or "" when the key is not on the wheel.
func CamelotFor(key string) string {
	if code, ok := camelotWheel[key]; ok {
		return code
	}

	fields := strings.Fields(strings.ToLower(strings.TrimSpace(key)))
	if len(fields) != 2 {
		return ""
	}
	note := strings.ToUpper(fields[0][:1]) + fields[0][1:]
	return camelotWheel[note+" "+fields[1]]
}

package pipelinemodule

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ErrAnalyzerFailure marks a worker run that exited abnormally or
// produced no usable result.
var ErrAnalyzerFailure = errors.New("analyzer failure")

// execCommand is a variable to allow mocking of exec.CommandContext in
// tests.
var execCommand = exec.CommandContext

const (
	progressPrefix = "PROGRESS:"
	resultPrefix   = "RESULT:"

	defaultWorkerTimeout = 5 * time.Minute
)

// AnalysisResult is the union of the result fields the stock workers
// emit. The tempo worker reports tempo, the combined worker reports
// bpm and camelot_key; Normalize folds the variants into the canonical
// fields.
type AnalysisResult struct {
	BPM        *float64 `json:"bpm,omitempty"`
	Tempo      *float64 `json:"tempo,omitempty"`
	Key        *string  `json:"key,omitempty"`
	Camelot    *string  `json:"camelot,omitempty"`
	CamelotKey *string  `json:"camelot_key,omitempty"`
	Energy     *float64 `json:"energy,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Duration   *float64 `json:"duration,omitempty"`
}

// Normalize folds the legacy field spellings into the canonical ones
// and derives the Camelot code from the key when the worker left it
// out.
func (r *AnalysisResult) Normalize() {
	if r.BPM == nil && r.Tempo != nil {
		r.BPM = r.Tempo
	}
	if r.Camelot == nil && r.CamelotKey != nil {
		r.Camelot = r.CamelotKey
	}
	if r.Camelot == nil && r.Key != nil {
		if code := CamelotFor(*r.Key); code != "" {
			r.Camelot = &code
		}
	}
}

// WorkerRunner executes analyzer worker processes and parses their
// stdout protocol: any number of PROGRESS:<percent> lines followed by
// one RESULT:<json> line. Worker stderr is captured into the debug
// log.
type WorkerRunner struct {
	timeout time.Duration
	logger  hclog.Logger
}

// NewWorkerRunner returns a runner that kills workers exceeding the
// given timeout. A non-positive timeout falls back to five minutes.
func NewWorkerRunner(timeout time.Duration) *WorkerRunner {
	if timeout <= 0 {
		timeout = defaultWorkerTimeout
	}
	return &WorkerRunner{
		timeout: timeout,
		logger: hclog.New(&hclog.LoggerOptions{
			Name:  "analyzer-worker",
			Level: hclog.Debug,
		}),
	}
}

// Run invokes the analyzer against one audio file and returns its
// parsed result. The progress callback fires on the calling goroutine
// as PROGRESS lines arrive; a nil callback is allowed.
func (r *WorkerRunner) Run(ctx context.Context, analyzer *Analyzer, audioPath, jobID string, progress func(percent int)) (*AnalysisResult, error) {
	if analyzer == nil {
		return nil, fmt.Errorf("%w: analyzer is nil", ErrAnalyzerFailure)
	}

	params := []byte("{}")
	if len(analyzer.Settings) > 0 {
		encoded, err := json.Marshal(analyzer.Settings)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid settings for %s: %v", ErrAnalyzerFailure, analyzer.ID, err)
		}
		params = encoded
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := append([]string{}, analyzer.Args...)
	args = append(args, "--audio-path", audioPath, "--parameters", string(params), "--job-id", jobID)

	cmd := execCommand(runCtx, analyzer.Command, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrAnalyzerFailure, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrAnalyzerFailure, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", ErrAnalyzerFailure, analyzer.Command, err)
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		lines := bufio.NewScanner(stderr)
		for lines.Scan() {
			r.logger.Debug("worker stderr", "analyzer", analyzer.ID, "job_id", jobID, "line", lines.Text())
		}
	}()

	var resultLine string
	lines := bufio.NewScanner(stdout)
	// Result lines carry full JSON payloads and can exceed the default
	// scanner token size.
	lines.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for lines.Scan() {
		line := strings.TrimSpace(lines.Text())
		switch {
		case strings.HasPrefix(line, progressPrefix):
			if progress == nil {
				continue
			}
			raw := strings.TrimSpace(strings.TrimPrefix(line, progressPrefix))
			if value, err := strconv.ParseFloat(raw, 64); err == nil {
				percent := int(value)
				if percent < 0 {
					percent = 0
				}
				if percent > 100 {
					percent = 100
				}
				progress(percent)
			}
		case strings.HasPrefix(line, resultPrefix):
			resultLine = strings.TrimSpace(strings.TrimPrefix(line, resultPrefix))
		}
	}
	readErr := lines.Err()

	<-stderrDone
	if err := cmd.Wait(); err != nil {
		if ctxErr := runCtx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrAnalyzerFailure, analyzer.ID, ctxErr)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrAnalyzerFailure, analyzer.ID, err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("%w: reading %s output: %v", ErrAnalyzerFailure, analyzer.ID, readErr)
	}
	if resultLine == "" {
		return nil, fmt.Errorf("%w: %s produced no result", ErrAnalyzerFailure, analyzer.ID)
	}

	var result AnalysisResult
	if err := json.Unmarshal([]byte(resultLine), &result); err != nil {
		return nil, fmt.Errorf("%w: %s result is not valid JSON: %v", ErrAnalyzerFailure, analyzer.ID, err)
	}
	result.Normalize()
	return &result, nil
}

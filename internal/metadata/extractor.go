// Package metadata reads tag metadata from audio files and classifies
// their encoding. Extraction is read-only; tag writing is out of scope.
package metadata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dhowden/tag"

	"github.com/cuebase/cuebase/internal/metrics"
	"github.com/cuebase/cuebase/internal/utils"
)

// DefaultMaxConcurrent bounds tag extraction when the caller supplies
// no limit of its own.
const DefaultMaxConcurrent = 8

// Format classifies an audio encoding.
type Format string

const (
	FormatLossless Format = "lossless"
	FormatLossy    Format = "lossy"
	FormatUnknown  Format = "unknown"
)

// TrackMetadata holds the tag fields the pipeline cares about.
type TrackMetadata struct {
	Title       string `json:"title,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	AlbumArtist string `json:"album_artist,omitempty"`
	Genre       string `json:"genre,omitempty"`
	Year        int    `json:"year,omitempty"`
	TrackNumber int    `json:"track_number,omitempty"`
	TrackTotal  int    `json:"track_total,omitempty"`
	DiscNumber  int    `json:"disc_number,omitempty"`

	// TagFormat is the raw container format reported by the tag
	// reader, e.g. "FLAC" or "ID3v2.4".
	TagFormat string `json:"tag_format,omitempty"`
	Format    Format `json:"format"`
	Lossless  bool   `json:"lossless"`
}

// Result is the outcome of extracting one file. Err and Metadata are
// mutually exclusive.
type Result struct {
	Path     string
	Metadata *TrackMetadata
	Err      error
}

// BatchOptions tunes a ReadBatch call.
type BatchOptions struct {
	// MaxConcurrent caps in-flight extractions. Values below one fall
	// back to DefaultMaxConcurrent.
	MaxConcurrent int
}

// readFile is swapped in tests to instrument batch behavior.
var readFile = (*Extractor).Read

// Extractor reads tags from audio files with bounded concurrency.
type Extractor struct {
	maxConcurrent int
}

// NewExtractor creates an extractor with the given default concurrency
// ceiling.
func NewExtractor(maxConcurrent int) *Extractor {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Extractor{maxConcurrent: maxConcurrent}
}

// Read extracts tag metadata from a single file.
func (e *Extractor) Read(path string) (result *TrackMetadata, err error) {
	// Tag parsing works on untrusted input; a panic in the parser is
	// reported as that file's error, not the batch's.
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("tag parsing panicked for %s: %v", path, r)
		}
	}()

	file, err := os.Open(path)
	if err != nil {
		metrics.ExtractionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	meta := &TrackMetadata{
		Format:   ClassifyPath(path),
		Lossless: utils.IsLosslessFile(path),
	}

	tags, err := tag.ReadFrom(file)
	if err != nil {
		metrics.ExtractionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to read tags: %w", err)
	}

	meta.Title = tags.Title()
	meta.Artist = tags.Artist()
	meta.Album = tags.Album()
	meta.AlbumArtist = tags.AlbumArtist()
	meta.Genre = tags.Genre()
	meta.Year = tags.Year()
	meta.TagFormat = string(tags.Format())

	trackNum, trackTotal := tags.Track()
	meta.TrackNumber = trackNum
	meta.TrackTotal = trackTotal

	discNum, _ := tags.Disc()
	meta.DiscNumber = discNum

	metrics.ExtractionsTotal.WithLabelValues("ok").Inc()
	return meta, nil
}

// ReadBatch extracts metadata for all paths. The returned slice is
// index-aligned with the input: results[i] always describes paths[i].
// A failed file sets Err on its own slot and nothing else; a cancelled
// context fails the slots not yet started.
func (e *Extractor) ReadBatch(ctx context.Context, paths []string, opts BatchOptions) []Result {
	results := make([]Result, len(paths))

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = e.maxConcurrent
	}

	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for i, path := range paths {
		results[i].Path = path

		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}

		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return
			}

			meta, err := readFile(e, path)
			results[i].Metadata = meta
			results[i].Err = err
		}(i, path)
	}

	wg.Wait()
	return results
}

// ClassifyPath returns the encoding class of one path by extension.
func ClassifyPath(path string) Format {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case utils.LosslessExtensions[ext]:
		return FormatLossless
	case utils.AudioExtensions[ext]:
		return FormatLossy
	default:
		return FormatUnknown
	}
}

// Classification partitions paths by encoding class.
type Classification struct {
	Lossless []string
	Lossy    []string
	Unknown  []string
}

// Classify buckets paths into lossless, lossy, and unknown by
// extension. Input order is preserved within each bucket.
func Classify(paths []string) Classification {
	var c Classification
	for _, path := range paths {
		switch ClassifyPath(path) {
		case FormatLossless:
			c.Lossless = append(c.Lossless, path)
		case FormatLossy:
			c.Lossy = append(c.Lossy, path)
		default:
			c.Unknown = append(c.Unknown, path)
		}
	}
	return c
}

// Package utils provides file system helpers shared across the scanner
// and analysis pipeline: audio type detection, content hashing, and the
// size/duration formatting used in reports.
package utils

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// AudioExtensions contains the default set of supported audio file
// extensions, covering the common lossy and lossless formats.
var AudioExtensions = map[string]bool{
	".mp3":  true,
	".flac": true,
	".wav":  true,
	".aac":  true,
	".m4a":  true,
	".ogg":  true,
	".opus": true,
	".wma":  true,
	".aiff": true,
	".aif":  true,
	".alac": true,
	".ape":  true,
}

// LosslessExtensions identifies formats that preserve the full audio
// signal. Audio extensions outside this set are treated as lossy.
var LosslessExtensions = map[string]bool{
	".flac": true,
	".wav":  true,
	".aiff": true,
	".aif":  true,
	".alac": true,
	".ape":  true,
}

// SampledHashThreshold is the file size above which content hashing
// switches from a full read to strategic sampling.
const SampledHashThreshold = 10 * 1024 * 1024

// IsAudioFile checks if a file has a supported audio extension.
func IsAudioFile(path string) bool {
	return AudioExtensions[strings.ToLower(filepath.Ext(path))]
}

// IsLosslessFile checks if a file uses a lossless audio format.
func IsLosslessFile(path string) bool {
	return LosslessExtensions[strings.ToLower(filepath.Ext(path))]
}

// NormalizeExtensions converts a caller-supplied extension list into a
// lookup set. Entries are lowercased and get a leading dot when missing,
// so "MP3" and ".mp3" select the same files.
func NormalizeExtensions(extensions []string) map[string]bool {
	if len(extensions) == 0 {
		return nil
	}
	set := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = true
	}
	return set
}

// CalculateFileHash calculates the SHA1 hash of a file's full contents.
func CalculateFileHash(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha1.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// CalculateFileHashSampled calculates a hash by sampling parts of large
// files. Much faster than a full read while still providing good
// uniqueness for change detection.
func CalculateFileHashSampled(path string, fileSize int64) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()

	// 1MB chunks from the head, middle, and tail
	sampleSize := int64(1024 * 1024)

	// Hash the size first so same-prefix files of different lengths differ
	fmt.Fprintf(hasher, "size:%d", fileSize)

	buffer := make([]byte, sampleSize)
	n, err := file.Read(buffer)
	if err != nil && err != io.EOF {
		return "", err
	}
	hasher.Write(buffer[:n])

	if fileSize > sampleSize*3 {
		middleOffset := (fileSize / 2) - (sampleSize / 2)
		if _, err := file.Seek(middleOffset, io.SeekStart); err != nil {
			return "", err
		}
		n, err = file.Read(buffer)
		if err != nil && err != io.EOF {
			return "", err
		}
		hasher.Write(buffer[:n])
	}

	if fileSize > sampleSize*2 {
		lastOffset := fileSize - sampleSize
		if lastOffset < 0 {
			lastOffset = 0
		}
		if _, err := file.Seek(lastOffset, io.SeekStart); err != nil {
			return "", err
		}
		n, err = file.Read(buffer)
		if err != nil && err != io.EOF {
			return "", err
		}
		hasher.Write(buffer[:n])
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// CalculateFileHashAuto picks the hash strategy by file size: full SHA1
// below SampledHashThreshold, sampled SHA256 above it.
func CalculateFileHashAuto(path string, fileSize int64) (string, error) {
	if fileSize > SampledHashThreshold {
		return CalculateFileHashSampled(path, fileSize)
	}
	return CalculateFileHash(path)
}

// FormatSize renders a byte count using binary (1024) multiples.
func FormatSize(bytes int64) string {
	const unit = 1024.0
	switch {
	case bytes >= 1024*1024*1024:
		return trimFloat(float64(bytes)/(unit*unit*unit)) + " GB"
	case bytes >= 1024*1024:
		return trimFloat(float64(bytes)/(unit*unit)) + " MB"
	case bytes >= 1024:
		return trimFloat(float64(bytes)/unit) + " KB"
	default:
		return fmt.Sprintf("%d Bytes", bytes)
	}
}

// FormatDuration renders a duration as ms below one second, whole
// seconds below one minute, and whole minutes beyond that.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(math.Round(d.Seconds())))
	default:
		return fmt.Sprintf("%dm", int(math.Round(d.Minutes())))
	}
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

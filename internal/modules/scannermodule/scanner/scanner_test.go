package scanner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScanner(t *testing.T) *PathScanner {
	t.Helper()
	return NewPathScanner(Config{
		WorkerCount:    2,
		SmartHash:      true,
		IgnorePatterns: []string{".*", "Thumbs.db"},
	})
}

// writeFile creates a file with parent directories as needed.
func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
}

// buildLibrary lays out a small nested tree and returns the audio file
// paths in walk order.
func buildLibrary(t *testing.T, root string) []string {
	t.Helper()

	// WalkDir visits entries in lexical order, so the root-level
	// four.mp3 lands between the albums and singles directories.
	ordered := []string{
		filepath.Join(root, "albums", "one.mp3"),
		filepath.Join(root, "albums", "two.flac"),
		filepath.Join(root, "four.mp3"),
		filepath.Join(root, "singles", "three.wav"),
	}
	for i, path := range ordered {
		writeFile(t, path, []byte{byte(i), 1, 2, 3})
	}

	// Noise a scan must skip.
	writeFile(t, filepath.Join(root, "albums", "cover.jpg"), []byte("jpg"))
	writeFile(t, filepath.Join(root, "notes.txt"), []byte("text"))
	writeFile(t, filepath.Join(root, ".hidden", "secret.mp3"), []byte("hidden"))

	return ordered
}

func TestScanWalksNestedDirectories(t *testing.T) {
	root := t.TempDir()
	ordered := buildLibrary(t, root)

	s := newTestScanner(t)
	result, err := s.Scan(context.Background(), []string{root}, ScanOptions{})
	require.NoError(t, err)

	require.Equal(t, len(ordered), result.TotalFiles)
	require.Len(t, result.Files, len(ordered))
	assert.Empty(t, result.Errors)

	for i, want := range ordered {
		assert.Equal(t, want, result.Files[i].Path)
		assert.Equal(t, filepath.Base(want), result.Files[i].Name)
		assert.Empty(t, result.Files[i].Hash)
	}

	assert.Equal(t, int64(4*4), result.TotalSizeBytes)
	assert.Greater(t, result.Duration, time.Duration(0))
}

func TestScanSingleMissingRootFails(t *testing.T) {
	s := newTestScanner(t)

	result, err := s.Scan(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}, ScanOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathNotFound))
	assert.Nil(t, result)
}

func TestScanMultiRootRecordsMissingRoot(t *testing.T) {
	good := t.TempDir()
	buildLibrary(t, good)
	missing := filepath.Join(t.TempDir(), "missing")

	s := newTestScanner(t)
	result, err := s.Scan(context.Background(), []string{good, missing}, ScanOptions{})
	require.NoError(t, err)

	assert.Equal(t, 4, result.TotalFiles)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, missing, result.Errors[0].Path)
}

func TestScanFileAsRoot(t *testing.T) {
	root := t.TempDir()
	track := filepath.Join(root, "single.mp3")
	writeFile(t, track, []byte("audio"))
	text := filepath.Join(root, "readme.txt")
	writeFile(t, text, []byte("text"))

	s := newTestScanner(t)

	result, err := s.Scan(context.Background(), []string{track}, ScanOptions{})
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	assert.Equal(t, track, result.Files[0].Path)

	// A file root outside the extension set yields nothing, not an error.
	result, err = s.Scan(context.Background(), []string{text}, ScanOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Files)
}

func TestScanProgressCallbackOrder(t *testing.T) {
	root := t.TempDir()
	ordered := buildLibrary(t, root)

	s := newTestScanner(t)
	var updates []ProgressUpdate
	s.SetProgressCallback(func(update ProgressUpdate) {
		updates = append(updates, update)
	})

	_, err := s.Scan(context.Background(), []string{root}, ScanOptions{})
	require.NoError(t, err)

	require.Len(t, updates, len(ordered))
	for i, update := range updates {
		assert.Equal(t, i+1, update.Current)
		assert.Equal(t, ordered[i], update.Path)
	}
}

func TestScanPanickingCallbackRecovered(t *testing.T) {
	root := t.TempDir()
	ordered := buildLibrary(t, root)

	s := newTestScanner(t)
	s.SetProgressCallback(func(update ProgressUpdate) {
		panic("callback exploded")
	})

	result, err := s.Scan(context.Background(), []string{root}, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, len(ordered), result.TotalFiles)
}

func TestScanIncludeHash(t *testing.T) {
	root := t.TempDir()
	first := filepath.Join(root, "a.mp3")
	second := filepath.Join(root, "b.mp3")
	third := filepath.Join(root, "c.mp3")
	writeFile(t, first, []byte("same content"))
	writeFile(t, second, []byte("same content"))
	writeFile(t, third, []byte("different content"))

	s := newTestScanner(t)
	result, err := s.Scan(context.Background(), []string{root}, ScanOptions{IncludeHash: true})
	require.NoError(t, err)
	require.Len(t, result.Files, 3)

	byPath := make(map[string]string, 3)
	for _, file := range result.Files {
		assert.Len(t, file.Hash, 40, "small files get a full SHA1")
		byPath[file.Path] = file.Hash
	}
	assert.Equal(t, byPath[first], byPath[second])
	assert.NotEqual(t, byPath[first], byPath[third])
}

func TestScanExtensionFilter(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.mp3"), []byte("a"))
	writeFile(t, filepath.Join(root, "KEEP2.MP3"), []byte("b"))
	writeFile(t, filepath.Join(root, "skip.flac"), []byte("c"))

	s := newTestScanner(t)

	// Filter entries work with or without the dot and in any case.
	for _, filter := range [][]string{{".mp3"}, {"mp3"}, {"MP3"}} {
		result, err := s.Scan(context.Background(), []string{root}, ScanOptions{Extensions: filter})
		require.NoError(t, err)
		assert.Equal(t, 2, result.TotalFiles, "filter %v", filter)
	}
}

func TestScanIgnorePatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "visible.mp3"), []byte("a"))
	writeFile(t, filepath.Join(root, ".git", "objects", "buried.mp3"), []byte("b"))
	writeFile(t, filepath.Join(root, ".DS_Store.mp3"), []byte("c"))

	s := newTestScanner(t)
	result, err := s.Scan(context.Background(), []string{root}, ScanOptions{})
	require.NoError(t, err)

	require.Len(t, result.Files, 1)
	assert.Equal(t, filepath.Join(root, "visible.mp3"), result.Files[0].Path)
}

func TestScanUnreadableDirectoryRecorded(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ok.mp3"), []byte("a"))
	locked := filepath.Join(root, "locked")
	writeFile(t, filepath.Join(locked, "gone.mp3"), []byte("b"))
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	s := newTestScanner(t)
	result, err := s.Scan(context.Background(), []string{root}, ScanOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.TotalFiles)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, locked, result.Errors[0].Path)
}

func TestScanCancelledContext(t *testing.T) {
	root := t.TempDir()
	buildLibrary(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestScanner(t)
	_, err := s.Scan(ctx, []string{root}, ScanOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestQuickCount(t *testing.T) {
	root := t.TempDir()
	ordered := buildLibrary(t, root)

	s := newTestScanner(t)

	count, err := s.QuickCount(context.Background(), []string{root}, nil)
	require.NoError(t, err)
	assert.Equal(t, len(ordered), count)

	count, err = s.QuickCount(context.Background(), []string{root}, []string{"flac"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestQuickCountMissingRoot(t *testing.T) {
	s := newTestScanner(t)

	_, err := s.QuickCount(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathNotFound))

	// With a second healthy root the missing one is skipped.
	good := t.TempDir()
	writeFile(t, filepath.Join(good, "one.mp3"), []byte("a"))
	count, err := s.QuickCount(context.Background(), []string{good, filepath.Join(t.TempDir(), "missing")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAudioFile(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/music/track.mp3", true},
		{"/music/track.FLAC", true},
		{"/music/track.m4a", true},
		{"/music/track.opus", true},
		{"/music/cover.jpg", false},
		{"/music/notes.txt", false},
		{"/music/noext", false},
		{"/music/.mp3", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsAudioFile(tt.path), "path: %s", tt.path)
	}
}

func TestIsLosslessFile(t *testing.T) {
	assert.True(t, IsLosslessFile("/music/a.flac"))
	assert.True(t, IsLosslessFile("/music/a.WAV"))
	assert.True(t, IsLosslessFile("/music/a.aiff"))
	assert.False(t, IsLosslessFile("/music/a.mp3"))
	assert.False(t, IsLosslessFile("/music/a.ogg"))
}

func TestNormalizeExtensions(t *testing.T) {
	set := NormalizeExtensions([]string{"MP3", ".flac", " wav ", ""})

	assert.Len(t, set, 3)
	assert.True(t, set[".mp3"])
	assert.True(t, set[".flac"])
	assert.True(t, set[".wav"])

	assert.Nil(t, NormalizeExtensions(nil))
	assert.Nil(t, NormalizeExtensions([]string{}))
}

func TestCalculateFileHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio payload"), 0644))

	hash1, err := CalculateFileHash(path)
	require.NoError(t, err)
	assert.Len(t, hash1, 40) // sha1 hex

	hash2, err := CalculateFileHash(path)
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2)

	// Different content yields a different hash
	other := filepath.Join(dir, "other.mp3")
	require.NoError(t, os.WriteFile(other, []byte("different payload"), 0644))
	hash3, err := CalculateFileHash(other)
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash3)
}

func TestCalculateFileHashMissingFile(t *testing.T) {
	_, err := CalculateFileHash(filepath.Join(t.TempDir(), "missing.mp3"))
	assert.Error(t, err)
}

func TestCalculateFileHashSampled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.wav")

	// 4MB so head, middle, and tail samples all apply
	data := make([]byte, 4*1024*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0644))

	hash1, err := CalculateFileHashSampled(path, int64(len(data)))
	require.NoError(t, err)
	assert.Len(t, hash1, 64) // sha256 hex

	hash2, err := CalculateFileHashSampled(path, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2)

	// Flipping a byte in the tail changes the sampled hash
	data[len(data)-10] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))
	hash3, err := CalculateFileHashSampled(path, int64(len(data)))
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash3)
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 Bytes"},
		{512, "512 Bytes"},
		{1024, "1 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5 MB"},
		{3 * 1024 * 1024 * 1024, "3 GB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatSize(tt.bytes))
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{time.Second, "1s"},
		{2500 * time.Millisecond, "3s"},
		{59 * time.Second, "59s"},
		{90 * time.Second, "2m"},
		{10 * time.Minute, "10m"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.d))
	}
}

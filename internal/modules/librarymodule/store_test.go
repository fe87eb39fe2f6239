package librarymodule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/cuebase/cuebase/internal/database"
)

// setupTestDB creates an in-memory SQLite database for testing
func setupTestDB(t *testing.T) *gorm.DB {
	dbName := "file:" + t.Name() + "?mode=memory&cache=shared&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dbName), &gorm.Config{})
	require.NoError(t, err, "Failed to open test database")

	err = db.AutoMigrate(&database.Track{})
	require.NoError(t, err)
	return db
}

func testTrack(path, artist string) *database.Track {
	return &database.Track{
		Path:      path,
		Name:      path,
		Extension: ".flac",
		SizeBytes: 1024,
		Artist:    artist,
		Format:    "lossless",
		Lossless:  true,
	}
}

func TestUpsertBatchCreatesAndUpdates(t *testing.T) {
	store := NewTrackStore(setupTestDB(t))

	first := []*database.Track{
		testTrack("/music/a.flac", "Artist A"),
		testTrack("/music/b.flac", "Artist B"),
	}
	created, updated, err := store.UpsertBatch(first)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
	assert.Equal(t, 0, updated)
	assert.NotEmpty(t, first[0].ID)
	assert.NotEmpty(t, first[1].ID)

	// Rescan: one known path with changed size, one new path.
	second := []*database.Track{
		testTrack("/music/a.flac", "Artist A"),
		testTrack("/music/c.flac", "Artist C"),
	}
	second[0].SizeBytes = 2048
	created, updated, err = store.UpsertBatch(second)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, updated)

	// The refreshed row keeps its original identity.
	assert.Equal(t, first[0].ID, second[0].ID)

	track, err := store.GetByPath("/music/a.flac")
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, track.ID)
	assert.Equal(t, int64(2048), track.SizeBytes)
}

func TestUpsertBatchPreservesAnalysisFields(t *testing.T) {
	store := NewTrackStore(setupTestDB(t))

	tracks := []*database.Track{testTrack("/music/a.flac", "Artist A")}
	_, _, err := store.UpsertBatch(tracks)
	require.NoError(t, err)

	bpm := 128.0
	key := "Am"
	camelot := "8A"
	require.NoError(t, store.SaveAnalysis(tracks[0].ID, AnalysisUpdate{
		BPM:        &bpm,
		MusicalKey: &key,
		CamelotKey: &camelot,
	}))

	// Rescan the same path; analysis results must survive.
	_, updated, err := store.UpsertBatch([]*database.Track{testTrack("/music/a.flac", "Artist A")})
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	track, err := store.GetByID(tracks[0].ID)
	require.NoError(t, err)
	require.NotNil(t, track.BPM)
	assert.Equal(t, 128.0, *track.BPM)
	require.NotNil(t, track.MusicalKey)
	assert.Equal(t, "Am", *track.MusicalKey)
	assert.Nil(t, track.Energy)
	assert.False(t, track.Analyzed())
}

func TestGetByIDNotFound(t *testing.T) {
	store := NewTrackStore(setupTestDB(t))

	_, err := store.GetByID("missing-id")
	assert.ErrorIs(t, err, ErrTrackNotFound)
}

func TestSaveAnalysisUnknownTrack(t *testing.T) {
	store := NewTrackStore(setupTestDB(t))

	bpm := 140.0
	err := store.SaveAnalysis("missing-id", AnalysisUpdate{BPM: &bpm})
	assert.ErrorIs(t, err, ErrTrackNotFound)
}

func TestListFilters(t *testing.T) {
	store := NewTrackStore(setupTestDB(t))

	a := testTrack("/music/a.flac", "Artist A")
	b := testTrack("/music/b.mp3", "Artist B")
	b.Extension = ".mp3"
	b.Format = "lossy"
	b.Lossless = false
	c := testTrack("/music/c.flac", "Artist A")
	_, _, err := store.UpsertBatch([]*database.Track{a, b, c})
	require.NoError(t, err)

	bpm := 120.0
	key := "C"
	energy := 0.8
	require.NoError(t, store.SaveAnalysis(a.ID, AnalysisUpdate{BPM: &bpm, MusicalKey: &key, Energy: &energy}))

	tracks, total, err := store.List(TrackFilter{Artist: "Artist A"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, tracks, 2)

	tracks, total, err = store.List(TrackFilter{Format: "lossy"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "/music/b.mp3", tracks[0].Path)

	tracks, total, err = store.List(TrackFilter{NeedsAnalysis: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	for _, track := range tracks {
		assert.NotEqual(t, a.ID, track.ID)
	}

	tracks, total, err = store.List(TrackFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, tracks, 1)
	assert.Equal(t, "/music/b.mp3", tracks[0].Path)
}

func TestTracksNeedingAnalysis(t *testing.T) {
	store := NewTrackStore(setupTestDB(t))

	a := testTrack("/music/a.flac", "Artist A")
	b := testTrack("/music/b.flac", "Artist B")
	_, _, err := store.UpsertBatch([]*database.Track{a, b})
	require.NoError(t, err)

	bpm := 120.0
	key := "C"
	energy := 0.5
	require.NoError(t, store.SaveAnalysis(a.ID, AnalysisUpdate{BPM: &bpm, MusicalKey: &key, Energy: &energy}))

	pending, err := store.TracksNeedingAnalysis(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	// A partially analyzed track still needs analysis.
	require.NoError(t, store.SaveAnalysis(b.ID, AnalysisUpdate{BPM: &bpm}))
	pending, err = store.TracksNeedingAnalysis(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
}

func TestStats(t *testing.T) {
	store := NewTrackStore(setupTestDB(t))

	a := testTrack("/music/a.flac", "Artist A")
	b := testTrack("/music/b.mp3", "Artist B")
	b.Format = "lossy"
	b.Lossless = false
	b.SizeBytes = 512
	_, _, err := store.UpsertBatch([]*database.Track{a, b})
	require.NoError(t, err)

	bpm := 120.0
	key := "C"
	energy := 0.5
	require.NoError(t, store.SaveAnalysis(a.ID, AnalysisUpdate{BPM: &bpm, MusicalKey: &key, Energy: &energy}))

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalTracks)
	assert.Equal(t, int64(1), stats.LosslessTracks)
	assert.Equal(t, int64(1), stats.AnalyzedTracks)
	assert.Equal(t, int64(1), stats.WithBPM)
	assert.Equal(t, int64(1536), stats.TotalSizeBytes)
}

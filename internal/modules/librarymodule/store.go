package librarymodule

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cuebase/cuebase/internal/database"
	"github.com/cuebase/cuebase/internal/metrics"
)

// ErrTrackNotFound is returned when a track lookup misses.
var ErrTrackNotFound = errors.New("track not found")

// TrackStore is the single writer of the track table. The scan
// pipeline feeds it upserts; analysis jobs feed it result updates.
type TrackStore struct {
	db *gorm.DB
}

// NewTrackStore creates a track store on the given database handle.
func NewTrackStore(db *gorm.DB) *TrackStore {
	return &TrackStore{db: db}
}

// upsertColumns are the columns refreshed when a scan sees a known
// path again. Analysis results are deliberately absent so a rescan
// never wipes computed BPM/key/energy.
var upsertColumns = []string{
	"name", "extension", "size_bytes", "hash",
	"title", "artist", "album", "genre", "year", "track_number",
	"format", "lossless", "last_seen", "updated_at",
}

// UpsertBatch inserts new tracks and refreshes known ones, keyed by
// path. IDs are assigned here; callers hand in tracks without IDs.
// Returns how many rows were created versus refreshed.
func (s *TrackStore) UpsertBatch(tracks []*database.Track) (created, updated int, err error) {
	if len(tracks) == 0 {
		return 0, 0, nil
	}

	paths := make([]string, 0, len(tracks))
	for _, t := range tracks {
		paths = append(paths, t.Path)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		var existing []database.Track
		if err := tx.Select("id", "path").
			Where("path IN ?", paths).
			Find(&existing).Error; err != nil {
			return err
		}
		known := make(map[string]string, len(existing))
		for _, t := range existing {
			known[t.Path] = t.ID
		}

		now := time.Now()
		for _, t := range tracks {
			if t.LastSeen.IsZero() {
				t.LastSeen = now
			}
			if id, ok := known[t.Path]; ok {
				// Keep the row's identity stable across rescans.
				t.ID = id
				updated++
			} else {
				t.ID = uuid.New().String()
				created++
			}
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "path"}},
			DoUpdates: clause.AssignmentColumns(upsertColumns),
		}).CreateInBatches(tracks, 100).Error
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to upsert tracks: %w", err)
	}

	s.RefreshGauges()
	return created, updated, nil
}

// GetByID returns one track by its UUID.
func (s *TrackStore) GetByID(id string) (*database.Track, error) {
	var track database.Track
	if err := s.db.First(&track, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTrackNotFound, id)
		}
		return nil, err
	}
	return &track, nil
}

// GetByPath returns one track by its filesystem path.
func (s *TrackStore) GetByPath(path string) (*database.Track, error) {
	var track database.Track
	if err := s.db.First(&track, "path = ?", path).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTrackNotFound, path)
		}
		return nil, err
	}
	return &track, nil
}

// TrackFilter narrows List results. Zero values match everything.
type TrackFilter struct {
	Artist        string
	Album         string
	Genre         string
	Format        string
	NeedsAnalysis bool
	Limit         int
	Offset        int
}

// List returns tracks matching the filter, path-ordered, plus the
// total match count before limit/offset.
func (s *TrackStore) List(filter TrackFilter) ([]database.Track, int64, error) {
	query := s.db.Model(&database.Track{})

	if filter.Artist != "" {
		query = query.Where("artist = ?", filter.Artist)
	}
	if filter.Album != "" {
		query = query.Where("album = ?", filter.Album)
	}
	if filter.Genre != "" {
		query = query.Where("genre = ?", filter.Genre)
	}
	if filter.Format != "" {
		query = query.Where("format = ?", filter.Format)
	}
	if filter.NeedsAnalysis {
		query = query.Where("bpm IS NULL OR musical_key IS NULL OR energy IS NULL")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var tracks []database.Track
	if err := query.Order("path").Find(&tracks).Error; err != nil {
		return nil, 0, err
	}
	return tracks, total, nil
}

// TracksNeedingAnalysis returns tracks missing any analysis field,
// oldest first. limit <= 0 means no limit.
func (s *TrackStore) TracksNeedingAnalysis(limit int) ([]database.Track, error) {
	query := s.db.Where("bpm IS NULL OR musical_key IS NULL OR energy IS NULL").Order("created_at")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var tracks []database.Track
	if err := query.Find(&tracks).Error; err != nil {
		return nil, err
	}
	return tracks, nil
}

// AnalysisUpdate carries analyzer output into the track row. Nil
// fields are left untouched.
type AnalysisUpdate struct {
	BPM             *float64
	MusicalKey      *string
	CamelotKey      *string
	Energy          *float64
	DurationSeconds *float64
}

// SaveAnalysis writes analyzer results onto a track.
func (s *TrackStore) SaveAnalysis(trackID string, update AnalysisUpdate) error {
	fields := map[string]interface{}{}
	if update.BPM != nil {
		fields["bpm"] = *update.BPM
	}
	if update.MusicalKey != nil {
		fields["musical_key"] = *update.MusicalKey
	}
	if update.CamelotKey != nil {
		fields["camelot_key"] = *update.CamelotKey
	}
	if update.Energy != nil {
		fields["energy"] = *update.Energy
	}
	if update.DurationSeconds != nil {
		fields["duration_seconds"] = *update.DurationSeconds
	}
	if len(fields) == 0 {
		return nil
	}

	result := s.db.Model(&database.Track{}).Where("id = ?", trackID).Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
	}

	s.RefreshGauges()
	return nil
}

// LibraryStats summarizes the track table.
type LibraryStats struct {
	TotalTracks    int64 `json:"total_tracks"`
	LosslessTracks int64 `json:"lossless_tracks"`
	AnalyzedTracks int64 `json:"analyzed_tracks"`
	WithBPM        int64 `json:"with_bpm"`
	WithKey        int64 `json:"with_key"`
	WithEnergy     int64 `json:"with_energy"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
}

// Stats computes library-wide counts.
func (s *TrackStore) Stats() (*LibraryStats, error) {
	stats := &LibraryStats{}
	model := func() *gorm.DB { return s.db.Model(&database.Track{}) }

	if err := model().Count(&stats.TotalTracks).Error; err != nil {
		return nil, err
	}
	if err := model().Where("lossless = ?", true).Count(&stats.LosslessTracks).Error; err != nil {
		return nil, err
	}
	if err := model().Where("bpm IS NOT NULL AND musical_key IS NOT NULL AND energy IS NOT NULL").Count(&stats.AnalyzedTracks).Error; err != nil {
		return nil, err
	}
	if err := model().Where("bpm IS NOT NULL").Count(&stats.WithBPM).Error; err != nil {
		return nil, err
	}
	if err := model().Where("musical_key IS NOT NULL").Count(&stats.WithKey).Error; err != nil {
		return nil, err
	}
	if err := model().Where("energy IS NOT NULL").Count(&stats.WithEnergy).Error; err != nil {
		return nil, err
	}

	var size *int64
	if err := model().Select("SUM(size_bytes)").Scan(&size).Error; err != nil {
		return nil, err
	}
	if size != nil {
		stats.TotalSizeBytes = *size
	}
	return stats, nil
}

// RefreshGauges pushes current library counts to the metrics registry.
// Failures are ignored; gauges are advisory.
func (s *TrackStore) RefreshGauges() {
	stats, err := s.Stats()
	if err != nil {
		return
	}
	metrics.TracksTotal.Set(float64(stats.TotalTracks))
	metrics.TracksAnalyzed.WithLabelValues("bpm").Set(float64(stats.WithBPM))
	metrics.TracksAnalyzed.WithLabelValues("key").Set(float64(stats.WithKey))
	metrics.TracksAnalyzed.WithLabelValues("energy").Set(float64(stats.WithEnergy))
}

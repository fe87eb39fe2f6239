package pipelinemodule

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuebase/cuebase/internal/database"
)

func newTestRouter(t *testing.T) (*gin.Engine, *pipelineFixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := newTestCoordinator(t)
	m := &Module{eventBus: f.bus, registry: f.registry, coordinator: f.coordinator}

	router := gin.New()
	m.RegisterRoutes(router)
	return router, f
}

func performJSON(t *testing.T, router *gin.Engine, method, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, url, reader)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestScanRoute(t *testing.T) {
	router, _ := newTestRouter(t)
	dir := t.TempDir()

	w := performJSON(t, router, http.MethodPost, "/api/pipeline/scan", gin.H{"paths": []string{dir}})
	require.Equal(t, http.StatusAccepted, w.Code)

	var job database.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, database.JobKindScan, job.Kind)
	assert.Equal(t, database.JobStatusQueued, job.Status)

	// The same root set is already in flight.
	w = performJSON(t, router, http.MethodPost, "/api/pipeline/scan", gin.H{"paths": []string{dir}})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = performJSON(t, router, http.MethodPost, "/api/pipeline/scan", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalyzeRoute(t *testing.T) {
	router, f := newTestRouter(t)
	track := seedTrack(t, f, "/music/route.mp3")

	w := performJSON(t, router, http.MethodPost, "/api/pipeline/analyze", gin.H{"track_id": track.ID, "analyzer": "bpm"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var job database.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, database.JobKindAnalyzeBPM, job.Kind)

	w = performJSON(t, router, http.MethodPost, "/api/pipeline/analyze", gin.H{"track_id": track.ID, "analyzer": "bpm"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = performJSON(t, router, http.MethodPost, "/api/pipeline/analyze", gin.H{"track_id": track.ID, "analyzer": "vibes"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = performJSON(t, router, http.MethodPost, "/api/pipeline/analyze", gin.H{"track_id": "no-such-track", "analyzer": "key"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = performJSON(t, router, http.MethodPost, "/api/pipeline/analyze", gin.H{"analyzer": "key"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// No analyzer means the combined job.
	w = performJSON(t, router, http.MethodPost, "/api/pipeline/analyze", gin.H{"track_id": track.ID})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, database.JobKindAnalyzeAll, job.Kind)
}

func TestAnalyzeAllRoute(t *testing.T) {
	router, f := newTestRouter(t)
	seedTrack(t, f, "/music/all-1.mp3")
	seedTrack(t, f, "/music/all-2.mp3")

	w := performJSON(t, router, http.MethodPost, "/api/pipeline/analyze-all", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Count int            `json:"count"`
		Jobs  []database.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 6, resp.Count)
	assert.Len(t, resp.Jobs, 6)

	w = performJSON(t, router, http.MethodPost, "/api/pipeline/analyze-all", gin.H{"track_id": "no-such-track"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAnalyzersRoute(t *testing.T) {
	router, _ := newTestRouter(t)

	w := performJSON(t, router, http.MethodGet, "/api/pipeline/analyzers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Analyzers []Analyzer `json:"analyzers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Analyzers, 3)
	assert.Equal(t, "bpm", resp.Analyzers[0].ID)
	assert.Equal(t, "energy", resp.Analyzers[1].ID)
	assert.Equal(t, "key", resp.Analyzers[2].ID)
}

package pipelinemodule

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuebase/cuebase/internal/modules/jobmodule"
	"github.com/cuebase/cuebase/internal/modules/librarymodule"
)

// RegisterRoutes registers HTTP routes
func (m *Module) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/pipeline")
	{
		api.POST("/scan", m.startScan)
		api.POST("/analyze", m.startAnalysis)
		api.POST("/analyze-all", m.startAnalyzeAll)
		api.GET("/analyzers", m.listAnalyzers)
	}
}

type scanRequest struct {
	Paths []string `json:"paths" binding:"required"`
}

// startScan queues a library scan. A scan already queued or running
// for the same roots answers 409.
func (m *Module) startScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	job, err := m.coordinator.ScanLibrary(req.Paths)
	if err != nil {
		switch {
		case errors.Is(err, jobmodule.ErrDuplicateJob):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, jobmodule.ErrStoreClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, job)
}

type analyzeRequest struct {
	TrackID  string `json:"track_id" binding:"required"`
	Analyzer string `json:"analyzer"`
}

// startAnalysis queues one analysis job for a track. An empty analyzer
// selects the combined job covering every missing field.
func (m *Module) startAnalysis(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if req.Analyzer == "" {
		req.Analyzer = AnalyzerAll
	}

	job, err := m.coordinator.Analyze(req.TrackID, req.Analyzer)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownAnalyzer):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, librarymodule.ErrTrackNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, jobmodule.ErrDuplicateJob):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, jobmodule.ErrStoreClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, job)
}

type analyzeAllRequest struct {
	TrackID string `json:"track_id"`
}

// startAnalyzeAll queues analysis jobs for every missing field, either
// for one track or for the whole library when no track is given.
func (m *Module) startAnalyzeAll(c *gin.Context) {
	var req analyzeAllRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
			return
		}
	}

	jobs, err := m.coordinator.AnalyzeAll(req.TrackID)
	if err != nil {
		switch {
		case errors.Is(err, librarymodule.ErrTrackNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (m *Module) listAnalyzers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"analyzers": m.registry.List()})
}

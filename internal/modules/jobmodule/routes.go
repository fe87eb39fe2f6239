package jobmodule

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuebase/cuebase/internal/database"
)

// listJobs returns jobs filtered by optional status and kind query
// parameters, newest first.
func (m *Module) listJobs(c *gin.Context) {
	filter := JobFilter{
		Status: database.JobStatus(c.Query("status")),
		Kind:   database.JobKind(c.Query("kind")),
	}
	if limit := c.Query("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if offset := c.Query("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil && n > 0 {
			filter.Offset = n
		}
	}

	jobs, total, err := m.store.List(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to list jobs: %v", err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
		"total": total,
	})
}

func (m *Module) getJob(c *gin.Context) {
	job, err := m.store.GetJob(c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to load job: %v", err)})
		return
	}
	c.JSON(http.StatusOK, job)
}

// requeueJob returns a failed job to the queue.
func (m *Module) requeueJob(c *gin.Context) {
	job, err := m.store.Requeue(c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, ErrDuplicateJob):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to requeue job: %v", err)})
		}
		return
	}
	c.JSON(http.StatusOK, job)
}

func (m *Module) getStats(c *gin.Context) {
	stats, err := m.store.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to load job stats: %v", err)})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type cleanupRequest struct {
	OlderThanHours int `json:"older_than_hours"`
}

// cleanupJobs deletes terminal jobs older than the requested age
// (default 30 days).
func (m *Module) cleanupJobs(c *gin.Context) {
	req := cleanupRequest{OlderThanHours: 24 * 30}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
			return
		}
	}
	if req.OlderThanHours < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "older_than_hours must not be negative"})
		return
	}

	removed, err := m.store.CleanupFinished(time.Duration(req.OlderThanHours) * time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to clean up jobs: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

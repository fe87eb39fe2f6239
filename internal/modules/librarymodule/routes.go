package librarymodule

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// listTracks returns tracks matching the query filters
func (m *Module) listTracks(c *gin.Context) {
	filter := TrackFilter{
		Artist: c.Query("artist"),
		Album:  c.Query("album"),
		Genre:  c.Query("genre"),
		Format: c.Query("format"),
	}
	filter.NeedsAnalysis = c.Query("needs_analysis") == "true"

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
	if filter.Limit == 0 {
		filter.Limit = 100
	}

	tracks, total, err := m.store.List(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list tracks: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tracks": tracks,
		"count":  len(tracks),
		"total":  total,
	})
}

// getTrack returns a single track by ID
func (m *Module) getTrack(c *gin.Context) {
	track, err := m.store.GetByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTrackNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Track not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get track: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"track": track,
	})
}

// getStats returns library-wide statistics
func (m *Module) getStats(c *gin.Context) {
	stats, err := m.store.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to compute stats: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats": stats,
	})
}

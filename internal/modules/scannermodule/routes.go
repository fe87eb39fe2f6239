package scannermodule

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/cuebase/cuebase/internal/modules/scannermodule/scanner"
	"github.com/cuebase/cuebase/internal/utils"
)

type countRequest struct {
	Paths      []string `json:"paths" binding:"required"`
	Extensions []string `json:"extensions"`
}

// countFiles walks the requested paths and reports how many files a
// scan would pick up, without any hash or metadata work.
func (m *Module) countFiles(c *gin.Context) {
	var req countRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	count, err := m.scanner.QuickCount(c.Request.Context(), req.Paths, req.Extensions)
	if err != nil {
		if errors.Is(err, scanner.ErrPathNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to count files: %v", err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count": count,
		"paths": req.Paths,
	})
}

// getFormats lists the supported audio extensions and the lossless
// subset.
func (m *Module) getFormats(c *gin.Context) {
	audio := make([]string, 0, len(utils.AudioExtensions))
	for ext := range utils.AudioExtensions {
		audio = append(audio, ext)
	}
	sort.Strings(audio)

	lossless := make([]string, 0, len(utils.LosslessExtensions))
	for ext := range utils.LosslessExtensions {
		lossless = append(lossless, ext)
	}
	sort.Strings(lossless)

	c.JSON(http.StatusOK, gin.H{
		"audio":    audio,
		"lossless": lossless,
	})
}

// getStatus reports watcher and load monitor state.
func (m *Module) getStatus(c *gin.Context) {
	status := gin.H{
		"watch_enabled":    m.watcher != nil,
		"throttle_enabled": m.monitor != nil,
	}

	if m.watcher != nil {
		watched := m.watcher.WatchedRoots()
		roots := make([]string, 0, len(watched))
		for root := range watched {
			roots = append(roots, root)
		}
		sort.Strings(roots)
		status["watched_roots"] = roots
	}

	if m.monitor != nil {
		status["load"] = m.monitor.Metrics()
		status["overloaded"] = m.monitor.Overloaded()
	}

	c.JSON(http.StatusOK, status)
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuebase/cuebase/internal/database"
	"github.com/cuebase/cuebase/internal/events"
	"github.com/cuebase/cuebase/internal/logger"
	"github.com/cuebase/cuebase/internal/modules/modulemanager"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func registerRoutes(r *gin.Engine) {
	r.GET("/health", healthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/events/recent", recentEvents)
		api.GET("/events/stream", streamEvents)
	}

	// Module-owned routes: library, jobs, scanner, pipeline.
	modulemanager.RegisterRoutes(r)
}

func healthCheck(c *gin.Context) {
	checks := gin.H{}
	healthy := true

	if db := database.GetDB(); db == nil {
		checks["database"] = "not initialized"
		healthy = false
	} else if sqlDB, err := db.DB(); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else if err := sqlDB.Ping(); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if systemEventBus == nil {
		checks["events"] = "not initialized"
		healthy = false
	} else if err := systemEventBus.Health(); err != nil {
		checks["events"] = err.Error()
		healthy = false
	} else {
		checks["events"] = "ok"
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}

	c.JSON(status, gin.H{
		"status":    state,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

func recentEvents(c *gin.Context) {
	if systemEventBus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus is not running"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	list := systemEventBus.GetRecentEvents(limit)
	if filter := typeFilter(c.Query("types")); len(filter.Types) > 0 {
		list = events.FilterEvents(list, filter)
	}

	c.JSON(http.StatusOK, gin.H{
		"events": list,
		"count":  len(list),
	})
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamEvents pushes live bus events over a websocket. Clients may narrow
// the stream with a comma-separated "types" query parameter.
func streamEvents(c *gin.Context) {
	if systemEventBus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus is not running"})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("failed to upgrade connection: %v", err)})
		return
	}
	defer conn.Close()

	queue := make(chan events.Event, 64)
	sub, err := systemEventBus.Subscribe(c.Request.Context(), typeFilter(c.Query("types")), func(event events.Event) error {
		select {
		case queue <- event:
		default:
			// A slow client loses events rather than stalling the bus.
		}
		return nil
	})
	if err != nil {
		logger.Warn("Failed to subscribe event stream: %v", err)
		return
	}
	defer func() {
		if err := systemEventBus.Unsubscribe(sub.ID); err != nil {
			logger.Debug("Failed to remove stream subscription %s: %v", sub.ID, err)
		}
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event := <-queue:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func typeFilter(raw string) events.EventFilter {
	var filter events.EventFilter
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			filter.Types = append(filter.Types, events.EventType(part))
		}
	}
	return filter
}

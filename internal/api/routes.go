package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fundarb/harvester/internal/stats"
)

// HealthChecker is the probe surface of a backing store.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CycleStatus exposes the most recent harvest cycle.
type CycleStatus interface {
	LastCycle() (time.Time, string)
}

// SetupRoutes wires the operational endpoints. The harvester has no
// interactive surface; these are read-only views for operators. A nil
// redis checker reports as disabled rather than degraded.
func SetupRoutes(router *gin.Engine, db HealthChecker, redis HealthChecker, collector *stats.Collector, orch CycleStatus) {
	router.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		health := gin.H{"status": "ok"}

		if err := db.HealthCheck(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			health["status"] = "degraded"
			health["database"] = err.Error()
		} else {
			health["database"] = "ok"
		}

		if redis != nil {
			if err := redis.HealthCheck(c.Request.Context()); err != nil {
				health["redis"] = err.Error()
			} else {
				health["redis"] = "ok"
			}
		} else {
			health["redis"] = "disabled"
		}

		if lastCycle, runID := orch.LastCycle(); !lastCycle.IsZero() {
			health["last_cycle"] = lastCycle.Format(time.RFC3339)
			health["last_run_id"] = runID
		}

		c.JSON(status, health)
	})

	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"summary": collector.Summarize(),
			"tasks":   collector.Snapshot(),
		})
	})
}

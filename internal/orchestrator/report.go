package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fundarb/harvester/internal/database"
	"github.com/fundarb/harvester/internal/stats"
)

// reportTTL bounds how long per-run snapshots linger in redis.
const reportTTL = 24 * time.Hour

// CycleReport is the REPORT-phase summary of one harvest cycle.
type CycleReport struct {
	RunID     string           `json:"run_id"`
	StartedAt time.Time        `json:"started_at"`
	Duration  string           `json:"duration"`
	Planned   int              `json:"planned"`
	Stats     stats.Summary    `json:"stats"`
	RowCounts map[string]int64 `json:"row_counts"`
}

// Reporter publishes cycle reports into redis so external dashboards can
// read harvest health without touching Postgres. A nil redis client
// disables publishing; failures only warn.
type Reporter struct {
	redis  *database.RedisClient
	logger *logrus.Logger
}

func NewReporter(redis *database.RedisClient, logger *logrus.Logger) *Reporter {
	return &Reporter{redis: redis, logger: logger}
}

func (r *Reporter) Publish(ctx context.Context, report CycleReport) {
	r.logger.WithFields(logrus.Fields{
		"run_id":    report.RunID,
		"planned":   report.Planned,
		"succeeded": report.Stats.Succeeded,
		"failed":    report.Stats.Failed,
		"skipped":   report.Stats.Skipped,
		"duration":  report.Duration,
	}).Info("Harvest cycle completed")

	if r.redis == nil {
		return
	}

	payload, err := json.Marshal(report)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to marshal cycle report")
		return
	}

	if err := r.redis.Set(ctx, "harvester:report:"+report.RunID, payload, reportTTL); err != nil {
		r.logger.WithError(err).Warn("Failed to publish cycle report to redis")
		return
	}
	if err := r.redis.Set(ctx, "harvester:report:latest", payload, 0); err != nil {
		r.logger.WithError(err).Warn("Failed to publish latest cycle report to redis")
	}
}

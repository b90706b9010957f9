package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-policy/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskModuleRefresh rebuilds the shared configuration cache of one module, or of every
	// module when no id is given.
	TaskModuleRefresh = "policy:module_refresh"
	// TaskOverridesRefresh invalidates the snapshots of principals whose overrides expired.
	TaskOverridesRefresh = "policy:overrides_refresh"
)

// ModuleRefreshPayload scopes a module refresh.
type ModuleRefreshPayload struct {
	ModuleID string `json:"module_id,omitempty"`
}

// OverridesRefreshPayload carries scheduling metadata.
type OverridesRefreshPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewModuleRefreshTask constructs an Asynq task for a module cache rebuild.
func NewModuleRefreshTask(moduleID string) (*asynq.Task, error) {
	body, err := json.Marshal(ModuleRefreshPayload{ModuleID: strings.TrimSpace(moduleID)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskModuleRefresh, body, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// NewOverridesRefreshTask constructs an Asynq task for the override expiry sweep.
func NewOverridesRefreshTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(OverridesRefreshPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOverridesRefresh, body, asynq.Queue(QueueDefault)), nil
}

// ModuleCache rebuilds shared module configuration.
type ModuleCache interface {
	RebuildShared(ctx context.Context, moduleID string) error
	Invalidate(ctx context.Context, moduleID string)
	ModuleIDs(ctx context.Context) ([]string, error)
}

// OverrideSweeper invalidates snapshots holding overrides that expired since the last sweep.
type OverrideSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// ModuleRefreshJob handles TaskModuleRefresh.
type ModuleRefreshJob struct {
	Modules ModuleCache
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewModuleRefreshJob constructs the job handler.
func NewModuleRefreshJob(modules ModuleCache, logger *slog.Logger, metrics *jobmetrics.Metrics) *ModuleRefreshJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModuleRefreshJob{Modules: modules, Logger: logger, Metrics: metrics}
}

// Handle executes the module refresh job.
func (j *ModuleRefreshJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Modules == nil {
		return errors.New("jobs: module refresh not configured")
	}
	var payload ModuleRefreshPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.Metrics.Track(TaskModuleRefresh)

	ids := []string{payload.ModuleID}
	if payload.ModuleID == "" {
		all, err := j.Modules.ModuleIDs(ctx)
		if err != nil {
			return tracker.End(err)
		}
		ids = all
	}
	var failed error
	refreshed := 0
	for _, id := range ids {
		if err := j.Modules.RebuildShared(ctx, id); err != nil {
			j.Logger.Error("module refresh failed", slog.String("module", id), slog.Any("error", err))
			failed = errors.Join(failed, err)
			continue
		}
		j.Modules.Invalidate(ctx, id)
		refreshed++
	}
	j.Metrics.AddInvalidations("modules", refreshed)
	j.Logger.Info("module refresh complete", slog.Int("modules", refreshed))
	return tracker.End(failed)
}

// OverridesRefreshJob handles TaskOverridesRefresh.
type OverridesRefreshJob struct {
	Overrides OverrideSweeper
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewOverridesRefreshJob constructs the job handler.
func NewOverridesRefreshJob(overrides OverrideSweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverridesRefreshJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &OverridesRefreshJob{Overrides: overrides, Logger: logger, Metrics: metrics}
}

// Handle executes the override expiry sweep.
func (j *OverridesRefreshJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Overrides == nil {
		return errors.New("jobs: overrides refresh not configured")
	}
	tracker := j.Metrics.Track(TaskOverridesRefresh)
	n, err := j.Overrides.SweepExpired(ctx)
	if err != nil {
		return tracker.End(err)
	}
	j.Metrics.AddInvalidations("overrides", n)
	j.Logger.Info("expired overrides swept", slog.Int("principals", n))
	return tracker.End(nil)
}

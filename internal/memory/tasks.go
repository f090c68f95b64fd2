package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/cache"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/store"
)

// ErrInvalidWorkflow is returned for an empty workflow id.
var ErrInvalidWorkflow = errors.New("memory: invalid workflow id")

// TaskContexts keeps the live execution state of workflows. Each save
// supersedes the previous one.
type TaskContexts struct {
	store  store.TaskStore
	cache  *cache.Facade
	ttl    cache.TTL
	logger *zap.Logger
}

// NewTaskContexts creates the task context store.
func NewTaskContexts(s store.TaskStore, c *cache.Facade, ttl cache.TTL, logger *zap.Logger) *TaskContexts {
	if ttl.Local == 0 {
		ttl.Local = 5 * time.Minute
	}
	if ttl.Distributed == 0 {
		ttl.Distributed = 2 * time.Hour
	}
	return &TaskContexts{store: s, cache: c, ttl: ttl, logger: logger}
}

func taskKey(workflowID string) string { return "task:" + workflowID }

// Save writes t durably and overwrites the cached copy.
func (t *TaskContexts) Save(ctx context.Context, tc model.TaskExecutionContext) (model.TaskExecutionContext, error) {
	if tc.WorkflowID == "" {
		return tc, ErrInvalidWorkflow
	}
	tc.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	if err := t.store.SaveTask(ctx, tc); err != nil {
		return tc, fmt.Errorf("save task %s: %w", tc.WorkflowID, err)
	}
	if err := cache.Set(ctx, t.cache, taskKey(tc.WorkflowID), tc, t.ttl); err != nil {
		t.logger.Warn("task cache write failed", zap.String("workflow", tc.WorkflowID), zap.Error(err))
		_ = t.cache.Remove(ctx, taskKey(tc.WorkflowID))
	}
	return tc, nil
}

// Load returns the workflow's context, or store.ErrNotFound.
func (t *TaskContexts) Load(ctx context.Context, workflowID string) (model.TaskExecutionContext, error) {
	if workflowID == "" {
		return model.TaskExecutionContext{}, ErrInvalidWorkflow
	}
	return cache.GetOrCreate(ctx, t.cache, taskKey(workflowID), t.ttl,
		func(ctx context.Context) (model.TaskExecutionContext, error) {
			return t.store.GetTask(ctx, workflowID)
		})
}

// Complete removes the workflow's context once it has finished.
func (t *TaskContexts) Complete(ctx context.Context, workflowID string) error {
	if workflowID == "" {
		return ErrInvalidWorkflow
	}
	if err := t.store.DeleteTask(ctx, workflowID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete task %s: %w", workflowID, err)
	}
	return t.cache.Remove(ctx, taskKey(workflowID))
}

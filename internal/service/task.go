// Package service implements the task query engine: owner-scoped CRUD,
// filtering and sorting, and per-owner statistics.
package service

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/hiroki-koketsu/go-task-tracker/internal/model"
	"github.com/hiroki-koketsu/go-task-tracker/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/hiroki-koketsu/go-task-tracker/internal/service")

// StatsCache stores computed statistics per owner. Get reports the owner's
// generation; Set must drop its write if Invalidate has run since.
type StatsCache interface {
	Get(ctx context.Context, ownerID string) (*model.TaskStats, int64, bool, error)
	Set(ctx context.Context, ownerID string, gen int64, stats *model.TaskStats) error
	Invalidate(ctx context.Context, ownerID string) error
}

// OperationRecorder counts engine operations by outcome.
type OperationRecorder interface {
	RecordOperation(ctx context.Context, op string, err error)
}

// TaskService is the task query engine. Every operation is scoped to the
// owner id it is given.
type TaskService struct {
	store    repository.Store
	logger   *slog.Logger
	cache    StatsCache
	recorder OperationRecorder
	now      func() time.Time
	loc      *time.Location
}

// Option configures a TaskService.
type Option func(*TaskService)

// WithStatsCache enables caching of GetStats results.
func WithStatsCache(c StatsCache) Option {
	return func(s *TaskService) { s.cache = c }
}

// WithRecorder reports each operation's outcome.
func WithRecorder(r OperationRecorder) Option {
	return func(s *TaskService) { s.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *TaskService) { s.now = now }
}

// WithLocation sets the location whose calendar day bounds "due today".
func WithLocation(loc *time.Location) Option {
	return func(s *TaskService) { s.loc = loc }
}

// NewTaskService creates a new TaskService.
func NewTaskService(store repository.Store, logger *slog.Logger, opts ...Option) *TaskService {
	s := &TaskService{
		store:  store,
		logger: logger,
		now:    time.Now,
		loc:    time.Local,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns the owner's tasks matching filter, in the filter's order.
func (s *TaskService) List(ctx context.Context, ownerID string, filter model.TaskFilter) (tasks []*model.Task, err error) {
	ctx, span := tracer.Start(ctx, "TaskService.List")
	defer span.End()
	defer func() { s.record(ctx, "list", err) }()

	if ownerID == "" {
		return nil, model.ErrOwnerRequired
	}

	filter = filter.Normalize()
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("task.filter.status", string(filter.Status)),
		attribute.String("task.filter.priority", string(filter.Priority)),
		attribute.Bool("task.filter.search", filter.Search != ""),
		attribute.String("task.sort_by", string(filter.SortBy)),
		attribute.String("task.sort_order", string(filter.SortOrder)),
	)

	pred := repository.TaskPredicate{
		OwnerID:  ownerID,
		Status:   filter.Status,
		Priority: filter.Priority,
		Search:   filter.Search,
	}
	tasks, err = s.store.FindMany(ctx, pred, repository.OrderBy{Field: filter.SortBy, Order: filter.SortOrder})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("task.count", len(tasks)))
	return tasks, nil
}

// GetByID returns the task if it exists and belongs to ownerID. A task owned
// by someone else is reported exactly like a missing one.
func (s *TaskService) GetByID(ctx context.Context, ownerID, id string) (task *model.Task, err error) {
	ctx, span := tracer.Start(ctx, "TaskService.GetByID",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()
	defer func() { s.record(ctx, "get", err) }()

	return s.owned(ctx, ownerID, id)
}

// Create adds a task owned by ownerID. New tasks always start as TODO.
// Create is not idempotent; a retried call may produce a duplicate.
func (s *TaskService) Create(ctx context.Context, ownerID string, req *model.CreateTaskRequest) (task *model.Task, err error) {
	ctx, span := tracer.Start(ctx, "TaskService.Create")
	defer span.End()
	defer func() { s.record(ctx, "create", err) }()

	if ownerID == "" {
		return nil, model.ErrOwnerRequired
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}

	now := s.now()
	task = &model.Task{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    priority,
		Status:      model.StatusTodo,
		DueDate:     req.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	created, err := s.store.Insert(ctx, task)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("task.id", created.ID))
	s.invalidate(ctx, ownerID)
	return created, nil
}

// Update applies the fields present in req to an owned task.
func (s *TaskService) Update(ctx context.Context, ownerID, id string, req *model.UpdateTaskRequest) (task *model.Task, err error) {
	ctx, span := tracer.Start(ctx, "TaskService.Update",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()
	defer func() { s.record(ctx, "update", err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	task, err = s.store.UpdateFields(ctx, id, repository.TaskChanges{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		Status:      req.Status,
		DueDate:     req.DueDate,
		UpdatedAt:   s.touch(existing),
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, ownerID)
	return task, nil
}

// ToggleStatus flips an owned task between done and not done: DONE becomes
// TODO, anything else becomes DONE.
func (s *TaskService) ToggleStatus(ctx context.Context, ownerID, id string) (task *model.Task, err error) {
	ctx, span := tracer.Start(ctx, "TaskService.ToggleStatus",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()
	defer func() { s.record(ctx, "toggle", err) }()

	existing, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	next := existing.Status.Toggled()
	span.SetAttributes(
		attribute.String("task.status.from", string(existing.Status)),
		attribute.String("task.status.to", string(next)),
	)

	task, err = s.store.UpdateFields(ctx, id, repository.TaskChanges{
		Status:    model.Some(next),
		UpdatedAt: s.touch(existing),
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, ownerID)
	return task, nil
}

// Delete permanently removes an owned task. Deleting a missing or foreign
// task returns model.ErrTaskNotFound.
func (s *TaskService) Delete(ctx context.Context, ownerID, id string) (err error) {
	ctx, span := tracer.Start(ctx, "TaskService.Delete",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()
	defer func() { s.record(ctx, "delete", err) }()

	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.store.DeleteByID(ctx, id); err != nil {
		return err
	}

	s.invalidate(ctx, ownerID)
	return nil
}

// Stats computes the owner's aggregate statistics, ignoring any filter.
//
// The five counts are separate store queries with no snapshot isolation, so
// a concurrent write can leave them mutually inconsistent. Such a result is
// still returned but never cached: mutations invalidate after writing, and
// the cache drops a Set whose generation was read before that invalidation.
func (s *TaskService) Stats(ctx context.Context, ownerID string) (stats *model.TaskStats, err error) {
	ctx, span := tracer.Start(ctx, "TaskService.Stats")
	defer span.End()
	defer func() { s.record(ctx, "stats", err) }()

	if ownerID == "" {
		return nil, model.ErrOwnerRequired
	}

	var gen int64
	cacheable := false
	if s.cache != nil {
		cached, g, ok, err := s.cache.Get(ctx, ownerID)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "stats cache read failed", slog.Any("error", err))
		case ok:
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return cached, nil
		default:
			gen, cacheable = g, true
		}
	}

	now := s.now()
	startOfDay, endOfDay := dayBounds(now, s.loc)

	stats = &model.TaskStats{}
	queries := []struct {
		dst  *int64
		pred repository.TaskPredicate
	}{
		{&stats.TotalTasks, repository.TaskPredicate{OwnerID: ownerID}},
		{&stats.CompletedTasks, repository.TaskPredicate{OwnerID: ownerID, Status: model.StatusDone}},
		{&stats.InProgressTasks, repository.TaskPredicate{OwnerID: ownerID, Status: model.StatusInProgress}},
		{&stats.OverdueTasks, repository.TaskPredicate{OwnerID: ownerID, DueBefore: &now, StatusNot: model.StatusDone}},
		{&stats.TodayTasks, repository.TaskPredicate{OwnerID: ownerID, DueFrom: &startOfDay, DueTo: &endOfDay, StatusNot: model.StatusDone}},
	}

	for _, q := range queries {
		n, err := s.store.Count(ctx, q.pred)
		if err != nil {
			return nil, err
		}
		*q.dst = n
	}
	stats.CompletionRate = completionRate(stats.CompletedTasks, stats.TotalTasks)

	if cacheable {
		if err := s.cache.Set(ctx, ownerID, gen, stats); err != nil {
			s.logger.WarnContext(ctx, "stats cache write failed", slog.Any("error", err))
		}
	}
	return stats, nil
}

// owned loads a task by id only if it belongs to ownerID.
func (s *TaskService) owned(ctx context.Context, ownerID, id string) (*model.Task, error) {
	if ownerID == "" {
		return nil, model.ErrOwnerRequired
	}
	if id == "" {
		return nil, model.ErrTaskNotFound
	}

	task, err := s.store.FindOne(ctx, repository.TaskPredicate{ID: id, OwnerID: ownerID})
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, model.ErrTaskNotFound
	}
	return task, nil
}

// touch returns the new updatedAt for t, never earlier than its creation.
func (s *TaskService) touch(t *model.Task) time.Time {
	now := s.now()
	if now.Before(t.CreatedAt) {
		return t.CreatedAt
	}
	return now
}

func (s *TaskService) invalidate(ctx context.Context, ownerID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, ownerID); err != nil {
		s.logger.WarnContext(ctx, "stats cache invalidation failed",
			slog.String("owner_id", ownerID),
			slog.Any("error", err),
		)
	}
}

func (s *TaskService) record(ctx context.Context, op string, err error) {
	if s.recorder != nil {
		s.recorder.RecordOperation(ctx, op, err)
	}
	if err != nil && errors.Is(err, model.ErrStoreUnavailable) {
		s.logger.ErrorContext(ctx, "task store unavailable", slog.String("op", op), slog.Any("error", err))
	}
}

// dayBounds returns the first and last millisecond of the calendar day
// containing t in loc.
func dayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1).Add(-time.Millisecond)
	return start, end
}

// completionRate is round(100*completed/total), half away from zero.
func completionRate(completed, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(completed) * 100 / float64(total)))
}

package repository

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/hiroki-koketsu/go-task-tracker/internal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MemoryStore provides an in-memory storage for tasks.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*model.Task
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*model.Task),
	}
}

// FindMany returns copies of the matching tasks in the requested order.
func (s *MemoryStore) FindMany(ctx context.Context, pred TaskPredicate, order OrderBy) ([]*model.Task, error) {
	_, span := tracer.Start(ctx, "MemoryStore.FindMany",
		trace.WithAttributes(attribute.String("task.sort_by", string(order.Field))),
	)
	defer span.End()

	s.mu.RLock()
	tasks := make([]*model.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if pred.matches(task) {
			tasks = append(tasks, task.Clone())
		}
	}
	s.mu.RUnlock()

	sortTasks(tasks, order)

	span.SetAttributes(attribute.Int("task.count", len(tasks)))
	return tasks, nil
}

// FindOne returns the first task matching pred, or nil.
func (s *MemoryStore) FindOne(ctx context.Context, pred TaskPredicate) (*model.Task, error) {
	_, span := tracer.Start(ctx, "MemoryStore.FindOne",
		trace.WithAttributes(attribute.String("task.id", pred.ID)),
	)
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if pred.ID != "" {
		task, ok := s.tasks[pred.ID]
		if !ok || !pred.matches(task) {
			span.SetAttributes(attribute.Bool("task.found", false))
			return nil, nil
		}
		span.SetAttributes(attribute.Bool("task.found", true))
		return task.Clone(), nil
	}

	for _, task := range s.tasks {
		if pred.matches(task) {
			span.SetAttributes(attribute.Bool("task.found", true))
			return task.Clone(), nil
		}
	}
	span.SetAttributes(attribute.Bool("task.found", false))
	return nil, nil
}

// Count returns the number of tasks matching pred.
func (s *MemoryStore) Count(ctx context.Context, pred TaskPredicate) (int64, error) {
	_, span := tracer.Start(ctx, "MemoryStore.Count")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, task := range s.tasks {
		if pred.matches(task) {
			n++
		}
	}
	span.SetAttributes(attribute.Int64("task.count", n))
	return n, nil
}

// Insert stores a copy of task.
func (s *MemoryStore) Insert(ctx context.Context, task *model.Task) (*model.Task, error) {
	_, span := tracer.Start(ctx, "MemoryStore.Insert",
		trace.WithAttributes(attribute.String("task.id", task.ID)),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.ID] = task.Clone()
	return task.Clone(), nil
}

// UpdateFields applies changes to an existing task.
func (s *MemoryStore) UpdateFields(ctx context.Context, id string, changes TaskChanges) (*model.Task, error) {
	_, span := tracer.Start(ctx, "MemoryStore.UpdateFields",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		span.SetAttributes(attribute.Bool("task.found", false))
		return nil, model.ErrTaskNotFound
	}

	changes.Apply(task)

	span.SetAttributes(attribute.Bool("task.found", true))
	return task.Clone(), nil
}

// DeleteByID removes a task from the store.
func (s *MemoryStore) DeleteByID(ctx context.Context, id string) error {
	_, span := tracer.Start(ctx, "MemoryStore.DeleteByID",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		span.SetAttributes(attribute.Bool("task.found", false))
		return model.ErrTaskNotFound
	}

	delete(s.tasks, id)
	span.SetAttributes(attribute.Bool("task.found", true))
	return nil
}

// CountAll returns the current number of tasks across all owners.
func (s *MemoryStore) CountAll(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.tasks)), nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (p TaskPredicate) matches(t *model.Task) bool {
	if p.ID != "" && t.ID != p.ID {
		return false
	}
	if p.OwnerID != "" && t.OwnerID != p.OwnerID {
		return false
	}
	if p.Status != "" && t.Status != p.Status {
		return false
	}
	if p.StatusNot != "" && t.Status == p.StatusNot {
		return false
	}
	if p.Priority != "" && t.Priority != p.Priority {
		return false
	}
	if p.Search != "" {
		needle := strings.ToLower(p.Search)
		inTitle := strings.Contains(strings.ToLower(t.Title), needle)
		inDesc := t.Description != nil && strings.Contains(strings.ToLower(*t.Description), needle)
		if !inTitle && !inDesc {
			return false
		}
	}
	if p.DueBefore != nil || p.DueFrom != nil || p.DueTo != nil {
		if t.DueDate == nil {
			return false
		}
		due := *t.DueDate
		if p.DueBefore != nil && !due.Before(*p.DueBefore) {
			return false
		}
		if p.DueFrom != nil && due.Before(*p.DueFrom) {
			return false
		}
		if p.DueTo != nil && due.After(*p.DueTo) {
			return false
		}
	}
	return true
}

// sortTasks orders tasks the way the SQL store does: nil due dates after all
// dates ascending, before them descending; ties by id ascending.
func sortTasks(tasks []*model.Task, order OrderBy) {
	desc := order.Order == model.SortDesc
	sort.SliceStable(tasks, func(i, j int) bool {
		c := compareTasks(tasks[i], tasks[j], order.Field)
		if desc {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func compareTasks(a, b *model.Task, field model.SortField) int {
	switch field {
	case model.SortByUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case model.SortByDueDate:
		switch {
		case a.DueDate == nil && b.DueDate == nil:
			return 0
		case a.DueDate == nil:
			return 1
		case b.DueDate == nil:
			return -1
		}
		return a.DueDate.Compare(*b.DueDate)
	case model.SortByPriority:
		return a.Priority.Rank() - b.Priority.Rank()
	case model.SortByTitle:
		return strings.Compare(a.Title, b.Title)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

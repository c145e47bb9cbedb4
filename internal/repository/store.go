package repository

import (
	"context"
	"time"

	"github.com/hiroki-koketsu/go-task-tracker/internal/model"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/hiroki-koketsu/go-task-tracker/internal/repository")

// Store is the persistence capability set the task engine is written against.
// Implementations return model.ErrTaskNotFound from UpdateFields and
// DeleteByID when no row has the given id.
type Store interface {
	FindMany(ctx context.Context, pred TaskPredicate, order OrderBy) ([]*model.Task, error)
	// FindOne returns nil, nil when nothing matches.
	FindOne(ctx context.Context, pred TaskPredicate) (*model.Task, error)
	Count(ctx context.Context, pred TaskPredicate) (int64, error)
	Insert(ctx context.Context, task *model.Task) (*model.Task, error)
	UpdateFields(ctx context.Context, id string, changes TaskChanges) (*model.Task, error)
	DeleteByID(ctx context.Context, id string) error
	CountAll(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// TaskPredicate is a conjunction of optional constraints. Zero-valued fields
// do not constrain.
type TaskPredicate struct {
	ID        string
	OwnerID   string
	Status    model.Status
	StatusNot model.Status
	Priority  model.Priority
	// Search matches title or description, case-insensitively.
	Search string
	// DueBefore, DueFrom and DueTo only match tasks with a due date:
	// due < DueBefore, due >= DueFrom, due <= DueTo.
	DueBefore *time.Time
	DueFrom   *time.Time
	DueTo     *time.Time
}

// OrderBy selects the single sort key of a FindMany. Ties are broken by id.
type OrderBy struct {
	Field model.SortField
	Order model.SortOrder
}

// TaskChanges is the set of field writes applied by UpdateFields. Unset
// fields are left untouched. UpdatedAt is always written.
type TaskChanges struct {
	Title       model.Optional[string]
	Description model.Optional[string]
	Priority    model.Optional[model.Priority]
	Status      model.Optional[model.Status]
	DueDate     model.Optional[time.Time]
	UpdatedAt   time.Time
}

// Apply writes the set fields of c onto t.
func (c TaskChanges) Apply(t *model.Task) {
	if v, ok := c.Title.Get(); ok {
		t.Title = v
	}
	if c.Description.IsSet() {
		t.Description = c.Description.Ptr()
	}
	if v, ok := c.Priority.Get(); ok {
		t.Priority = v
	}
	if v, ok := c.Status.Get(); ok {
		t.Status = v
	}
	if c.DueDate.IsSet() {
		t.DueDate = c.DueDate.Ptr()
	}
	t.UpdatedAt = c.UpdatedAt
}

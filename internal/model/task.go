package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxTitleLength is the maximum title length in code points.
const MaxTitleLength = 100

// Priority is the importance of a task.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// Valid reports whether p is one of the declared priorities.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// Rank gives the sort position of p: LOW < MEDIUM < HIGH. Unknown values rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	}
	return 0
}

// Status is the progress state of a task.
type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
)

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	return s.Rank() > 0
}

// Rank gives the sort position of s: TODO < IN_PROGRESS < DONE. Unknown values rank 0.
func (s Status) Rank() int {
	switch s {
	case StatusTodo:
		return 1
	case StatusInProgress:
		return 2
	case StatusDone:
		return 3
	}
	return 0
}

// Toggled returns the status a quick complete/uncomplete produces.
// IN_PROGRESS goes straight to DONE.
func (s Status) Toggled() Status {
	if s == StatusDone {
		return StatusTodo
	}
	return StatusDone
}

// Task represents a todo item owned by a single user.
type Task struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	DueDate     *time.Time `json:"dueDate"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	if t.Description != nil {
		d := *t.Description
		c.Description = &d
	}
	if t.DueDate != nil {
		d := *t.DueDate
		c.DueDate = &d
	}
	return &c
}

// CreateTaskRequest represents the request body for creating a task.
// Status is not accepted; new tasks always start as TODO.
type CreateTaskRequest struct {
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// Validate checks if the CreateTaskRequest is valid.
func (r *CreateTaskRequest) Validate() error {
	if err := validateTitle(r.Title); err != nil {
		return err
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return invalidEnum("priority", string(r.Priority))
	}
	return nil
}

// UpdateTaskRequest represents a partial update. Omitted fields are left
// untouched; description and dueDate may be cleared with an explicit null.
type UpdateTaskRequest struct {
	Title       Optional[string]    `json:"title"`
	Description Optional[string]    `json:"description"`
	Priority    Optional[Priority]  `json:"priority"`
	DueDate     Optional[time.Time] `json:"dueDate"`
	Status      Optional[Status]    `json:"status"`
}

// Validate checks if the UpdateTaskRequest is valid.
func (r *UpdateTaskRequest) Validate() error {
	if r.Title.IsNull() {
		return &ValidationError{Field: "title", Message: "title is required"}
	}
	if title, ok := r.Title.Get(); ok {
		if err := validateTitle(title); err != nil {
			return err
		}
	}
	if r.Priority.IsNull() {
		return &ValidationError{Field: "priority", Message: "priority cannot be null"}
	}
	if p, ok := r.Priority.Get(); ok && !p.Valid() {
		return invalidEnum("priority", string(p))
	}
	if r.Status.IsNull() {
		return &ValidationError{Field: "status", Message: "status cannot be null"}
	}
	if s, ok := r.Status.Get(); ok && !s.Valid() {
		return invalidEnum("status", string(s))
	}
	return nil
}

// SortField names the task field a list is ordered by.
type SortField string

const (
	SortByCreatedAt SortField = "createdAt"
	SortByUpdatedAt SortField = "updatedAt"
	SortByDueDate   SortField = "dueDate"
	SortByPriority  SortField = "priority"
	SortByTitle     SortField = "title"
)

// Valid reports whether f is a supported sort field.
func (f SortField) Valid() bool {
	switch f {
	case SortByCreatedAt, SortByUpdatedAt, SortByDueDate, SortByPriority, SortByTitle:
		return true
	}
	return false
}

// SortOrder is the direction of a sort.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Valid reports whether o is asc or desc.
func (o SortOrder) Valid() bool {
	return o == SortAsc || o == SortDesc
}

// TaskFilter selects and orders a user's tasks. Empty fields mean no
// restriction, or the default ordering (createdAt desc).
type TaskFilter struct {
	Status    Status
	Priority  Priority
	Search    string
	SortBy    SortField
	SortOrder SortOrder
}

// Normalize returns a copy of f with defaults applied.
func (f TaskFilter) Normalize() TaskFilter {
	if f.SortBy == "" {
		f.SortBy = SortByCreatedAt
	}
	if f.SortOrder == "" {
		f.SortOrder = SortDesc
	}
	f.SortOrder = SortOrder(strings.ToLower(string(f.SortOrder)))
	return f
}

// Validate checks the enum fields of a normalized filter.
func (f TaskFilter) Validate() error {
	if f.Status != "" && !f.Status.Valid() {
		return invalidEnum("status", string(f.Status))
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return invalidEnum("priority", string(f.Priority))
	}
	if !f.SortBy.Valid() {
		return invalidEnum("sortBy", string(f.SortBy))
	}
	if !f.SortOrder.Valid() {
		return invalidEnum("sortOrder", string(f.SortOrder))
	}
	return nil
}

// TaskStats aggregates a user's tasks.
type TaskStats struct {
	TotalTasks      int64 `json:"totalTasks"`
	CompletedTasks  int64 `json:"completedTasks"`
	InProgressTasks int64 `json:"inProgressTasks"`
	OverdueTasks    int64 `json:"overdueTasks"`
	TodayTasks      int64 `json:"todayTasks"`
	CompletionRate  int   `json:"completionRate"`
}

func validateTitle(title string) error {
	n := utf8.RuneCountInString(title)
	if n == 0 {
		return &ValidationError{Field: "title", Message: "title is required"}
	}
	if n > MaxTitleLength {
		return &ValidationError{Field: "title", Message: "title must be at most 100 characters"}
	}
	return nil
}

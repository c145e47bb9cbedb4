package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hiroki-koketsu/go-task-tracker/internal/auth"
	"github.com/hiroki-koketsu/go-task-tracker/internal/model"
	"github.com/hiroki-koketsu/go-task-tracker/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/hiroki-koketsu/go-task-tracker/internal/handler")

const (
	routeTasks  = "/api/v1/tasks"
	routeTask   = "/api/v1/tasks/{id}"
	routeToggle = "/api/v1/tasks/{id}/toggle"
	routeStats  = "/api/v1/tasks/stats"

	maxBodyBytes = 1 << 20
)

// TaskEngine is the task query engine the handler drives.
type TaskEngine interface {
	List(ctx context.Context, ownerID string, filter model.TaskFilter) ([]*model.Task, error)
	GetByID(ctx context.Context, ownerID, id string) (*model.Task, error)
	Create(ctx context.Context, ownerID string, req *model.CreateTaskRequest) (*model.Task, error)
	Update(ctx context.Context, ownerID, id string, req *model.UpdateTaskRequest) (*model.Task, error)
	ToggleStatus(ctx context.Context, ownerID, id string) (*model.Task, error)
	Delete(ctx context.Context, ownerID, id string) error
	Stats(ctx context.Context, ownerID string) (*model.TaskStats, error)
}

// TaskHandler handles HTTP requests for tasks.
type TaskHandler struct {
	engine  TaskEngine
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(engine TaskEngine, logger *slog.Logger, metrics *telemetry.Metrics) *TaskHandler {
	return &TaskHandler{
		engine:  engine,
		logger:  logger,
		metrics: metrics,
	}
}

// Routes returns the chi router with task routes. Callers must mount it
// behind auth.Middleware.
func (h *TaskHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/stats", h.Stats)
	r.Get("/{id}", h.GetByID)
	r.Patch("/{id}", h.Update)
	r.Post("/{id}/toggle", h.Toggle)
	r.Delete("/{id}", h.Delete)

	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// List returns the caller's tasks, filtered and sorted by query parameters.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	ctx, span := tracer.Start(ctx, "TaskHandler.List")
	defer span.End()

	q := r.URL.Query()
	filter := model.TaskFilter{
		Status:    model.Status(q.Get("status")),
		Priority:  model.Priority(q.Get("priority")),
		Search:    q.Get("search"),
		SortBy:    model.SortField(q.Get("sortBy")),
		SortOrder: model.SortOrder(q.Get("sortOrder")),
	}

	h.logger.InfoContext(ctx, "listing tasks",
		slog.String("status", string(filter.Status)),
		slog.String("priority", string(filter.Priority)),
		slog.String("sort_by", string(filter.SortBy)),
	)

	tasks, err := h.engine.List(ctx, auth.OwnerID(ctx), filter)
	if err != nil {
		h.fail(ctx, w, span, err, "failed to list tasks", http.MethodGet, routeTasks, start)
		return
	}

	span.SetAttributes(attribute.Int("task.count", len(tasks)))
	h.logger.InfoContext(ctx, "tasks listed", slog.Int("count", len(tasks)))

	h.respondJSON(w, http.StatusOK, tasks)
	h.recordMetrics(ctx, http.MethodGet, routeTasks, http.StatusOK, start)
}

// Create adds a new task owned by the caller.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	ctx, span := tracer.Start(ctx, "TaskHandler.Create")
	defer span.End()

	var req model.CreateTaskRequest
	if !h.decode(ctx, w, r, &req, http.MethodPost, routeTasks, start) {
		return
	}

	h.logger.InfoContext(ctx, "creating task", slog.String("title", req.Title))

	task, err := h.engine.Create(ctx, auth.OwnerID(ctx), &req)
	if err != nil {
		h.fail(ctx, w, span, err, "failed to create task", http.MethodPost, routeTasks, start)
		return
	}

	span.SetAttributes(attribute.String("task.id", task.ID))
	h.logger.InfoContext(ctx, "task created", slog.String("id", task.ID))

	h.respondJSON(w, http.StatusCreated, task)
	h.recordMetrics(ctx, http.MethodPost, routeTasks, http.StatusCreated, start)
}

// GetByID returns one of the caller's tasks.
func (h *TaskHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	id := chi.URLParam(r, "id")

	ctx, span := tracer.Start(ctx, "TaskHandler.GetByID",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	h.logger.InfoContext(ctx, "getting task", slog.String("id", id))

	task, err := h.engine.GetByID(ctx, auth.OwnerID(ctx), id)
	if err != nil {
		h.fail(ctx, w, span, err, "failed to get task", http.MethodGet, routeTask, start)
		return
	}

	h.respondJSON(w, http.StatusOK, task)
	h.recordMetrics(ctx, http.MethodGet, routeTask, http.StatusOK, start)
}

// Update applies a partial update. Omitted fields are left unchanged and
// null clears description or dueDate.
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	id := chi.URLParam(r, "id")

	ctx, span := tracer.Start(ctx, "TaskHandler.Update",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	var req model.UpdateTaskRequest
	if !h.decode(ctx, w, r, &req, http.MethodPatch, routeTask, start) {
		return
	}

	h.logger.InfoContext(ctx, "updating task", slog.String("id", id))

	task, err := h.engine.Update(ctx, auth.OwnerID(ctx), id, &req)
	if err != nil {
		h.fail(ctx, w, span, err, "failed to update task", http.MethodPatch, routeTask, start)
		return
	}

	h.logger.InfoContext(ctx, "task updated", slog.String("id", id))

	h.respondJSON(w, http.StatusOK, task)
	h.recordMetrics(ctx, http.MethodPatch, routeTask, http.StatusOK, start)
}

// Toggle flips a task between DONE and TODO.
func (h *TaskHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	id := chi.URLParam(r, "id")

	ctx, span := tracer.Start(ctx, "TaskHandler.Toggle",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	task, err := h.engine.ToggleStatus(ctx, auth.OwnerID(ctx), id)
	if err != nil {
		h.fail(ctx, w, span, err, "failed to toggle task", http.MethodPost, routeToggle, start)
		return
	}

	h.logger.InfoContext(ctx, "task toggled", slog.String("id", id), slog.String("status", string(task.Status)))

	h.respondJSON(w, http.StatusOK, task)
	h.recordMetrics(ctx, http.MethodPost, routeToggle, http.StatusOK, start)
}

// Delete removes a task.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	id := chi.URLParam(r, "id")

	ctx, span := tracer.Start(ctx, "TaskHandler.Delete",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	h.logger.InfoContext(ctx, "deleting task", slog.String("id", id))

	if err := h.engine.Delete(ctx, auth.OwnerID(ctx), id); err != nil {
		h.fail(ctx, w, span, err, "failed to delete task", http.MethodDelete, routeTask, start)
		return
	}

	h.logger.InfoContext(ctx, "task deleted", slog.String("id", id))

	h.respondJSON(w, http.StatusOK, map[string]bool{"success": true})
	h.recordMetrics(ctx, http.MethodDelete, routeTask, http.StatusOK, start)
}

// Stats returns the caller's aggregate task statistics.
func (h *TaskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	ctx, span := tracer.Start(ctx, "TaskHandler.Stats")
	defer span.End()

	stats, err := h.engine.Stats(ctx, auth.OwnerID(ctx))
	if err != nil {
		h.fail(ctx, w, span, err, "failed to get task stats", http.MethodGet, routeStats, start)
		return
	}

	h.respondJSON(w, http.StatusOK, stats)
	h.recordMetrics(ctx, http.MethodGet, routeStats, http.StatusOK, start)
}

func (h *TaskHandler) decode(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any, method, route string, start time.Time) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		h.logger.WarnContext(ctx, "invalid request body", slog.Any("error", err))
		h.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		h.recordMetrics(ctx, method, route, http.StatusBadRequest, start)
		return false
	}
	return true
}

// fail maps an engine error to a response. Internal causes are logged and
// never written to the client.
func (h *TaskHandler) fail(ctx context.Context, w http.ResponseWriter, span trace.Span, err error, msg, method, route string, start time.Time) {
	var (
		status int
		resp   errorResponse
		verr   *model.ValidationError
	)

	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		resp = errorResponse{Error: verr.Message, Field: verr.Field}
		h.logger.WarnContext(ctx, "validation failed", slog.String("field", verr.Field), slog.Any("error", err))
	case errors.Is(err, model.ErrOwnerRequired):
		status = http.StatusUnauthorized
		resp = errorResponse{Error: "unauthorized"}
		h.logger.WarnContext(ctx, "request without owner")
	case errors.Is(err, model.ErrTaskNotFound):
		status = http.StatusNotFound
		resp = errorResponse{Error: "task not found"}
		h.logger.WarnContext(ctx, "task not found")
	case errors.Is(err, model.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
		resp = errorResponse{Error: "service temporarily unavailable"}
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
		h.logger.ErrorContext(ctx, msg, slog.Any("error", err))
	default:
		status = http.StatusInternalServerError
		resp = errorResponse{Error: msg}
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		h.logger.ErrorContext(ctx, msg, slog.Any("error", err))
	}

	h.respondJSON(w, status, resp)
	h.recordMetrics(ctx, method, route, status, start)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *TaskHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	respondJSON(w, status, data)
}

func (h *TaskHandler) recordMetrics(ctx context.Context, method, route string, status int, start time.Time) {
	recordMetrics(ctx, h.metrics, method, route, status, start)
}

func recordMetrics(ctx context.Context, m *telemetry.Metrics, method, route string, status int, start time.Time) {
	duration := time.Since(start).Seconds()

	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	)

	m.RequestCounter.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, duration, attrs)
}

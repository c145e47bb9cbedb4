package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hiroki-koketsu/go-task-tracker/internal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// taskRecord is the row layout of the tasks table. TitleLower and
// DescriptionLower hold the Unicode lower-cased text that search matches on;
// SQL LOWER() folds ASCII only in SQLite.
type taskRecord struct {
	ID               string     `gorm:"primaryKey;size:36"`
	OwnerID          string     `gorm:"size:191;not null;index:idx_tasks_owner_status,priority:1;index:idx_tasks_owner_due,priority:1"`
	Title            string     `gorm:"size:400;not null"`
	TitleLower       string     `gorm:"size:400"`
	Description      *string    `gorm:"type:text"`
	DescriptionLower *string    `gorm:"type:text"`
	Priority         string     `gorm:"size:16;not null"`
	Status           string     `gorm:"size:16;not null;index:idx_tasks_owner_status,priority:2"`
	DueDate          *time.Time `gorm:"index:idx_tasks_owner_due,priority:2"`
	CreatedAt        time.Time  `gorm:"not null;autoCreateTime:false"`
	UpdatedAt        time.Time  `gorm:"not null;autoUpdateTime:false"`
}

// TableName returns the table name for taskRecord.
func (taskRecord) TableName() string {
	return "tasks"
}

func toRecord(t *model.Task) *taskRecord {
	return &taskRecord{
		ID:               t.ID,
		OwnerID:          t.OwnerID,
		Title:            t.Title,
		TitleLower:       strings.ToLower(t.Title),
		Description:      t.Description,
		DescriptionLower: lowerPtr(t.Description),
		Priority:         string(t.Priority),
		Status:           string(t.Status),
		DueDate:          utcPtr(t.DueDate),
		CreatedAt:        t.CreatedAt.UTC(),
		UpdatedAt:        t.UpdatedAt.UTC(),
	}
}

func (r *taskRecord) toModel() *model.Task {
	return &model.Task{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Title:       r.Title,
		Description: r.Description,
		Priority:    model.Priority(r.Priority),
		Status:      model.Status(r.Status),
		DueDate:     r.DueDate,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// Dialects accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// GormStore persists tasks through GORM.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// Open connects to the database, runs migrations and returns a GormStore.
func Open(driver, dsn string, debug bool) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite {
		// every connection to :memory: is a separate database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return NewGormStore(db)
}

// NewGormStore migrates the schema on db and wraps it.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&taskRecord{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := backfillSearchColumns(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// backfillSearchColumns fills the lower-cased search columns of rows written
// before those columns existed. Titles are never empty, so an empty
// title_lower marks such a row.
func backfillSearchColumns(db *gorm.DB) error {
	fresh := db.Session(&gorm.Session{NewDB: true})
	var batch []taskRecord
	err := db.Model(&taskRecord{}).
		Where("title_lower IS NULL OR title_lower = ''").
		FindInBatches(&batch, 200, func(_ *gorm.DB, _ int) error {
			for i := range batch {
				r := &batch[i]
				err := fresh.Model(&taskRecord{}).Where("id = ?", r.ID).UpdateColumns(map[string]any{
					"title_lower":       strings.ToLower(r.Title),
					"description_lower": lowerPtr(r.Description),
				}).Error
				if err != nil {
					return err
				}
			}
			return nil
		}).Error
	if err != nil {
		return fmt.Errorf("failed to backfill search columns: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// FindMany returns the matching tasks in the requested order.
func (s *GormStore) FindMany(ctx context.Context, pred TaskPredicate, order OrderBy) ([]*model.Task, error) {
	ctx, span := tracer.Start(ctx, "GormStore.FindMany",
		trace.WithAttributes(attribute.String("task.sort_by", string(order.Field))),
	)
	defer span.End()

	q := s.db.WithContext(ctx).Model(&taskRecord{}).Scopes(pred.scope)
	for _, clause := range orderClauses(order) {
		q = q.Order(clause)
	}

	var records []taskRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, spanError(span, fmt.Errorf("failed to find tasks: %w", err))
	}

	tasks := make([]*model.Task, 0, len(records))
	for i := range records {
		tasks = append(tasks, records[i].toModel())
	}

	span.SetAttributes(attribute.Int("task.count", len(tasks)))
	return tasks, nil
}

// FindOne returns the first task matching pred, or nil.
func (s *GormStore) FindOne(ctx context.Context, pred TaskPredicate) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "GormStore.FindOne",
		trace.WithAttributes(attribute.String("task.id", pred.ID)),
	)
	defer span.End()

	var records []taskRecord
	err := s.db.WithContext(ctx).Model(&taskRecord{}).Scopes(pred.scope).Limit(1).Find(&records).Error
	if err != nil {
		return nil, spanError(span, fmt.Errorf("failed to find task: %w", err))
	}
	if len(records) == 0 {
		span.SetAttributes(attribute.Bool("task.found", false))
		return nil, nil
	}

	span.SetAttributes(attribute.Bool("task.found", true))
	return records[0].toModel(), nil
}

// Count returns the number of tasks matching pred.
func (s *GormStore) Count(ctx context.Context, pred TaskPredicate) (int64, error) {
	ctx, span := tracer.Start(ctx, "GormStore.Count")
	defer span.End()

	var n int64
	if err := s.db.WithContext(ctx).Model(&taskRecord{}).Scopes(pred.scope).Count(&n).Error; err != nil {
		return 0, spanError(span, fmt.Errorf("failed to count tasks: %w", err))
	}
	span.SetAttributes(attribute.Int64("task.count", n))
	return n, nil
}

// Insert saves a new task.
func (s *GormStore) Insert(ctx context.Context, task *model.Task) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "GormStore.Insert",
		trace.WithAttributes(attribute.String("task.id", task.ID)),
	)
	defer span.End()

	rec := toRecord(task)
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, spanError(span, fmt.Errorf("failed to create task: %w", err))
	}
	return rec.toModel(), nil
}

// UpdateFields writes the set fields of changes and returns the stored row.
func (s *GormStore) UpdateFields(ctx context.Context, id string, changes TaskChanges) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "GormStore.UpdateFields",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	values := map[string]any{"updated_at": changes.UpdatedAt.UTC()}
	if v, ok := changes.Title.Get(); ok {
		values["title"] = v
		values["title_lower"] = strings.ToLower(v)
	}
	if changes.Description.IsSet() {
		values["description"] = changes.Description.Ptr()
		values["description_lower"] = lowerPtr(changes.Description.Ptr())
	}
	if v, ok := changes.Priority.Get(); ok {
		values["priority"] = string(v)
	}
	if v, ok := changes.Status.Get(); ok {
		values["status"] = string(v)
	}
	if changes.DueDate.IsSet() {
		values["due_date"] = utcPtr(changes.DueDate.Ptr())
	}

	db := s.db.WithContext(ctx)
	result := db.Model(&taskRecord{}).Where("id = ?", id).Updates(values)
	if err := result.Error; err != nil {
		return nil, spanError(span, fmt.Errorf("failed to update task: %w", err))
	}
	if result.RowsAffected == 0 {
		span.SetAttributes(attribute.Bool("task.found", false))
		return nil, model.ErrTaskNotFound
	}

	var rec taskRecord
	if err := db.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrTaskNotFound
		}
		return nil, spanError(span, fmt.Errorf("failed to reload task: %w", err))
	}

	span.SetAttributes(attribute.Bool("task.found", true))
	return rec.toModel(), nil
}

// DeleteByID permanently removes a task.
func (s *GormStore) DeleteByID(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "GormStore.DeleteByID",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	result := s.db.WithContext(ctx).Delete(&taskRecord{}, "id = ?", id)
	if err := result.Error; err != nil {
		return spanError(span, fmt.Errorf("failed to delete task: %w", err))
	}
	if result.RowsAffected == 0 {
		span.SetAttributes(attribute.Bool("task.found", false))
		return model.ErrTaskNotFound
	}
	span.SetAttributes(attribute.Bool("task.found", true))
	return nil
}

// CountAll returns the number of tasks across all owners.
func (s *GormStore) CountAll(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&taskRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (p TaskPredicate) scope(db *gorm.DB) *gorm.DB {
	if p.ID != "" {
		db = db.Where("id = ?", p.ID)
	}
	if p.OwnerID != "" {
		db = db.Where("owner_id = ?", p.OwnerID)
	}
	if p.Status != "" {
		db = db.Where("status = ?", string(p.Status))
	}
	if p.StatusNot != "" {
		db = db.Where("status <> ?", string(p.StatusNot))
	}
	if p.Priority != "" {
		db = db.Where("priority = ?", string(p.Priority))
	}
	if p.Search != "" {
		pattern := "%" + escapeLike(strings.ToLower(p.Search)) + "%"
		db = db.Where(`(title_lower LIKE ? ESCAPE '\' OR description_lower LIKE ? ESCAPE '\')`, pattern, pattern)
	}
	if p.DueBefore != nil {
		db = db.Where("due_date < ?", p.DueBefore.UTC())
	}
	if p.DueFrom != nil {
		db = db.Where("due_date >= ?", p.DueFrom.UTC())
	}
	if p.DueTo != nil {
		db = db.Where("due_date <= ?", p.DueTo.UTC())
	}
	return db
}

var sortColumns = map[model.SortField]string{
	model.SortByCreatedAt: "created_at",
	model.SortByUpdatedAt: "updated_at",
	model.SortByDueDate:   "due_date",
	model.SortByTitle:     "title",
}

const priorityRankSQL = "CASE priority WHEN 'LOW' THEN 1 WHEN 'MEDIUM' THEN 2 WHEN 'HIGH' THEN 3 ELSE 0 END"

// orderClauses renders order as raw ORDER BY terms. Only whitelisted
// identifiers reach the SQL.
func orderClauses(order OrderBy) []string {
	dir := "DESC"
	if order.Order == model.SortAsc {
		dir = "ASC"
	}

	var clauses []string
	switch order.Field {
	case model.SortByPriority:
		clauses = append(clauses, priorityRankSQL+" "+dir)
	case model.SortByDueDate:
		clauses = append(clauses, "(due_date IS NULL) "+dir, "due_date "+dir)
	default:
		col, ok := sortColumns[order.Field]
		if !ok {
			col = "created_at"
		}
		clauses = append(clauses, col+" "+dir)
	}
	return append(clauses, "id ASC")
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func lowerPtr(s *string) *string {
	if s == nil {
		return nil
	}
	l := strings.ToLower(*s)
	return &l
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

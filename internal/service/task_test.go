package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hiroki-koketsu/go-task-tracker/internal/model"
	"github.com/hiroki-koketsu/go-task-tracker/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestService(t *testing.T, opts ...Option) (*TaskService, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithClock(clock.Now), WithLocation(time.UTC)}, opts...)
	return NewTaskService(repository.NewMemoryStore(), logger, opts...), clock
}

func mustCreate(t *testing.T, s *TaskService, owner string, req model.CreateTaskRequest) *model.Task {
	t.Helper()
	task, err := s.Create(context.Background(), owner, &req)
	require.NoError(t, err)
	return task
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func TestTaskService_Create_Defaults(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()
	due := clock.now.Add(24 * time.Hour)

	created := mustCreate(t, s, "alice", model.CreateTaskRequest{
		Title:       "Buy milk",
		Description: strPtr("2 litres"),
		DueDate:     &due,
	})

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "alice", created.OwnerID)
	assert.Equal(t, model.StatusTodo, created.Status)
	assert.Equal(t, model.PriorityMedium, created.Priority)
	assert.Equal(t, clock.now, created.CreatedAt)
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	got, err := s.GetByID(ctx, "alice", created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)
}

func TestTaskService_Create_Validation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "alice", &model.CreateTaskRequest{Title: ""})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "title", verr.Field)

	_, err = s.Create(ctx, "alice", &model.CreateTaskRequest{Title: "x", Priority: "CRITICAL"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "priority", verr.Field)

	_, err = s.Create(ctx, "", &model.CreateTaskRequest{Title: "x"})
	assert.ErrorIs(t, err, model.ErrOwnerRequired)
}

func TestTaskService_List_ScopedToOwner(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustCreate(t, s, "alice", model.CreateTaskRequest{Title: fmt.Sprintf("alice %d", i)})
	}
	for _, owner := range []string{"bob", "carol"} {
		mustCreate(t, s, owner, model.CreateTaskRequest{Title: owner})
	}

	tasks, err := s.List(ctx, "alice", model.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, "alice", task.OwnerID)
	}

	_, err = s.List(ctx, "", model.TaskFilter{})
	assert.ErrorIs(t, err, model.ErrOwnerRequired)
}

func TestTaskService_List_StatusFilterIsSubset(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	a := mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "a"})
	mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "b"})
	_, err := s.ToggleStatus(ctx, "alice", a.ID)
	require.NoError(t, err)

	all, err := s.List(ctx, "alice", model.TaskFilter{})
	require.NoError(t, err)
	done, err := s.List(ctx, "alice", model.TaskFilter{Status: model.StatusDone})
	require.NoError(t, err)

	require.Len(t, done, 1)
	assert.Equal(t, a.ID, done[0].ID)
	assert.Equal(t, model.StatusDone, done[0].Status)
	assert.Less(t, len(done), len(all))
}

func TestTaskService_List_Search(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	inDesc := mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "report", Description: strPtr("the ABC account")})
	inTitle := mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "learn abc"})
	mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "unrelated", Description: strPtr("nothing here")})

	tasks, err := s.List(ctx, "alice", model.TaskFilter{Search: "abc"})
	require.NoError(t, err)

	var got []string
	for _, task := range tasks {
		got = append(got, task.ID)
	}
	assert.ElementsMatch(t, []string{inDesc.ID, inTitle.ID}, got)

	all, err := s.List(ctx, "alice", model.TaskFilter{Search: ""})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestTaskService_List_Sorting(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()

	low := mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "b-low", Priority: model.PriorityLow})
	clock.Advance(time.Minute)
	high := mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "c-high", Priority: model.PriorityHigh})
	clock.Advance(time.Minute)
	medium := mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "a-medium"})

	tests := []struct {
		name   string
		filter model.TaskFilter
		want   []string
	}{
		{name: "default is createdAt desc", filter: model.TaskFilter{}, want: []string{medium.ID, high.ID, low.ID}},
		{name: "createdAt asc", filter: model.TaskFilter{SortOrder: model.SortAsc}, want: []string{low.ID, high.ID, medium.ID}},
		{name: "priority asc", filter: model.TaskFilter{SortBy: model.SortByPriority, SortOrder: model.SortAsc}, want: []string{low.ID, medium.ID, high.ID}},
		{name: "priority desc", filter: model.TaskFilter{SortBy: model.SortByPriority}, want: []string{high.ID, medium.ID, low.ID}},
		{name: "title asc", filter: model.TaskFilter{SortBy: model.SortByTitle, SortOrder: model.SortAsc}, want: []string{medium.ID, low.ID, high.ID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, err := s.List(ctx, "alice", tt.filter)
			require.NoError(t, err)
			var got []string
			for _, task := range tasks {
				got = append(got, task.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := s.List(ctx, "alice", model.TaskFilter{SortBy: "status"})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "sortBy", verr.Field)
}

func TestTaskService_BuyMilkScenario(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "Buy milk", Priority: model.PriorityHigh})

	high, err := s.List(ctx, "alice", model.TaskFilter{Priority: model.PriorityHigh})
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, "Buy milk", high[0].Title)

	low, err := s.List(ctx, "alice", model.TaskFilter{Priority: model.PriorityLow})
	require.NoError(t, err)
	assert.Empty(t, low)
}

func TestTaskService_Update_PresenceVersusNull(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()

	task := mustCreate(t, s, "alice", model.CreateTaskRequest{
		Title:       "draft",
		Description: strPtr("keep me"),
		DueDate:     timePtr(clock.now.Add(time.Hour)),
	})
	_, err := s.Update(ctx, "alice", task.ID, &model.UpdateTaskRequest{Status: model.Some(model.StatusInProgress)})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	updated, err := s.Update(ctx, "alice", task.ID, &model.UpdateTaskRequest{Title: model.Some("final")})
	require.NoError(t, err)
	assert.Equal(t, "final", updated.Title)
	assert.Equal(t, model.StatusInProgress, updated.Status, "omitted status must be untouched")
	require.NotNil(t, updated.Description)
	assert.Equal(t, "keep me", *updated.Description, "omitted description must be untouched")
	assert.NotNil(t, updated.DueDate)
	assert.Equal(t, clock.now, updated.UpdatedAt)

	cleared, err := s.Update(ctx, "alice", task.ID, &model.UpdateTaskRequest{
		Description: model.Null[string](),
		DueDate:     model.Null[time.Time](),
	})
	require.NoError(t, err)
	assert.Nil(t, cleared.Description)
	assert.Nil(t, cleared.DueDate)
	assert.Equal(t, "final", cleared.Title)
}

func TestTaskService_Update_Errors(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	task := mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "mine"})

	_, err := s.Update(ctx, "bob", task.ID, &model.UpdateTaskRequest{Title: model.Some("stolen")})
	assert.ErrorIs(t, err, model.ErrTaskNotFound)

	_, err = s.Update(ctx, "alice", "does-not-exist", &model.UpdateTaskRequest{})
	assert.ErrorIs(t, err, model.ErrTaskNotFound)

	_, err = s.Update(ctx, "alice", task.ID, &model.UpdateTaskRequest{Title: model.Null[string]()})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "title", verr.Field)

	got, err := s.GetByID(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Title)
}

func TestTaskService_Update_UpdatedAtNeverBeforeCreatedAt(t *testing.T) {
	s, clock := newTestService(t)
	task := mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "x"})

	clock.Advance(-time.Hour)
	updated, err := s.Update(context.Background(), "alice", task.ID, &model.UpdateTaskRequest{Title: model.Some("y")})
	require.NoError(t, err)
	assert.False(t, updated.UpdatedAt.Before(updated.CreatedAt))
}

func TestTaskService_ToggleStatus(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	task := mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "toggle me"})

	_, err := s.Update(ctx, "alice", task.ID, &model.UpdateTaskRequest{Status: model.Some(model.StatusInProgress)})
	require.NoError(t, err)

	toggled, err := s.ToggleStatus(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, toggled.Status)

	toggled, err = s.ToggleStatus(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTodo, toggled.Status)

	toggled, err = s.ToggleStatus(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, toggled.Status)

	_, err = s.ToggleStatus(ctx, "bob", task.ID)
	assert.ErrorIs(t, err, model.ErrTaskNotFound)
}

func TestTaskService_Delete(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	task := mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "temp"})

	assert.ErrorIs(t, s.Delete(ctx, "bob", task.ID), model.ErrTaskNotFound)
	require.NoError(t, s.Delete(ctx, "alice", task.ID))
	assert.ErrorIs(t, s.Delete(ctx, "alice", task.ID), model.ErrTaskNotFound)

	_, err := s.GetByID(ctx, "alice", task.ID)
	assert.ErrorIs(t, err, model.ErrTaskNotFound)
}

func TestTaskService_Stats(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		task := mustCreate(t, s, "alice", model.CreateTaskRequest{Title: fmt.Sprintf("task %d", i)})
		switch {
		case i < 3:
			_, err := s.ToggleStatus(ctx, "alice", task.ID)
			require.NoError(t, err)
		case i < 5:
			_, err := s.Update(ctx, "alice", task.ID, &model.UpdateTaskRequest{Status: model.Some(model.StatusInProgress)})
			require.NoError(t, err)
		}
	}
	mustCreate(t, s, "bob", model.CreateTaskRequest{Title: "not counted"})

	stats, err := s.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.TotalTasks)
	assert.Equal(t, int64(3), stats.CompletedTasks)
	assert.Equal(t, int64(2), stats.InProgressTasks)
	assert.Equal(t, 30, stats.CompletionRate)
}

func TestTaskService_Stats_OverdueAndToday(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()
	now := clock.now
	startOfDay := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)

	yesterday := mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "late", DueDate: timePtr(now.Add(-24 * time.Hour))})
	mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "earlier today", DueDate: timePtr(startOfDay)})
	mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "last ms today", DueDate: timePtr(startOfDay.Add(24*time.Hour - time.Millisecond))})
	mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "tomorrow", DueDate: timePtr(startOfDay.Add(24 * time.Hour))})
	mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "no due date"})

	stats, err := s.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.OverdueTasks, "yesterday and earlier today are past now")
	assert.Equal(t, int64(2), stats.TodayTasks)

	_, err = s.ToggleStatus(ctx, "alice", yesterday.ID)
	require.NoError(t, err)

	stats, err = s.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.OverdueTasks, "done tasks are never overdue")
}

func TestTaskService_Stats_Empty(t *testing.T) {
	s, _ := newTestService(t)
	stats, err := s.Stats(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStats{}, *stats)
}

func TestCompletionRate(t *testing.T) {
	tests := []struct {
		completed, total int64
		want             int
	}{
		{0, 0, 0},
		{3, 10, 30},
		{1, 3, 33},
		{2, 3, 67},
		{1, 8, 13},
		{1, 200, 1},
		{5, 5, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, completionRate(tt.completed, tt.total), "%d/%d", tt.completed, tt.total)
	}
}

func TestDayBounds(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	// 20:00 UTC on the 14th is 05:00 on the 15th in Tokyo
	start, end := dayBounds(time.Date(2026, 4, 14, 20, 0, 0, 0, time.UTC), tokyo)
	assert.Equal(t, time.Date(2026, 4, 15, 0, 0, 0, 0, tokyo), start)
	assert.Equal(t, time.Date(2026, 4, 15, 23, 59, 59, int(999*time.Millisecond), tokyo), end)
}

// fakeStatsCache keeps a generation per owner the way StatsCache does in
// Redis.
type fakeStatsCache struct {
	entries     map[string]*model.TaskStats
	gens        map[string]int64
	invalidated []string
	failReads   bool
}

func newFakeStatsCache() *fakeStatsCache {
	return &fakeStatsCache{entries: map[string]*model.TaskStats{}, gens: map[string]int64{}}
}

func (c *fakeStatsCache) Get(_ context.Context, ownerID string) (*model.TaskStats, int64, bool, error) {
	if c.failReads {
		return nil, 0, false, errors.New("cache down")
	}
	s, ok := c.entries[ownerID]
	return s, c.gens[ownerID], ok, nil
}

func (c *fakeStatsCache) Set(_ context.Context, ownerID string, gen int64, stats *model.TaskStats) error {
	if c.gens[ownerID] != gen {
		return nil
	}
	c.entries[ownerID] = stats
	return nil
}

func (c *fakeStatsCache) Invalidate(_ context.Context, ownerID string) error {
	c.invalidated = append(c.invalidated, ownerID)
	c.gens[ownerID]++
	delete(c.entries, ownerID)
	return nil
}

func TestTaskService_Stats_Cache(t *testing.T) {
	cache := newFakeStatsCache()
	s, _ := newTestService(t, WithStatsCache(cache))
	ctx := context.Background()

	task := mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "one"})
	assert.Equal(t, []string{"alice"}, cache.invalidated)

	stats, err := s.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalTasks)
	require.Contains(t, cache.entries, "alice")

	cache.entries["alice"] = &model.TaskStats{TotalTasks: 42}
	stats, err = s.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(42), stats.TotalTasks, "served from cache")

	_, err = s.ToggleStatus(ctx, "alice", task.ID)
	require.NoError(t, err)
	stats, err = s.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CompletedTasks)

	cache.failReads = true
	stats, err = s.Stats(ctx, "alice")
	require.NoError(t, err, "cache failures fall back to the store")
	assert.Equal(t, int64(1), stats.TotalTasks)
}

// interleavingStore runs beforeCount once, ahead of the first Count, to
// stand in for a write racing a stats computation.
type interleavingStore struct {
	repository.Store
	beforeCount func()
}

func (s *interleavingStore) Count(ctx context.Context, pred repository.TaskPredicate) (int64, error) {
	if f := s.beforeCount; f != nil {
		s.beforeCount = nil
		f()
	}
	return s.Store.Count(ctx, pred)
}

func TestTaskService_Stats_RacingWriteIsNotCached(t *testing.T) {
	cache := newFakeStatsCache()
	store := &interleavingStore{Store: repository.NewMemoryStore()}
	clock := &fakeClock{now: time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC)}
	s := NewTaskService(store, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithStatsCache(cache), WithClock(clock.Now), WithLocation(time.UTC))
	ctx := context.Background()

	mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "one"})

	// the cache is read before the write below; counting happens after it
	store.beforeCount = func() {
		mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "two"})
	}
	stats, err := s.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalTasks)
	assert.NotContains(t, cache.entries, "alice", "a result computed across a write must not be cached")

	stats, err = s.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalTasks)
	assert.Contains(t, cache.entries, "alice")
}

type recordedOp struct {
	op  string
	err error
}

type fakeRecorder struct {
	ops []recordedOp
}

func (r *fakeRecorder) RecordOperation(_ context.Context, op string, err error) {
	r.ops = append(r.ops, recordedOp{op, err})
}

func TestTaskService_RecordsOperations(t *testing.T) {
	rec := &fakeRecorder{}
	s, _ := newTestService(t, WithRecorder(rec))

	mustCreate(t, s, "alice", model.CreateTaskRequest{Title: "x"})
	_, err := s.GetByID(context.Background(), "alice", "missing")
	require.Error(t, err)

	require.Len(t, rec.ops, 2)
	assert.Equal(t, "create", rec.ops[0].op)
	assert.NoError(t, rec.ops[0].err)
	assert.Equal(t, "get", rec.ops[1].op)
	assert.ErrorIs(t, rec.ops[1].err, model.ErrTaskNotFound)
}

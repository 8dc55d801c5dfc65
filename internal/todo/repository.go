package todo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/todolink/internal/events"
	"github.com/nugget/todolink/internal/mcp"
)

// Snapshot namespace and keys in the SnapshotStore.
const (
	SnapshotNamespace   = "todo_cache"
	SnapshotTasksKey    = "tasks"
	SnapshotProjectsKey = "projects"
)

// Gateway is the slice of the protocol client the repository needs.
// *mcp.Client satisfies it.
type Gateway interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	HandleNotification(method string, h mcp.NotificationHandler)
}

// SnapshotStore persists cache snapshots across restarts. *opstate.Store
// satisfies it. Get returns "" for a missing key.
type SnapshotStore interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
}

// Config configures a Repository.
type Config struct {
	// Gateway carries requests to the server. Required.
	Gateway Gateway

	// Snapshots receives a JSON copy of the cache after every change.
	// Optional.
	Snapshots SnapshotStore

	// HistorySize bounds the action history (default: 50).
	HistorySize int

	// Bus receives executed actions and task notifications. Optional.
	Bus *events.Bus

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Result is the outcome of Execute. Exactly the fields relevant to the
// action's kind are set.
type Result struct {
	Entry     HistoryEntry
	Task      *Task
	Tasks     []Task
	Projects  []Project
	FromCache bool
	Err       error
}

// Repository is the cached, history-keeping task API. All methods are
// safe for concurrent use.
type Repository struct {
	gw      Gateway
	snaps   SnapshotStore
	bus     *events.Bus
	logger  *slog.Logger
	history *History

	// Cache slices are replaced wholesale under mu and never mutated in
	// place, so a reader always sees a complete list.
	mu       sync.RWMutex
	tasks    []Task
	projects []Project

	subMu      sync.RWMutex
	subscriber func(NotificationEvent)
}

// NewRepository creates a repository over cfg.Gateway and registers the
// notifications/tasks handler on it.
func NewRepository(cfg Config) *Repository {
	if cfg.Gateway == nil {
		panic("todo: Config.Gateway must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Repository{
		gw:      cfg.Gateway,
		snaps:   cfg.Snapshots,
		bus:     cfg.Bus,
		logger:  logger.With("component", "todo"),
		history: NewHistory(cfg.HistorySize),
	}
	r.gw.HandleNotification(MethodTasksNotification, r.onTasksNotification)
	return r
}

// History returns the action history.
func (r *Repository) History() *History {
	return r.history
}

// Execute runs a and records it. The type switch is exhaustive over the
// Action set.
func (r *Repository) Execute(ctx context.Context, a Action) Result {
	var res Result
	switch a := a.(type) {
	case CreateTask:
		res = taskResult(r.createTask(ctx, a))
	case UpdateTask:
		res = taskResult(r.updateTask(ctx, a))
	case CompleteTask:
		res.Err = r.removeVia(ctx, a, a.TaskID)
	case DeleteTask:
		res.Err = r.removeVia(ctx, a, a.TaskID)
	case ListTasks:
		res.Tasks, res.FromCache, res.Err = r.listTasks(ctx, a, false)
	case ListProjects:
		res.Projects, res.FromCache, res.Err = r.listProjects(ctx, false)
	default:
		res.Err = fmt.Errorf("%w: unsupported action %T", ErrInvalidAction, a)
		return res
	}
	res.Entry = r.finish(a, res.Err, res.FromCache)
	return res
}

func taskResult(t Task, err error) Result {
	if err != nil {
		return Result{Err: err}
	}
	return Result{Task: &t}
}

// CreateTask creates a task and appends it to the cache.
func (r *Repository) CreateTask(ctx context.Context, a CreateTask) (Task, error) {
	t, err := r.createTask(ctx, a)
	r.finish(a, err, false)
	return t, err
}

func (r *Repository) createTask(ctx context.Context, a CreateTask) (Task, error) {
	if err := a.Validate(); err != nil {
		return Task{}, err
	}

	text, err := r.gw.CallTool(ctx, a.Tool(), a.Arguments())
	if err != nil {
		return Task{}, err
	}

	fallback := Task{
		Content:     a.Content,
		Description: a.Description,
		Priority:    a.Priority,
		Labels:      a.Labels,
		Due:         a.DueString,
		CreatedAt:   time.Now(),
	}
	if a.ProjectID != "" {
		fallback.ProjectID = strPtr(a.ProjectID)
	}
	t, err := ParseTaskDetail(text, fallback)
	if err != nil {
		return Task{}, fmt.Errorf("%s: %w", a.Tool(), err)
	}

	r.mu.Lock()
	next := make([]Task, 0, len(r.tasks)+1)
	next = append(next, r.tasks...)
	r.tasks = append(next, cloneTask(t))
	r.mu.Unlock()
	r.persistTasks()

	return t, nil
}

// UpdateTask updates a task and replaces its cached copy, if any.
func (r *Repository) UpdateTask(ctx context.Context, a UpdateTask) (Task, error) {
	t, err := r.updateTask(ctx, a)
	r.finish(a, err, false)
	return t, err
}

func (r *Repository) updateTask(ctx context.Context, a UpdateTask) (Task, error) {
	if err := a.Validate(); err != nil {
		return Task{}, err
	}

	text, err := r.gw.CallTool(ctx, a.Tool(), a.Arguments())
	if err != nil {
		return Task{}, err
	}

	fallback, _ := r.cachedTask(a.TaskID)
	fallback.ID = a.TaskID
	if a.Content != "" {
		fallback.Content = a.Content
	}
	if a.Description != "" {
		fallback.Description = a.Description
	}
	if a.DueString != "" {
		fallback.Due = a.DueString
	}
	if a.Priority != 0 {
		fallback.Priority = a.Priority
	}
	if len(a.Labels) > 0 {
		fallback.Labels = a.Labels
	}

	t, err := ParseTaskDetail(text, fallback)
	if err != nil {
		return Task{}, fmt.Errorf("%s: %w", a.Tool(), err)
	}

	r.mu.Lock()
	next := make([]Task, len(r.tasks))
	for i, cached := range r.tasks {
		if cached.ID == a.TaskID {
			cached = cloneTask(t)
		}
		next[i] = cached
	}
	r.tasks = next
	r.mu.Unlock()
	r.persistTasks()

	return t, nil
}

// CompleteTask marks a task done and drops it from the cache.
func (r *Repository) CompleteTask(ctx context.Context, taskID string) error {
	a := CompleteTask{TaskID: taskID}
	err := r.removeVia(ctx, a, taskID)
	r.finish(a, err, false)
	return err
}

// DeleteTask deletes a task and drops it from the cache.
func (r *Repository) DeleteTask(ctx context.Context, taskID string) error {
	a := DeleteTask{TaskID: taskID}
	err := r.removeVia(ctx, a, taskID)
	r.finish(a, err, false)
	return err
}

func (r *Repository) removeVia(ctx context.Context, a Action, taskID string) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if _, err := r.gw.CallTool(ctx, a.Tool(), a.Arguments()); err != nil {
		return err
	}

	r.mu.Lock()
	next := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if t.ID != taskID {
			next = append(next, t)
		}
	}
	r.tasks = next
	r.mu.Unlock()
	r.persistTasks()
	return nil
}

// ListTasks returns tasks matching q. With preferCache and a non-empty
// cache no request is made. A failed request falls back to a non-empty
// cache; the error is only returned when there is nothing to fall back to.
// A project-scoped query only uses cached tasks from that project.
func (r *Repository) ListTasks(ctx context.Context, q ListTasks, preferCache bool) ([]Task, error) {
	tasks, fromCache, err := r.listTasks(ctx, q, preferCache)
	r.finish(q, err, fromCache)
	return tasks, err
}

func (r *Repository) listTasks(ctx context.Context, q ListTasks, preferCache bool) ([]Task, bool, error) {
	if err := q.Validate(); err != nil {
		return nil, false, err
	}
	if preferCache {
		if cached := r.cachedTasksFor(q.ProjectID); len(cached) > 0 {
			return cached, true, nil
		}
	}

	tasks, err := r.fetchTasks(ctx, q)
	if err != nil {
		if cached := r.cachedTasksFor(q.ProjectID); len(cached) > 0 {
			r.logger.Warn("list tasks failed, serving cache",
				"error", err,
				"cached", len(cached),
			)
			return cached, true, nil
		}
		return nil, false, err
	}

	r.mu.Lock()
	r.tasks = cloneTasks(tasks)
	r.mu.Unlock()
	r.persistTasks()
	return tasks, false, nil
}

func (r *Repository) fetchTasks(ctx context.Context, q ListTasks) ([]Task, error) {
	text, err := r.gw.CallTool(ctx, q.Tool(), q.Arguments())
	if err != nil {
		return nil, err
	}
	tasks, err := ParseTaskList(text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", q.Tool(), err)
	}
	if q.ProjectID != "" {
		for i := range tasks {
			tasks[i].ProjectID = strPtr(q.ProjectID)
		}
	}
	return tasks, nil
}

// ListProjects returns all projects with the same cache semantics as
// ListTasks.
func (r *Repository) ListProjects(ctx context.Context, preferCache bool) ([]Project, error) {
	projects, fromCache, err := r.listProjects(ctx, preferCache)
	r.finish(ListProjects{}, err, fromCache)
	return projects, err
}

func (r *Repository) listProjects(ctx context.Context, preferCache bool) ([]Project, bool, error) {
	if preferCache {
		if cached := r.CachedProjects(); len(cached) > 0 {
			return cached, true, nil
		}
	}

	projects, err := r.fetchProjects(ctx)
	if err != nil {
		if cached := r.CachedProjects(); len(cached) > 0 {
			r.logger.Warn("list projects failed, serving cache",
				"error", err,
				"cached", len(cached),
			)
			return cached, true, nil
		}
		return nil, false, err
	}

	r.mu.Lock()
	r.projects = cloneProjects(projects)
	r.mu.Unlock()
	r.persistProjects()
	return projects, false, nil
}

func (r *Repository) fetchProjects(ctx context.Context) ([]Project, error) {
	text, err := r.gw.CallTool(ctx, ToolListProjects, ListProjects{}.Arguments())
	if err != nil {
		return nil, err
	}
	projects, err := ParseProjectList(text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ToolListProjects, err)
	}
	return projects, nil
}

// CachedTasks returns a copy of the cached task list.
func (r *Repository) CachedTasks() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneTasks(r.tasks)
}

// cachedTasksFor returns the cached tasks in projectID, or the whole
// cache when projectID is empty.
func (r *Repository) cachedTasksFor(projectID string) []Task {
	if projectID == "" {
		return r.CachedTasks()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Task
	for _, t := range r.tasks {
		if t.ProjectID != nil && *t.ProjectID == projectID {
			out = append(out, cloneTask(t))
		}
	}
	return out
}

// CachedProjects returns a copy of the cached project list.
func (r *Repository) CachedProjects() []Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneProjects(r.projects)
}

func (r *Repository) cachedTask(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tasks {
		if t.ID == id {
			return cloneTask(t), true
		}
	}
	return Task{}, false
}

// finish appends a to the history and publishes the outcome.
func (r *Repository) finish(a Action, err error, fromCache bool) HistoryEntry {
	e := r.history.Append(a, err)

	data := map[string]any{
		"seq":        e.Seq,
		"tool":       e.Tool,
		"ok":         err == nil,
		"from_cache": fromCache,
	}
	if err != nil {
		data["error"] = err.Error()
		r.logger.Warn("action failed", "action", e.Detail, "seq", e.Seq, "error", err)
	} else {
		r.logger.Debug("action executed", "action", e.Detail, "seq", e.Seq, "from_cache", fromCache)
	}

	r.bus.Publish(events.Event{
		Source: events.SourceRepository,
		Kind:   events.KindActionExecuted,
		Data:   data,
	})
	return e
}

// --- Snapshots ---

// Restore seeds an empty cache from the snapshot store. A missing store
// or missing snapshot is not an error.
func (r *Repository) Restore() error {
	if r.snaps == nil {
		return nil
	}

	var tasks []Task
	if err := r.loadSnapshot(SnapshotTasksKey, &tasks); err != nil {
		return err
	}
	var projects []Project
	if err := r.loadSnapshot(SnapshotProjectsKey, &projects); err != nil {
		return err
	}

	r.mu.Lock()
	if len(r.tasks) == 0 {
		r.tasks = tasks
	}
	if len(r.projects) == 0 {
		r.projects = projects
	}
	r.mu.Unlock()

	r.logger.Info("cache restored from snapshot",
		"tasks", len(tasks),
		"projects", len(projects),
	)
	return nil
}

func (r *Repository) loadSnapshot(key string, v any) error {
	raw, err := r.snaps.Get(SnapshotNamespace, key)
	if err != nil {
		return fmt.Errorf("load %s snapshot: %w", key, err)
	}
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode %s snapshot: %w", key, err)
	}
	return nil
}

func (r *Repository) persistTasks() {
	if r.snaps == nil {
		return
	}
	r.saveSnapshot(SnapshotTasksKey, r.CachedTasks())
}

func (r *Repository) persistProjects() {
	if r.snaps == nil {
		return
	}
	r.saveSnapshot(SnapshotProjectsKey, r.CachedProjects())
}

// saveSnapshot writes v under key. Failures are logged; the in-memory
// cache stays authoritative.
func (r *Repository) saveSnapshot(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Warn("encode snapshot failed", "key", key, "error", err)
		return
	}
	if err := r.snaps.Set(SnapshotNamespace, key, string(data)); err != nil {
		r.logger.Warn("save snapshot failed", "key", key, "error", err)
	}
}

package todo

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Tool names understood by the task server.
const (
	ToolCreateTask   = "create_task"
	ToolUpdateTask   = "update_task"
	ToolCompleteTask = "complete_task"
	ToolDeleteTask   = "delete_task"
	ToolListTasks    = "list_tasks"
	ToolListProjects = "list_projects"
)

// ErrInvalidAction is returned for an action that fails local validation
// before anything is sent.
var ErrInvalidAction = errors.New("invalid action")

// Action is one of the six operations the repository accepts:
// [CreateTask], [UpdateTask], [CompleteTask], [DeleteTask], [ListTasks],
// and [ListProjects]. The set is closed.
type Action interface {
	// Tool returns the server tool that carries out the action.
	Tool() string
	// Arguments returns the tools/call arguments object. Zero-valued
	// optional fields are omitted.
	Arguments() map[string]any
	// Validate checks required fields.
	Validate() error

	action()
}

// CreateTask adds a new task.
type CreateTask struct {
	Content     string   `json:"content"`
	Description string   `json:"description,omitempty"`
	ProjectID   string   `json:"project_id,omitempty"`
	DueString   string   `json:"due_string,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// UpdateTask changes fields of an existing task. Empty fields are left
// unchanged on the server.
type UpdateTask struct {
	TaskID      string   `json:"task_id"`
	Content     string   `json:"content,omitempty"`
	Description string   `json:"description,omitempty"`
	DueString   string   `json:"due_string,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// CompleteTask marks a task done.
type CompleteTask struct {
	TaskID string `json:"task_id"`
}

// DeleteTask removes a task.
type DeleteTask struct {
	TaskID string `json:"task_id"`
}

// ListTasks fetches tasks, optionally scoped to a project or a server
// filter expression.
type ListTasks struct {
	ProjectID string `json:"project_id,omitempty"`
	Filter    string `json:"filter,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ListProjects fetches all projects.
type ListProjects struct{}

func (CreateTask) action()   {}
func (UpdateTask) action()   {}
func (CompleteTask) action() {}
func (DeleteTask) action()   {}
func (ListTasks) action()    {}
func (ListProjects) action() {}

func (CreateTask) Tool() string   { return ToolCreateTask }
func (UpdateTask) Tool() string   { return ToolUpdateTask }
func (CompleteTask) Tool() string { return ToolCompleteTask }
func (DeleteTask) Tool() string   { return ToolDeleteTask }
func (ListTasks) Tool() string    { return ToolListTasks }
func (ListProjects) Tool() string { return ToolListProjects }

func (a CreateTask) Arguments() map[string]any {
	args := map[string]any{"content": a.Content}
	putString(args, "description", a.Description)
	putString(args, "project_id", a.ProjectID)
	putString(args, "due_string", a.DueString)
	putInt(args, "priority", a.Priority)
	putLabels(args, a.Labels)
	return args
}

func (a UpdateTask) Arguments() map[string]any {
	args := map[string]any{"task_id": a.TaskID}
	putString(args, "content", a.Content)
	putString(args, "description", a.Description)
	putString(args, "due_string", a.DueString)
	putInt(args, "priority", a.Priority)
	putLabels(args, a.Labels)
	return args
}

func (a CompleteTask) Arguments() map[string]any {
	return map[string]any{"task_id": a.TaskID}
}

func (a DeleteTask) Arguments() map[string]any {
	return map[string]any{"task_id": a.TaskID}
}

func (a ListTasks) Arguments() map[string]any {
	args := map[string]any{}
	putString(args, "project_id", a.ProjectID)
	putString(args, "filter", a.Filter)
	putInt(args, "limit", a.Limit)
	return args
}

func (ListProjects) Arguments() map[string]any {
	return map[string]any{}
}

func (a CreateTask) Validate() error {
	if strings.TrimSpace(a.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidAction)
	}
	return validatePriority(a.Priority)
}

func (a UpdateTask) Validate() error {
	if a.TaskID == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidAction)
	}
	return validatePriority(a.Priority)
}

func (a CompleteTask) Validate() error { return requireTaskID(a.TaskID) }
func (a DeleteTask) Validate() error   { return requireTaskID(a.TaskID) }

func (a ListTasks) Validate() error {
	if a.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidAction)
	}
	return nil
}

func (ListProjects) Validate() error { return nil }

// Describe renders an action as tool(key=value, ...) with keys sorted,
// for logs and history listings.
func Describe(a Action) string {
	args := a.Arguments()
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return a.Tool() + "(" + strings.Join(parts, ", ") + ")"
}

func requireTaskID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidAction)
	}
	return nil
}

func validatePriority(p int) error {
	if p != 0 && (p < 1 || p > 4) {
		return fmt.Errorf("%w: priority %d out of range 1-4", ErrInvalidAction, p)
	}
	return nil
}

func putString(args map[string]any, key, v string) {
	if v != "" {
		args[key] = v
	}
}

func putInt(args map[string]any, key string, v int) {
	if v != 0 {
		args[key] = v
	}
}

func putLabels(args map[string]any, labels []string) {
	if len(labels) > 0 {
		args["labels"] = append([]string(nil), labels...)
	}
}

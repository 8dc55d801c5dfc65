// Package todo is the task repository layered over the protocol client.
//
// A [Repository] turns typed [Action] values into tools/call requests,
// parses the server's human-readable tool output into [Task] and
// [Project] values, and keeps an in-memory cache of the last-known lists
// so reads can survive a flaky connection. Every executed action is
// appended to a bounded [History].
//
// The server emits text, not structured data, for its tool results. The
// line grammar in parse.go is the whole contract: anything that looks
// like a list entry but does not match is reported as [ErrParse] rather
// than guessed at.
package todo

import "time"

// Task is a single to-do item as reported by the server.
type Task struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Description string    `json:"description,omitempty"`
	ProjectID   *string   `json:"project_id"`
	IsCompleted bool      `json:"is_completed"`
	Priority    int       `json:"priority"` // 1 (normal) to 4 (urgent)
	Labels      []string  `json:"labels,omitempty"`
	Due         string    `json:"due,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	URL         string    `json:"url,omitempty"`
}

// Project groups tasks. Projects are read-only from the client's side.
type Project struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Color      string  `json:"color,omitempty"`
	ParentID   *string `json:"parent_id,omitempty"`
	Order      int     `json:"order"`
	IsFavorite bool    `json:"is_favorite"`
	IsShared   bool    `json:"is_shared"`
	URL        string  `json:"url,omitempty"`
}

// NotificationStatus is the server-side due-task reminder configuration.
type NotificationStatus struct {
	Enabled         bool `json:"enabled"`
	IntervalSeconds int  `json:"intervalSeconds"`
}

// NotificationEvent is the payload of an unsolicited notifications/tasks
// push. Timestamp is whatever the server sent (milliseconds since the
// epoch in practice).
type NotificationEvent struct {
	Message   string `json:"message"`
	TaskCount int    `json:"taskCount"`
	Timestamp int64  `json:"timestamp"`
}

// cloneTask returns a deep copy of t so cached values never share
// backing storage with callers.
func cloneTask(t Task) Task {
	if t.ProjectID != nil {
		id := *t.ProjectID
		t.ProjectID = &id
	}
	if t.Labels != nil {
		t.Labels = append([]string(nil), t.Labels...)
	}
	return t
}

func cloneTasks(in []Task) []Task {
	out := make([]Task, len(in))
	for i, t := range in {
		out[i] = cloneTask(t)
	}
	return out
}

func cloneProjects(in []Project) []Project {
	out := make([]Project, len(in))
	for i, p := range in {
		if p.ParentID != nil {
			id := *p.ParentID
			p.ParentID = &id
		}
		out[i] = p
	}
	return out
}

func strPtr(s string) *string { return &s }

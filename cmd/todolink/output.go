package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nugget/todolink/internal/todo"
)

// source describes where a listing came from.
type source struct {
	FromCache bool      `json:"from_cache"`
	SavedAt   time.Time `json:"saved_at,omitzero"`
}

func (s source) note() string {
	if !s.FromCache {
		return ""
	}
	if s.SavedAt.IsZero() {
		return "(from cache)"
	}
	return fmt.Sprintf("(from cache, saved %s)", s.SavedAt.Local().Format(time.DateTime))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTasks(w io.Writer, format string, tasks []todo.Task, src source) error {
	if format == "json" {
		return writeJSON(w, struct {
			Tasks []todo.Task `json:"tasks"`
			source
		}{tasks, src})
	}

	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
	}
	for _, t := range tasks {
		fmt.Fprintln(w, taskLine(t))
	}
	if note := src.note(); note != "" {
		fmt.Fprintln(w, note)
	}
	return nil
}

func printTask(w io.Writer, format string, t todo.Task) error {
	if format == "json" {
		return writeJSON(w, t)
	}
	fmt.Fprintln(w, taskLine(t))
	return nil
}

// taskLine renders a task in the same shape the server lists it, plus
// whatever detail is known.
func taskLine(t todo.Task) string {
	mark := " "
	if t.IsCompleted {
		mark = "x"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "- [%s] %s (ID: %s)", mark, t.Content, t.ID)
	if t.Priority > 1 {
		fmt.Fprintf(&b, " p%d", t.Priority)
	}
	if t.Due != "" {
		fmt.Fprintf(&b, " due %s", t.Due)
	}
	if len(t.Labels) > 0 {
		fmt.Fprintf(&b, " @%s", strings.Join(t.Labels, " @"))
	}
	return b.String()
}

func printProjects(w io.Writer, format string, projects []todo.Project, src source) error {
	if format == "json" {
		return writeJSON(w, struct {
			Projects []todo.Project `json:"projects"`
			source
		}{projects, src})
	}

	if len(projects) == 0 {
		fmt.Fprintln(w, "no projects")
	}
	for _, p := range projects {
		fmt.Fprintf(w, "- %s (ID: %s) [%s]\n", p.Name, p.ID, p.Color)
	}
	if note := src.note(); note != "" {
		fmt.Fprintln(w, note)
	}
	return nil
}

func printNotificationStatus(w io.Writer, format string, s todo.NotificationStatus) error {
	if format == "json" {
		return writeJSON(w, s)
	}
	state := "disabled"
	if s.Enabled {
		state = "enabled"
	}
	fmt.Fprintf(w, "notifications %s, every %ds\n", state, s.IntervalSeconds)
	return nil
}

func printConfirmation(w io.Writer, format, what, detail string) error {
	if format == "json" {
		return writeJSON(w, map[string]string{"result": what, "detail": detail})
	}
	fmt.Fprintf(w, "%s %s\n", what, detail)
	return nil
}

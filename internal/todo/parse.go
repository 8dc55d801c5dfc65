package todo

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrParse is returned when tool output does not follow the expected
// line grammar.
var ErrParse = errors.New("unparseable tool output")

var (
	// "Label: value" lines in create/update output.
	labelLine = regexp.MustCompile(`^([A-Za-z][A-Za-z ]*?):\s*(.*)$`)

	// "- [ ] content (ID: 123)" with [x] for completed tasks.
	taskLine = regexp.MustCompile(`^- \[([ xX])\] (.+) \(ID: (\d+)\)$`)

	// "- name (ID: 123) [color]".
	projectLine = regexp.MustCompile(`^- (.+) \(ID: (\d+)\) \[([^\]]*)\]$`)
)

// ParseTaskDetail parses the "Label: value" block returned by create_task
// and update_task. Fields missing from text keep their value from
// fallback. "None" or an empty Project ID clears the project.
func ParseTaskDetail(text string, fallback Task) (Task, error) {
	t := cloneTask(fallback)
	if t.Priority == 0 {
		t.Priority = 1
	}

	for _, raw := range strings.Split(text, "\n") {
		m := labelLine.FindStringSubmatch(strings.TrimSpace(raw))
		if m == nil {
			continue
		}
		label, value := strings.ToLower(strings.TrimSpace(m[1])), strings.TrimSpace(m[2])

		switch label {
		case "id":
			t.ID = value
		case "content":
			t.Content = value
		case "description":
			t.Description = value
		case "project id":
			if value == "" || strings.EqualFold(value, "none") {
				t.ProjectID = nil
			} else {
				t.ProjectID = strPtr(value)
			}
		case "due":
			if !strings.EqualFold(value, "none") {
				t.Due = value
			}
		case "priority":
			p, err := strconv.Atoi(value)
			if err != nil || p < 1 || p > 4 {
				return Task{}, fmt.Errorf("%w: priority %q", ErrParse, value)
			}
			t.Priority = p
		case "labels":
			t.Labels = splitLabels(value)
		case "url":
			t.URL = value
		}
	}

	if t.ID == "" {
		return Task{}, fmt.Errorf("%w: no task ID in %q", ErrParse, firstLine(text))
	}
	return t, nil
}

// ParseTaskList parses list_tasks output. Only lines starting with "- "
// are considered; each must be a well-formed task entry. An output with
// no entries yields an empty, non-nil slice.
func ParseTaskList(text string) ([]Task, error) {
	tasks := []Task{}
	for n, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		m := taskLine.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("%w: line %d: %q", ErrParse, n+1, line)
		}
		tasks = append(tasks, Task{
			ID:          m[3],
			Content:     m[2],
			IsCompleted: m[1] != " ",
			Priority:    1,
		})
	}
	return tasks, nil
}

// ParseProjectList parses list_projects output with the same strictness
// as ParseTaskList. Order follows the listing.
func ParseProjectList(text string) ([]Project, error) {
	projects := []Project{}
	for n, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		m := projectLine.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("%w: line %d: %q", ErrParse, n+1, line)
		}
		projects = append(projects, Project{
			ID:    m[2],
			Name:  m[1],
			Color: m[3],
			Order: len(projects),
		})
	}
	return projects, nil
}

func splitLabels(s string) []string {
	if s == "" || strings.EqualFold(s, "none") {
		return nil
	}
	var out []string
	for _, l := range strings.Split(s, ",") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

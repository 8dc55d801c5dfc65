package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nugget/todolink/internal/todo"
)

// flagSpec names the flags a subcommand accepts. The value reports
// whether the flag takes an argument; false means a boolean switch.
type flagSpec map[string]bool

// parsedFlags is the result of parseFlags.
type parsedFlags struct {
	values map[string][]string
	args   []string
}

// parseFlags splits subcommand arguments into flags and positionals.
// Flags may be given as "-name value" or "-name=value" and may repeat.
func parseFlags(args []string, spec flagSpec) (parsedFlags, error) {
	p := parsedFlags{values: make(map[string][]string)}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			p.args = append(p.args, arg)
			continue
		}

		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		takesValue, ok := spec[name]
		if !ok {
			return p, fmt.Errorf("unknown flag: %s", arg)
		}
		switch {
		case !takesValue && hasValue:
			return p, fmt.Errorf("flag -%s does not take a value", name)
		case !takesValue:
			value = "true"
		case !hasValue:
			if i+1 >= len(args) {
				return p, fmt.Errorf("flag -%s requires a value", name)
			}
			i++
			value = args[i]
		}
		p.values[name] = append(p.values[name], value)
	}
	return p, nil
}

func (p parsedFlags) str(name string) string {
	v := p.values[name]
	if len(v) == 0 {
		return ""
	}
	return v[len(v)-1]
}

func (p parsedFlags) all(name string) []string {
	return p.values[name]
}

func (p parsedFlags) has(name string) bool {
	return len(p.values[name]) > 0
}

func (p parsedFlags) int(name string) (int, error) {
	s := p.str(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("flag -%s: %q is not a number", name, s)
	}
	return n, nil
}

// withApp opens the client stack for the duration of fn.
func withApp(ctx context.Context, stderr io.Writer, opts options, fn func(*app) error) error {
	a, err := openApp(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer a.close()
	return withCode(exitBackend, fn(a))
}

func runTasks(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	f, err := parseFlags(args, flagSpec{"project": true, "filter": true, "limit": true, "cached": false})
	if err != nil {
		return err
	}
	limit, err := f.int("limit")
	if err != nil {
		return err
	}
	q := todo.ListTasks{ProjectID: f.str("project"), Filter: f.str("filter"), Limit: limit}
	if err := q.Validate(); err != nil {
		return err
	}

	return withApp(ctx, stderr, opts, func(a *app) error {
		var (
			tasks     []todo.Task
			fromCache bool
		)
		if f.has("cached") {
			fromCache = len(a.repo.CachedTasks()) > 0
			if tasks, err = a.repo.ListTasks(ctx, q, true); err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
		} else {
			res := a.repo.Execute(ctx, q)
			if res.Err != nil {
				return fmt.Errorf("list tasks: %w", res.Err)
			}
			tasks, fromCache = res.Tasks, res.FromCache
		}

		src := source{FromCache: fromCache}
		if fromCache {
			src.SavedAt, _ = a.snapshotTime(todo.SnapshotTasksKey)
		}
		return printTasks(stdout, opts.output, tasks, src)
	})
}

func runProjects(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	f, err := parseFlags(args, flagSpec{"cached": false})
	if err != nil {
		return err
	}
	if len(f.args) > 0 {
		return fmt.Errorf("usage: todolink projects [-cached]")
	}

	return withApp(ctx, stderr, opts, func(a *app) error {
		var (
			projects  []todo.Project
			fromCache bool
		)
		if f.has("cached") {
			fromCache = len(a.repo.CachedProjects()) > 0
			if projects, err = a.repo.ListProjects(ctx, true); err != nil {
				return fmt.Errorf("list projects: %w", err)
			}
		} else {
			res := a.repo.Execute(ctx, todo.ListProjects{})
			if res.Err != nil {
				return fmt.Errorf("list projects: %w", res.Err)
			}
			projects, fromCache = res.Projects, res.FromCache
		}

		src := source{FromCache: fromCache}
		if fromCache {
			src.SavedAt, _ = a.snapshotTime(todo.SnapshotProjectsKey)
		}
		return printProjects(stdout, opts.output, projects, src)
	})
}

var taskFieldFlags = flagSpec{
	"description": true,
	"due":         true,
	"priority":    true,
	"label":       true,
}

func runAdd(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	spec := flagSpec{"project": true}
	for k, v := range taskFieldFlags {
		spec[k] = v
	}
	f, err := parseFlags(args, spec)
	if err != nil {
		return err
	}
	priority, err := f.int("priority")
	if err != nil {
		return err
	}

	action := todo.CreateTask{
		Content:     strings.Join(f.args, " "),
		Description: f.str("description"),
		ProjectID:   f.str("project"),
		DueString:   f.str("due"),
		Priority:    priority,
		Labels:      f.all("label"),
	}
	if err := action.Validate(); err != nil {
		return fmt.Errorf("usage: todolink add <content> [flags]: %w", err)
	}
	return executeTask(ctx, stdout, stderr, opts, action)
}

func runUpdate(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	spec := flagSpec{"content": true}
	for k, v := range taskFieldFlags {
		spec[k] = v
	}
	f, err := parseFlags(args, spec)
	if err != nil {
		return err
	}
	if len(f.args) != 1 {
		return fmt.Errorf("usage: todolink update <id> [flags]")
	}
	priority, err := f.int("priority")
	if err != nil {
		return err
	}

	action := todo.UpdateTask{
		TaskID:      f.args[0],
		Content:     f.str("content"),
		Description: f.str("description"),
		DueString:   f.str("due"),
		Priority:    priority,
		Labels:      f.all("label"),
	}
	if err := action.Validate(); err != nil {
		return err
	}
	return executeTask(ctx, stdout, stderr, opts, action)
}

// executeTask runs a create or update and prints the resulting task.
func executeTask(ctx context.Context, stdout, stderr io.Writer, opts options, action todo.Action) error {
	return withApp(ctx, stderr, opts, func(a *app) error {
		res := a.repo.Execute(ctx, action)
		if res.Err != nil {
			return fmt.Errorf("%s: %w", action.Tool(), res.Err)
		}
		return printTask(stdout, opts.output, *res.Task)
	})
}

// runRemove handles "done" (complete) and "rm" (delete).
func runRemove(ctx context.Context, stdout, stderr io.Writer, opts options, args []string, complete bool) error {
	verb, past := "rm", "deleted"
	if complete {
		verb, past = "done", "completed"
	}
	if len(args) != 1 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: todolink %s <id>", verb)
	}

	var action todo.Action = todo.DeleteTask{TaskID: args[0]}
	if complete {
		action = todo.CompleteTask{TaskID: args[0]}
	}

	return withApp(ctx, stderr, opts, func(a *app) error {
		res := a.repo.Execute(ctx, action)
		if res.Err != nil {
			return fmt.Errorf("%s: %w", action.Tool(), res.Err)
		}
		return printConfirmation(stdout, opts.output, past, args[0])
	})
}

func runNotify(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	const usage = "usage: todolink notify enable|disable|interval <seconds>|max <count>|status"
	if len(args) == 0 {
		return fmt.Errorf("%s", usage)
	}

	sub := args[0]
	var n int
	switch sub {
	case "enable", "disable", "status":
		if len(args) != 1 {
			return fmt.Errorf("%s", usage)
		}
	case "interval", "max":
		if len(args) != 2 {
			return fmt.Errorf("%s", usage)
		}
		v, err := strconv.Atoi(args[1])
		if err != nil || v <= 0 {
			return fmt.Errorf("notify %s: %q must be a positive number", sub, args[1])
		}
		n = v
	default:
		return fmt.Errorf("unknown notify subcommand: %s", sub)
	}

	return withApp(ctx, stderr, opts, func(a *app) error {
		var ok bool
		switch sub {
		case "enable":
			ok = a.repo.EnableNotifications(ctx)
		case "disable":
			ok = a.repo.DisableNotifications(ctx)
		case "interval":
			ok = a.repo.SetNotificationInterval(ctx, n)
		case "max":
			ok = a.repo.SetMaxTasks(ctx, n)
		case "status":
			status := a.repo.NotificationStatus(ctx)
			if status == nil {
				return fmt.Errorf("notify status: server did not report a status")
			}
			return printNotificationStatus(stdout, opts.output, *status)
		}
		if !ok {
			return fmt.Errorf("notify %s: server rejected the request", sub)
		}
		return printConfirmation(stdout, opts.output, "notify "+sub, "ok")
	})
}

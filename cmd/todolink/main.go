// Todolink is a command-line client for a remote task server.
//
// It keeps a WebSocket connection to the server, speaks JSON-RPC 2.0
// with the MCP-style handshake, and exposes the server's task tools as
// subcommands. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	todolink watch                 Stay connected and stream events
//	todolink tasks [flags]         List tasks
//	todolink projects [-cached]    List projects
//	todolink add <content> ...     Create a task
//	todolink update <id> ...       Update a task
//	todolink done <id>             Complete a task
//	todolink rm <id>               Delete a task
//	todolink notify <subcommand>   Control due-task reminders
//	todolink version               Print version and build information
//	todolink -o json tasks         Output as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/todolink/internal/buildinfo"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole command lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}

// options holds the global flags shared by every command.
type options struct {
	configPath string
	output     string // "text" or "json"
}

// run is the real entry point. Command output goes to stdout; logs and
// diagnostics go to stderr. Arguments are parsed by hand to keep the
// flag package's globals out of tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.output = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.output = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.output = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.output == "" {
		opts.output = "text"
	}
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}

	switch command {
	case "watch":
		return runWatch(ctx, stdout, stderr, opts)
	case "tasks":
		return runTasks(ctx, stdout, stderr, opts, cmdArgs)
	case "projects":
		return runProjects(ctx, stdout, stderr, opts, cmdArgs)
	case "add":
		return runAdd(ctx, stdout, stderr, opts, cmdArgs)
	case "update":
		return runUpdate(ctx, stdout, stderr, opts, cmdArgs)
	case "done":
		return runRemove(ctx, stdout, stderr, opts, cmdArgs, true)
	case "rm":
		return runRemove(ctx, stdout, stderr, opts, cmdArgs, false)
	case "notify":
		return runNotify(ctx, stdout, stderr, opts, cmdArgs)
	case "version":
		return runVersion(stdout, opts.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Todolink - task server client")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: todolink [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  watch                                  Stay connected, stream state and reminders")
	fmt.Fprintln(w, "  tasks [-project id] [-filter f] [-limit n] [-cached]")
	fmt.Fprintln(w, "                                         List tasks")
	fmt.Fprintln(w, "  projects [-cached]                     List projects")
	fmt.Fprintln(w, "  add <content> [-description d] [-project id] [-due s] [-priority n] [-label l]...")
	fmt.Fprintln(w, "                                         Create a task")
	fmt.Fprintln(w, "  update <id> [-content c] [-description d] [-due s] [-priority n] [-label l]...")
	fmt.Fprintln(w, "                                         Update a task")
	fmt.Fprintln(w, "  done <id>                              Complete a task")
	fmt.Fprintln(w, "  rm <id>                                Delete a task")
	fmt.Fprintln(w, "  notify enable|disable|interval <sec>|max <n>|status")
	fmt.Fprintln(w, "                                         Control due-task reminders")
	fmt.Fprintln(w, "  version                                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/todolink/config.yaml, /etc/todolink/config.yaml")
	return nil
}

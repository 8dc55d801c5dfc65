package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/todolink/internal/config"
	"github.com/nugget/todolink/internal/connwatch"
	"github.com/nugget/todolink/internal/events"
	"github.com/nugget/todolink/internal/mcp"
	"github.com/nugget/todolink/internal/opstate"
	"github.com/nugget/todolink/internal/todo"
)

// app is the wired client stack shared by every server-facing command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus
	client *mcp.Client
	sup    *connwatch.Supervisor
	store  *opstate.Store // nil when cache.persist is off
	repo   *todo.Repository
}

// openApp loads configuration, builds the client stack, restores the
// cache snapshot, and starts connecting. A failed first dial is logged,
// not returned: the supervisor keeps retrying and reads can still be
// answered from cache.
func openApp(ctx context.Context, logOut io.Writer, opts options) (*app, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, withCode(exitConfig, err)
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by Load
	logger := config.NewLogger(logOut, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)

	a := &app{
		cfg:    cfg,
		logger: logger,
		bus:    events.New(),
	}

	headers := map[string]string{}
	if cfg.Server.Token != "" {
		headers["Authorization"] = "Bearer " + cfg.Server.Token
	}
	transport, err := mcp.NewWSTransport(mcp.WSConfig{
		URL:     cfg.Server.URL,
		Headers: headers,
		Logger:  logger,
	})
	if err != nil {
		return nil, withCode(exitConfig, err)
	}

	a.client = mcp.NewClient(transport, mcp.ClientConfig{
		RequestTimeout:    cfg.Server.RequestTimeout,
		HandshakePoll:     cfg.Server.HandshakePoll,
		HandshakeAttempts: cfg.Server.HandshakeAttempts,
		Bus:               a.bus,
		Logger:            logger,
	})

	a.sup = connwatch.NewSupervisor(ctx, connwatch.SupervisorConfig{
		Name:        "taskserver",
		Reconnect:   a.client.Reconnect,
		IsConnected: a.client.IsConnected,
		Backoff: connwatch.BackoffConfig{
			Delay:       cfg.Reconnect.Delay,
			Multiplier:  cfg.Reconnect.Multiplier,
			MaxDelay:    cfg.Reconnect.MaxDelay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		OnReady: func() {
			logger.Info("task server connection restored")
		},
		Logger: logger,
	})
	a.client.SetReconnector(a.sup)

	repoCfg := todo.Config{
		Gateway:     a.client,
		HistorySize: cfg.Cache.HistorySize,
		Bus:         a.bus,
		Logger:      logger,
	}
	if cfg.Cache.Persist {
		store, err := openStore(cfg.StatePath())
		if err != nil {
			a.close()
			return nil, withCode(exitBackend, err)
		}
		a.store = store
		repoCfg.Snapshots = store
	}
	a.repo = todo.NewRepository(repoCfg)
	if err := a.repo.Restore(); err != nil {
		logger.Warn("cache snapshot not restored", "error", err)
	}

	if err := a.client.Connect(ctx); err != nil {
		logger.Warn("initial connection failed, retrying in background", "error", err)
	}
	return a, nil
}

// openStore opens the state database, creating its directory.
func openStore(path string) (*opstate.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := opstate.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open state database %s: %w", path, err)
	}
	return store, nil
}

// close tears the stack down in reverse order.
func (a *app) close() {
	if a.sup != nil {
		a.sup.Stop()
	}
	if a.client != nil {
		a.client.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close state database", "error", err)
		}
	}
}

// snapshotTime reports when the cached copy under key was last saved.
func (a *app) snapshotTime(key string) (time.Time, bool) {
	if a.store == nil {
		return time.Time{}, false
	}
	t, ok, err := a.store.UpdatedAt(todo.SnapshotNamespace, key)
	if err != nil {
		a.logger.Debug("snapshot timestamp unavailable", "key", key, "error", err)
		return time.Time{}, false
	}
	return t, ok
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

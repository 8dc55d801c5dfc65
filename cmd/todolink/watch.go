package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nugget/todolink/internal/events"
	"github.com/nugget/todolink/internal/relay"
	"github.com/nugget/todolink/internal/todo"
)

// runWatch stays connected until ctx is cancelled, printing connection
// state changes and due-task reminders, and relaying both to MQTT when
// a broker is configured.
func runWatch(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	return withApp(ctx, stderr, opts, func(a *app) error {
		states := a.bus.Subscribe(32)
		defer a.bus.Unsubscribe(states)

		reminders := make(chan todo.NotificationEvent, 16)
		a.repo.SubscribeTasks(func(ev todo.NotificationEvent) {
			select {
			case reminders <- ev:
			default:
				a.logger.Warn("reminder dropped, output is behind")
			}
		})
		defer a.repo.SubscribeTasks(nil)

		if a.cfg.MQTT.Configured() {
			stopRelay, err := startRelay(ctx, a)
			if err != nil {
				return err
			}
			defer stopRelay()
		}

		a.logger.Info("watching task server", "url", a.cfg.Server.URL)
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-states:
				if !ok {
					return nil
				}
				if e.Source != events.SourceConnection || e.Kind != events.KindStateChanged {
					continue
				}
				if err := printWatchLine(stdout, opts.output, e.Timestamp, "state", e.Data); err != nil {
					return err
				}
			case ev := <-reminders:
				data := map[string]any{"message": ev.Message, "task_count": ev.TaskCount}
				if err := printWatchLine(stdout, opts.output, time.UnixMilli(ev.Timestamp), "reminder", data); err != nil {
					return err
				}
			}
		}
	})
}

// startRelay connects to the MQTT broker and forwards bus events until
// the returned stop function is called.
func startRelay(ctx context.Context, a *app) (stop func(), err error) {
	instanceID, err := relayInstanceID(a)
	if err != nil {
		return nil, err
	}

	broker, err := relay.Dial(ctx, a.cfg.MQTT, instanceID, 10*time.Second, a.logger)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r := relay.New(relay.Config{
		Prefix:     a.cfg.MQTT.TopicPrefix,
		InstanceID: instanceID,
		Bus:        a.bus,
		Publisher:  broker,
		Logger:     a.logger,
	})
	go func() {
		defer close(done)
		r.Run(rctx)
	}()

	// The first connect happened before the relay subscribed.
	if err := broker.Publish(ctx, broker.Topics().Connection, []byte(a.client.State().String()), true); err != nil {
		a.logger.Warn("mqtt initial state publish failed", "error", err)
	}

	return func() {
		cancel()
		<-done
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := broker.Close(shutdownCtx); err != nil {
			a.logger.Warn("mqtt disconnect", "error", err)
		}
	}, nil
}

// relayInstanceID returns the persisted instance id, or the hostname
// when the state database is disabled.
func relayInstanceID(a *app) (string, error) {
	if a.store != nil {
		return relay.LoadOrCreateInstanceID(a.store)
	}
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("relay instance id: %w", err)
	}
	return host, nil
}

func printWatchLine(w io.Writer, format string, ts time.Time, kind string, data map[string]any) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(map[string]any{"ts": ts, "kind": kind, "data": data})
	}
	switch kind {
	case "state":
		_, err := fmt.Fprintf(w, "%s  %-8s %v\n", ts.Local().Format(time.TimeOnly), kind, data["state"])
		return err
	default:
		_, err := fmt.Fprintf(w, "%s  %-8s %v (%v tasks)\n", ts.Local().Format(time.TimeOnly), kind, data["message"], data["task_count"])
		return err
	}
}

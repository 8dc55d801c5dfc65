// Package relay republishes client events to an MQTT broker so that
// home-automation dashboards can show connection health and due-task
// reminders without speaking the task server's protocol.
//
// Topics, under <prefix>/<instance-id>/:
//
//	availability  online/offline (retained, also the last will)
//	connection    current connection state (retained)
//	tasks_due     JSON event for each due-task push
//	actions       JSON event for each executed repository action
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nugget/todolink/internal/events"
)

// Publisher sends one message to the broker. *Broker satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// Config configures a Relay.
type Config struct {
	// Prefix is the topic root (default: "todolink").
	Prefix string
	// InstanceID distinguishes multiple clients on one broker. Required.
	InstanceID string
	// Bus is the event source. Required.
	Bus *events.Bus
	// Publisher delivers messages. Required.
	Publisher Publisher
	// PublishTimeout bounds each publish (default: 5s).
	PublishTimeout time.Duration
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Relay forwards bus events to MQTT topics.
type Relay struct {
	topics  Topics
	bus     *events.Bus
	pub     Publisher
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a relay. Panics if a required field is missing.
func New(cfg Config) *Relay {
	if cfg.InstanceID == "" || cfg.Bus == nil || cfg.Publisher == nil {
		panic("relay: InstanceID, Bus and Publisher are required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "todolink"
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		topics:  NewTopics(cfg.Prefix, cfg.InstanceID),
		bus:     cfg.Bus,
		pub:     cfg.Publisher,
		timeout: cfg.PublishTimeout,
		logger:  cfg.Logger.With("component", "relay"),
	}
}

// Run forwards events until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	sub := r.bus.Subscribe(64)
	defer r.bus.Unsubscribe(sub)

	r.logger.Info("relay started", "topic_root", r.topics.Base)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			r.forward(ctx, e)
		}
	}
}

// forward publishes e if it maps to a topic. Other events are ignored.
func (r *Relay) forward(ctx context.Context, e events.Event) {
	var (
		topic   string
		payload []byte
		retain  bool
	)

	switch {
	case e.Source == events.SourceConnection && e.Kind == events.KindStateChanged:
		state, _ := e.Data["state"].(string)
		topic, payload, retain = r.topics.Connection, []byte(state), true
	case e.Source == events.SourceNotifications && e.Kind == events.KindTasksDue:
		topic, payload = r.topics.TasksDue, r.marshal(e)
	case e.Source == events.SourceRepository && e.Kind == events.KindActionExecuted:
		topic, payload = r.topics.Actions, r.marshal(e)
	default:
		return
	}
	if payload == nil {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.pub.Publish(pctx, topic, payload, retain); err != nil {
		r.logger.Warn("relay publish failed", "topic", topic, "error", err)
		return
	}
	r.logger.Debug("relayed event", "topic", topic, "kind", e.Kind)
}

func (r *Relay) marshal(e events.Event) []byte {
	data, err := json.Marshal(e)
	if err != nil {
		r.logger.Error("relay marshal event", "kind", e.Kind, "error", err)
		return nil
	}
	return data
}

// Topics holds the relay's topic names.
type Topics struct {
	Base         string
	Availability string
	Connection   string
	TasksDue     string
	Actions      string
}

// NewTopics builds topic names under prefix/instanceID.
func NewTopics(prefix, instanceID string) Topics {
	base := prefix + "/" + instanceID
	return Topics{
		Base:         base,
		Availability: base + "/availability",
		Connection:   base + "/connection",
		TasksDue:     base + "/tasks_due",
		Actions:      base + "/actions",
	}
}

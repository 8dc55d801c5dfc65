package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/todolink/internal/config"
)

// Broker is a self-reconnecting MQTT connection that announces
// availability on connect and leaves an "offline" last will.
type Broker struct {
	cm     *autopaho.ConnectionManager
	topics Topics
	logger *slog.Logger
}

// Dial starts connecting to the broker in cfg. It waits up to
// connectTimeout for the first connection; after that autopaho keeps
// retrying in the background and Dial returns anyway.
func Dial(ctx context.Context, cfg config.MQTTConfig, instanceID string, connectTimeout time.Duration, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "todolink"
	}
	b := &Broker{
		topics: NewTopics(prefix, instanceID),
		logger: logger.With("component", "mqtt"),
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.topics.Availability,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", cfg.Broker)
			b.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "todolink-" + instanceID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return b, nil
}

// Topics returns the broker's topic names.
func (b *Broker) Topics() Topics {
	return b.topics
}

// Publish sends payload to topic at QoS 1.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if b.cm == nil {
		return errors.New("mqtt broker not connected")
	}
	_, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	})
	return err
}

// Close announces "offline" and disconnects.
func (b *Broker) Close(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.publishAvailability(ctx, b.cm, "offline")
	return b.cm.Disconnect(ctx)
}

func (b *Broker) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.topics.Availability,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		b.logger.Info("mqtt availability published", "status", status)
	}
}

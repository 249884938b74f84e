package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/autopeer-io/sysflash/pkg/log"
)

const (
	reconnectBackoff = 3 * time.Second
	birthTimeout     = 5 * time.Second
)

var errNotStarted = errors.New("mqtt client not started")

// pahoClient implements Client on top of an autopaho connection manager,
// which owns reconnects. Subscriptions and the birth message are replayed
// on every new connection.
type pahoClient struct {
	cfg       *ClientConfig
	cm        *autopaho.ConnectionManager
	connected atomic.Bool
	routes    *router
	logger    log.Logger
}

var _ Client = (*pahoClient)(nil)

// NewClient validates cfg and returns a client that is not yet connected.
func NewClient(cfg *ClientConfig) (Client, error) {
	if cfg == nil {
		return nil, errors.New("mqtt config is required")
	}

	setDefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mqtt config: %w", err)
	}

	logger := log.WithName("mqtt").WithValues("clientID", cfg.ClientID)
	return &pahoClient{
		cfg:    cfg,
		routes: newRouter(logger),
		logger: logger,
	}, nil
}

func (c *pahoClient) Start(ctx context.Context) error {
	broker, err := url.Parse(c.cfg.BrokerURL)
	if err != nil {
		return err
	}

	c.logger.Info("Connecting to MQTT broker", "broker", c.cfg.BrokerURL)

	cm, err := autopaho.NewConnection(ctx, autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{broker},
		KeepAlive:                     c.cfg.KeepAlive,
		ConnectTimeout:                c.cfg.ConnectTimeout,
		CleanStartOnInitialConnection: c.cfg.CleanStart,
		SessionExpiryInterval:         c.cfg.SessionExpiry,
		ReconnectBackoff:              autopaho.NewConstantBackoff(reconnectBackoff),
		ConnectUsername:               c.cfg.Username,
		ConnectPassword:               []byte(c.cfg.Password),
		TlsCfg:                        &tls.Config{InsecureSkipVerify: c.cfg.InsecureSkipVerify},
		WillMessage:                   c.willMessage(),
		OnConnectionUp:                c.onConnectionUp,
		OnConnectError: func(err error) {
			c.connected.Store(false)
			c.logger.Error(err, "MQTT connect attempt failed, retrying", "backoff", reconnectBackoff)
		},
		ClientConfig: paho.ClientConfig{
			ClientID:           c.cfg.ClientID,
			OnPublishReceived:  []func(paho.PublishReceived) (bool, error){c.routes.deliver},
			OnServerDisconnect: c.onServerDisconnect,
			OnClientError: func(err error) {
				c.connected.Store(false)
				c.logger.Error(err, "MQTT client error")
			},
		},
	})
	if err != nil {
		return err
	}

	c.cm = cm
	return nil
}

func (c *pahoClient) Disconnect(ctx context.Context) {
	if c.cm == nil {
		return
	}
	if err := c.cm.Disconnect(ctx); err != nil {
		c.logger.Debug("MQTT disconnect did not complete", "error", err)
	}
	c.connected.Store(false)
	c.logger.Info("Disconnected from MQTT broker")
}

func (c *pahoClient) Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error {
	if c.cm == nil {
		return errNotStarted
	}

	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     byte(qos),
		Retain:  retain,
		Payload: payload,
	})
	return err
}

func (c *pahoClient) Subscribe(ctx context.Context, topic string, qos int, handler MessageHandler) error {
	if c.cm == nil {
		return errNotStarted
	}

	c.routes.add(topic, qos, handler)

	// Not connected: onConnectionUp sends the SUBSCRIBE.
	if !c.connected.Load() {
		c.logger.Debug("Subscription queued until connected", "topic", topic)
		return nil
	}

	if err := c.subscribe(ctx, c.cm, subscription{topic: topic, qos: qos}); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.logger.Info("Subscribed", "topic", topic)
	return nil
}

func (c *pahoClient) Unsubscribe(ctx context.Context, topic string) error {
	if c.cm == nil {
		return errNotStarted
	}

	c.routes.remove(topic)
	_, err := c.cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}})
	return err
}

func (c *pahoClient) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return errNotStarted
	}
	return c.cm.AwaitConnection(ctx)
}

func (c *pahoClient) IsConnected() bool {
	return c.connected.Load()
}

func (c *pahoClient) subscribe(ctx context.Context, cm *autopaho.ConnectionManager, s subscription) error {
	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: s.topic, QoS: byte(s.qos)}},
	})
	return err
}

// onConnectionUp runs for the first connection and every reconnect.
func (c *pahoClient) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	c.connected.Store(true)
	c.logger.Info("Connected to MQTT broker")

	ctx := context.Background()
	for _, s := range c.routes.list() {
		if err := c.subscribe(ctx, cm, s); err != nil {
			c.logger.Error(err, "Failed to restore subscription", "topic", s.topic)
		}
	}

	if c.cfg.BirthTopic == "" {
		return
	}
	// The connection manager's callback goroutine must not block on the publish.
	go func() {
		ctx, cancel := context.WithTimeout(ctx, birthTimeout)
		defer cancel()
		_, err := cm.Publish(ctx, &paho.Publish{
			Topic:   c.cfg.BirthTopic,
			QoS:     c.cfg.BirthQoS,
			Retain:  c.cfg.BirthRetain,
			Payload: c.cfg.BirthPayload,
		})
		if err != nil {
			c.logger.Error(err, "Failed to publish birth message", "topic", c.cfg.BirthTopic)
		}
	}()
}

func (c *pahoClient) onServerDisconnect(d *paho.Disconnect) {
	c.connected.Store(false)
	var reason string
	if d != nil && d.Properties != nil {
		reason = d.Properties.ReasonString
	}
	c.logger.Warn("Broker closed the connection", "reason", reason)
}

func (c *pahoClient) willMessage() *paho.WillMessage {
	if c.cfg.WillTopic == "" {
		return nil
	}
	return &paho.WillMessage{
		Topic:   c.cfg.WillTopic,
		Payload: c.cfg.WillPayload,
		QoS:     c.cfg.WillQoS,
		Retain:  c.cfg.WillRetain,
	}
}

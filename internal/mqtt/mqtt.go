package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zpowergraph/internal/config"
	"zpowergraph/internal/subscription"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Client wraps a paho client for the subscription manager. Paho's own
// reconnect logic is off; the manager decides when to reconnect.
type Client struct {
	client mqtt.Client
	qos    byte
	logger *slog.Logger
	lost   chan error

	mu     sync.Mutex
	topics []string
}

var _ subscription.Client = (*Client)(nil)

func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	c := &Client{
		qos:    cfg.MQTTQoS,
		logger: logger,
		lost:   make(chan error, 1),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())
	opts.SetClientID(cfg.MQTTClientID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}

	// Session settings
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetResumeSubs(false)

	// Keepalive / timeouts
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetWriteTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort, "client_id", cfg.MQTTClientID)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if err == nil {
			err = errors.New("connection lost")
		}
		select {
		case c.lost <- err:
		default:
		}
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect dials the broker and waits for CONNACK or ctx.
func (c *Client) Connect(ctx context.Context) error {
	// a loss reported for the previous session is stale now
	select {
	case <-c.lost:
	default:
	}

	if err := wait(ctx, c.client.Connect()); err != nil {
		c.client.Disconnect(0)
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Subscribe subscribes every topic in one SUBSCRIBE packet.
func (c *Client) Subscribe(ctx context.Context, topics []string, handler subscription.Handler) error {
	if !c.client.IsConnectionOpen() {
		return errors.New("mqtt client not connected")
	}

	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = c.qos
	}
	token := c.client.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		c.logger.Debug("mqtt message", "topic", msg.Topic(), "size", len(msg.Payload()), "qos", msg.Qos())
		handler(msg.Topic(), msg.Payload())
	})
	if err := wait(ctx, token); err != nil {
		return fmt.Errorf("subscribe %v: %w", topics, err)
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == 0x80 {
				return fmt.Errorf("subscribe %s: rejected by broker", topic)
			}
		}
	}

	c.mu.Lock()
	c.topics = append(c.topics[:0], topics...)
	c.mu.Unlock()

	c.logger.Info("subscribed to mqtt topics", "topics", topics, "qos", c.qos)
	return nil
}

func (c *Client) Lost() <-chan error {
	return c.lost
}

// Disconnect unsubscribes and closes the connection. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	topics := c.topics
	c.topics = nil
	c.mu.Unlock()

	if c.client.IsConnectionOpen() {
		if len(topics) > 0 {
			c.client.Unsubscribe(topics...).WaitTimeout(2 * time.Second)
		}
		c.client.Disconnect(250)
		c.logger.Info("mqtt disconnected")
	}
}

// wait blocks on token in a ctx-aware loop.
func wait(ctx context.Context, token mqtt.Token) error {
	const poll = 200 * time.Millisecond
	for !token.WaitTimeout(poll) {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return token.Error()
}

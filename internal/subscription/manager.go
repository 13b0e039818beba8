// Package subscription keeps the broker session alive: it connects, subscribes
// every tracked topic, and reconnects with backoff after failures or losses.
package subscription

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"zpowergraph/internal/backoff"
)

// Handler receives raw messages. It must not block.
type Handler func(topic string, payload []byte)

// Client is the broker session the manager drives.
type Client interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topics []string, handler Handler) error
	// Lost delivers one value per dropped connection.
	Lost() <-chan error
	Disconnect()
}

type Manager struct {
	client  Client
	topics  []string
	handler Handler
	policy  backoff.Policy
	logger  *slog.Logger

	after func(time.Duration) <-chan time.Time
	now   func() time.Time
	rand  func() float64
	// stable is how long a session must last before a loss resets the
	// backoff counter.
	stable time.Duration

	mu    sync.RWMutex
	state State
}

type Option func(*Manager)

// WithClock replaces time.After, letting tests skip real waits.
func WithClock(after func(time.Duration) <-chan time.Time) Option {
	return func(m *Manager) { m.after = after }
}

// WithNow replaces time.Now for measuring session lifetimes.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithStablePeriod sets how long a session must stay subscribed before a
// loss reconnects without delay. It defaults to the policy's base delay.
func WithStablePeriod(d time.Duration) Option {
	return func(m *Manager) { m.stable = d }
}

// WithJitterSource replaces the random source fed to the backoff policy.
func WithJitterSource(r func() float64) Option {
	return func(m *Manager) { m.rand = r }
}

func NewManager(client Client, topics []string, handler Handler, policy backoff.Policy, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		client:  client,
		topics:  append([]string(nil), topics...),
		handler: handler,
		policy:  policy,
		logger:  logger,
		after:   time.After,
		now:     time.Now,
		rand:    rand.Float64,
		stable:  policy.Base,
		state:   Disconnected,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Run blocks until ctx is cancelled, then disconnects and returns nil.
// Connection attempts are unbounded.
func (m *Manager) Run(ctx context.Context) error {
	defer func() {
		m.fire(EventStop, nil)
		m.client.Disconnect()
	}()

	attempt := 0
	for ctx.Err() == nil {
		m.fire(EventConnect, nil)

		if err := m.client.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.fire(EventConnectFailed, err)
			if !m.wait(ctx, attempt) {
				return nil
			}
			attempt++
			continue
		}

		if err := m.client.Subscribe(ctx, m.topics, m.handler); err != nil {
			m.client.Disconnect()
			if ctx.Err() != nil {
				return nil
			}
			m.fire(EventSubscribeFailed, err)
			if !m.wait(ctx, attempt) {
				return nil
			}
			attempt++
			continue
		}

		m.fire(EventConnected, nil)
		subscribedAt := m.now()

		select {
		case <-ctx.Done():
			return nil
		case err := <-m.client.Lost():
			m.fire(EventConnectionLost, err)
		}

		if m.now().Sub(subscribedAt) >= m.stable {
			// a healthy session ended; reconnect straight away
			attempt = 0
			continue
		}
		// dropped right after subscribing, e.g. a duplicate client id
		if !m.wait(ctx, attempt) {
			return nil
		}
		attempt++
	}
	return nil
}

func (m *Manager) wait(ctx context.Context, attempt int) bool {
	d := m.policy.Delay(attempt, m.rand())
	m.logger.Info("mqtt reconnect scheduled", "attempt", attempt+1, "delay", d)
	select {
	case <-ctx.Done():
		return false
	case <-m.after(d):
		return true
	}
}

func (m *Manager) fire(e Event, cause error) {
	m.mu.Lock()
	from := m.state
	to, err := Transition(from, e)
	if err == nil {
		m.state = to
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("mqtt state machine", "error", err)
		return
	}
	if from == to {
		return
	}

	attrs := []any{"from", from.String(), "to", to.String(), "event", e.String()}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	switch e {
	case EventConnectFailed, EventSubscribeFailed, EventConnectionLost:
		m.logger.Warn("mqtt state changed", attrs...)
	case EventConnected:
		m.logger.Info("mqtt state changed", append(attrs, "topics", m.topics)...)
	default:
		m.logger.Info("mqtt state changed", attrs...)
	}
}

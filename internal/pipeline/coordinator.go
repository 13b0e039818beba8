// Package pipeline moves broker messages through the decoder into the store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"zpowergraph/internal/backoff"
	"zpowergraph/internal/modules/power/decoder"
	"zpowergraph/internal/modules/power/repository"
	"zpowergraph/internal/modules/power/types"
)

type Outcome int

const (
	Stored Outcome = iota + 1
	Duplicate
	DroppedDecode
	DroppedStore
)

func (o Outcome) String() string {
	switch o {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	case DroppedDecode:
		return "dropped_decode"
	case DroppedStore:
		return "dropped_store"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type Decoder interface {
	Decode(topic string, payload []byte, receivedAt time.Time) (types.Reading, error)
}

type Store interface {
	Upsert(ctx context.Context, r types.Reading) (bool, error)
}

// Recorder is told about every reading that reached the store.
type Recorder interface {
	Seen(r types.Reading, at time.Time)
}

type Options struct {
	QueueCapacity int
	Workers       int
	// MaxAttempts bounds store attempts per message, first try included.
	MaxAttempts int
	Retry       backoff.Policy
	Now         func() time.Time
}

type Stats struct {
	Received        uint64 `json:"received"`
	Stored          uint64 `json:"stored"`
	Duplicates      uint64 `json:"duplicates"`
	DroppedDecode   uint64 `json:"droppedDecode"`
	DroppedStore    uint64 `json:"droppedStore"`
	DroppedOverflow uint64 `json:"droppedOverflow"`
	RejectedClosed  uint64 `json:"rejectedClosed"`
	Queued          int    `json:"queued"`
}

type message struct {
	topic      string
	payload    []byte
	receivedAt time.Time
}

type Coordinator struct {
	decoder  Decoder
	store    Store
	recorder Recorder
	opts     Options
	logger   *slog.Logger

	// mu guards the queue so overflow is decided atomically with takes.
	mu      sync.Mutex
	ready   *sync.Cond
	queue   []message
	closed  bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	received        atomic.Uint64
	stored          atomic.Uint64
	duplicates      atomic.Uint64
	droppedDecode   atomic.Uint64
	droppedStore    atomic.Uint64
	droppedOverflow atomic.Uint64
	rejectedClosed  atomic.Uint64
}

func New(dec Decoder, store Store, recorder Recorder, opts Options, logger *slog.Logger) *Coordinator {
	if opts.QueueCapacity < 1 {
		opts.QueueCapacity = 256
	}
	if opts.Workers < 1 {
		opts.Workers = 2
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	// Workers outlive the signal context so Shutdown can drain.
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		decoder:  dec,
		store:    store,
		recorder: recorder,
		opts:     opts,
		logger:   logger,
		queue:    make([]message, 0, opts.QueueCapacity),
		ctx:      ctx,
		cancel:   cancel,
		group:    &errgroup.Group{},
	}
	c.ready = sync.NewCond(&c.mu)
	return c
}

// Start launches the worker pool. Calling it more than once is a no-op.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	for range c.opts.Workers {
		c.group.Go(c.work)
	}
	c.logger.Info("pipeline started", "workers", c.opts.Workers, "queue_capacity", c.opts.QueueCapacity)
}

// Enqueue hands a message to the workers without blocking. When the queue is
// full the oldest queued message is dropped. It reports false once Shutdown
// has begun.
func (c *Coordinator) Enqueue(topic string, payload []byte) bool {
	m := message{
		topic:      topic,
		payload:    append([]byte(nil), payload...),
		receivedAt: c.opts.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.rejectedClosed.Add(1)
		return false
	}
	c.received.Add(1)

	if len(c.queue) >= c.opts.QueueCapacity {
		old := c.pop()
		c.droppedOverflow.Add(1)
		c.logger.Warn("message dropped",
			"reason", "queue_overflow",
			"topic", old.topic,
			"received_at", old.receivedAt,
		)
	}
	c.queue = append(c.queue, m)
	c.ready.Signal()
	return true
}

func (c *Coordinator) work() error {
	for {
		m, ok := c.next()
		if !ok {
			return nil
		}
		c.HandleMessage(c.ctx, m.topic, m.payload, m.receivedAt)
	}
}

// next blocks until a message is queued. It reports false once the queue is
// closed and empty.
func (c *Coordinator) next() (message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 && !c.closed {
		c.ready.Wait()
	}
	if len(c.queue) == 0 {
		return message{}, false
	}
	return c.pop(), true
}

// pop removes the oldest message. Callers hold mu.
func (c *Coordinator) pop() message {
	m := c.queue[0]
	c.queue[0] = message{}
	c.queue = c.queue[1:]
	return m
}

// HandleMessage decodes and stores one message synchronously.
func (c *Coordinator) HandleMessage(ctx context.Context, topic string, payload []byte, receivedAt time.Time) Outcome {
	r, err := c.decoder.Decode(topic, payload, receivedAt)
	if err != nil {
		c.droppedDecode.Add(1)
		c.logger.Warn("message dropped",
			"reason", decodeReason(err),
			"topic", topic,
			"device_id", deviceFromTopic(topic),
			"error", err,
		)
		return DroppedDecode
	}

	attempt := 0
	var inserted bool
	op := func() error {
		attempt++
		ok, err := c.store.Upsert(ctx, r)
		if err != nil {
			if errors.Is(err, repository.ErrConstraintViolation) || ctx.Err() != nil {
				return cbackoff.Permanent(err)
			}
			return err
		}
		inserted = ok
		return nil
	}
	notify := func(err error, d time.Duration) {
		c.logger.Warn("store attempt failed",
			"device_id", r.DeviceID,
			"attempt", attempt,
			"max_attempts", c.opts.MaxAttempts,
			"retry_in", d,
			"error", err,
		)
	}

	b := cbackoff.WithContext(
		cbackoff.WithMaxRetries(c.opts.Retry.NewBackOff(), uint64(c.opts.MaxAttempts-1)),
		ctx,
	)
	if err := cbackoff.RetryNotify(op, b, notify); err != nil {
		c.droppedStore.Add(1)
		c.logger.Error("message dropped",
			"reason", storeReason(err),
			"topic", topic,
			"device_id", r.DeviceID,
			"timestamp", r.Timestamp,
			"attempts", attempt,
			"error", err,
		)
		return DroppedStore
	}

	if c.recorder != nil {
		c.recorder.Seen(r, receivedAt)
	}
	if !inserted {
		c.duplicates.Add(1)
		c.logger.Debug("duplicate reading ignored", "device_id", r.DeviceID, "timestamp", r.Timestamp)
		return Duplicate
	}
	c.stored.Add(1)
	c.logger.Debug("reading stored", "device_id", r.DeviceID, "timestamp", r.Timestamp, "power_watts", r.PowerWatts)
	return Stored
}

// Shutdown stops accepting messages and waits for the queue to drain. If ctx
// ends first, in-flight retries are abandoned and ctx's error is returned.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	if !c.started {
		// no workers were started; one drains under the same deadline
		c.started = true
		c.group.Go(c.work)
	}
	c.ready.Broadcast()
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- c.group.Wait() }()

	select {
	case err := <-done:
		c.cancel()
		c.logStats("pipeline drained")
		return err
	case <-ctx.Done():
		c.cancel()
		<-done
		c.logStats("pipeline shutdown timed out")
		return fmt.Errorf("pipeline shutdown: %w", ctx.Err())
	}
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Received:        c.received.Load(),
		Stored:          c.stored.Load(),
		Duplicates:      c.duplicates.Load(),
		DroppedDecode:   c.droppedDecode.Load(),
		DroppedStore:    c.droppedStore.Load(),
		DroppedOverflow: c.droppedOverflow.Load(),
		RejectedClosed:  c.rejectedClosed.Load(),
		Queued:          c.queued(),
	}
}

func (c *Coordinator) queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Coordinator) logStats(msg string) {
	s := c.Stats()
	c.logger.Info(msg,
		"received", s.Received,
		"stored", s.Stored,
		"duplicates", s.Duplicates,
		"dropped_decode", s.DroppedDecode,
		"dropped_store", s.DroppedStore,
		"dropped_overflow", s.DroppedOverflow,
		"rejected_closed", s.RejectedClosed,
	)
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, decoder.ErrUnknownDevice):
		return "unknown_device"
	case errors.Is(err, decoder.ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, decoder.ErrMalformedPayload):
		return "malformed_payload"
	default:
		return "decode_error"
	}
}

func storeReason(err error) string {
	switch {
	case errors.Is(err, repository.ErrConstraintViolation):
		return "constraint_violation"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "shutdown"
	case errors.Is(err, repository.ErrConnectionLost):
		return "store_unavailable"
	default:
		return "store_error"
	}
}

// deviceFromTopic is best effort, for log lines about messages that never decoded.
func deviceFromTopic(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			return topic[i+1:]
		}
	}
	return topic
}

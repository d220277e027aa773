package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds the optimistic retry loop around WATCH/MULTI/EXEC.
// A contended key forces a re-read and re-validate; after this many losses
// the operation surfaces a Conflict instead of spinning.
const maxTxRetries = 16

// Client provides scoped access to the ledger. All keys are namespaced by the
// scope passed to each call, so one client serves every project on a Redis
// server. The client is thread-safe and can be used concurrently from
// multiple goroutines.
type Client struct {
	rdb      *redis.Client
	producer Producer
	clock    func() time.Time
}

// New creates a ledger client from Redis connection options. The producer
// identity is stamped on every event this client appends.
func New(redisOpts *redis.Options, producer Producer) (*Client, error) {
	if producer.Service == "" {
		return nil, fmt.Errorf("producer service cannot be empty")
	}

	return &Client{
		rdb:      redis.NewClient(redisOpts),
		producer: producer,
		clock:    time.Now,
	}, nil
}

// NewFromClient wraps an existing Redis client. Used by tests that connect to
// miniredis and by callers that share a connection pool.
func NewFromClient(rdb *redis.Client, producer Producer) *Client {
	return &Client{
		rdb:      rdb,
		producer: producer,
		clock:    time.Now,
	}
}

// WithClock replaces the client's time source and returns the client.
// Tests use this to pin timestamps; production code never calls it.
func (c *Client) WithClock(clock func() time.Time) *Client {
	c.clock = clock
	return c
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// NowMS returns the client's current time in Unix milliseconds, the unit
// every stored timestamp uses.
func (c *Client) NowMS() int64 {
	return c.clock().UnixMilli()
}

// Producer returns the identity stamped on events appended by this client.
func (c *Client) Producer() Producer {
	return c.producer
}

// Atomically runs fn inside an optimistic WATCH transaction over keys,
// retrying on contention up to maxTxRetries times. fn should re-read the
// watched rows on every invocation, validate, and queue its writes with
// tx.TxPipelined. A domain error returned by fn aborts immediately without
// retrying; only redis.TxFailedErr triggers another attempt.
func (c *Client) Atomically(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	if len(keys) == 0 {
		return fmt.Errorf("atomic section requires at least one watched key")
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := c.rdb.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return E(KindConflict, "transaction over %v lost %d optimistic attempts", keys, maxTxRetries)
}

// Pipelined runs fn inside a MULTI/EXEC pipeline without watching any keys.
// Replay uses this: it is the only writer during a rebuild, so optimistic
// checks would be wasted round trips.
func (c *Client) Pipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	_, err := c.rdb.TxPipelined(ctx, fn)
	return err
}

// Subscription is a handle to a live event stream for one project.
// Events arrive on Events(); terminal errors arrive on Errors().
// Always call Close() when done to release the Pub/Sub connection.
type Subscription struct {
	events    chan *Event
	errors    chan error
	pubsub    *redis.PubSub
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Events returns the channel carrying appended events as they are published.
// The channel is closed when the subscription ends.
func (s *Subscription) Events() <-chan *Event {
	return s.events
}

// Errors returns the channel carrying subscription failures. A value here
// means the stream is dead and the caller should resubscribe or fall back to
// polling the durable indexes.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close terminates the subscription and releases its connection. Safe to
// call multiple times.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.pubsub.Close()
	})
}

// SubscribeEvents opens a live tail of one project's appended events.
//
// The stream is advisory: publishes happen after the append transaction
// commits, so a consumer that needs guaranteed delivery must read the event
// ZSETs and use the stream only as a wake-up hint.
func (c *Client) SubscribeEvents(ctx context.Context, s Scope) (*Subscription, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scope: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	pubsub := c.rdb.Subscribe(subCtx, EventStreamChannel(s))

	// Force the SUBSCRIBE onto the wire so a failure surfaces here rather
	// than as a silent empty stream.
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to event stream: %w", err)
	}

	sub := &Subscription{
		events: make(chan *Event, 10),
		errors: make(chan error, 1),
		pubsub: pubsub,
		cancel: cancel,
	}

	go func() {
		defer close(sub.events)
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					select {
					case sub.errors <- fmt.Errorf("failed to decode streamed event: %w", err):
					default:
					}
					continue
				}
				select {
				case sub.events <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

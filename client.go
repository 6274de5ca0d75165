// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package redq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hemant/redq/internal/base"
	"github.com/hemant/redq/internal/errors"
	"github.com/hemant/redq/internal/rdb"
	"github.com/hemant/redq/internal/timeutil"
	"github.com/redis/go-redis/v9"
)

// A Client is responsible for enqueuing messages.
//
// A Client is used by the application code to produce work for the queues
// a Container consumes from. Clients are safe for concurrent use by
// multiple goroutines.
type Client struct {
	broker *rdb.RDB
	// When a Client has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool

	converters converterChain
	clock      timeutil.Clock

	// cache of persisted queue descriptors, keyed by queue name.
	mu      sync.Mutex
	configs map[string]*base.QueueConfig
}

// NewClient returns a new Client given a redis connection option and the
// converters used to encode payloads. When no converter is given the JSON
// converter is used.
func NewClient(r RedisConnOpt, converters ...MessageConverter) *Client {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("redq: unsupported RedisConnOpt type %T", r))
	}
	client := NewClientFromRedisClient(redisClient, converters...)
	client.sharedConnection = false
	return client
}

// NewClientFromRedisClient returns a new Client given a redis.UniversalClient.
//
// The given redis connection is not closed by Close.
func NewClientFromRedisClient(c redis.UniversalClient, converters ...MessageConverter) *Client {
	if len(converters) == 0 {
		converters = []MessageConverter{JSONMessageConverter{}}
	}
	return &Client{
		broker:           rdb.NewRDB(c),
		sharedConnection: true,
		converters:       converterChain(converters),
		clock:            timeutil.NewRealClock(),
		configs:          make(map[string]*base.QueueConfig),
	}
}

// Close closes the connection with redis.
func (c *Client) Close() error {
	if c.sharedConnection {
		return nil
	}
	return c.broker.Close()
}

// MessageInfo describes an enqueued message.
type MessageInfo struct {
	// ID is the unique identifier assigned to the message.
	ID string

	// Queue is the name of the queue the message was enqueued to.
	Queue string

	// ProcessAt is the scheduled delivery time; zero for immediate
	// messages.
	ProcessAt time.Time
}

// Enqueue adds the payload to the given queue for immediate delivery.
func (c *Client) Enqueue(ctx context.Context, qname string, payload interface{}) (*MessageInfo, error) {
	return c.enqueue(ctx, qname, payload, time.Time{}, -1)
}

// EnqueueAt schedules the payload on the given queue for delivery at the
// given time. The queue must be registered as delayed.
func (c *Client) EnqueueAt(ctx context.Context, qname string, payload interface{}, at time.Time) (*MessageInfo, error) {
	if err := c.requireDelayed(ctx, qname); err != nil {
		return nil, err
	}
	return c.enqueue(ctx, qname, payload, at, -1)
}

// EnqueueIn schedules the payload on the given queue for delivery after the
// given duration. The queue must be registered as delayed.
func (c *Client) EnqueueIn(ctx context.Context, qname string, payload interface{}, d time.Duration) (*MessageInfo, error) {
	return c.EnqueueAt(ctx, qname, payload, c.clock.Now().Add(d))
}

// EnqueueWithRetry adds the payload to the given queue with a per-message
// retry budget overriding the queue mapping's.
func (c *Client) EnqueueWithRetry(ctx context.Context, qname string, payload interface{}, retryCount int) (*MessageInfo, error) {
	if retryCount < 0 {
		return nil, fmt.Errorf("redq: retryCount must be non-negative")
	}
	return c.enqueue(ctx, qname, payload, time.Time{}, retryCount)
}

func (c *Client) enqueue(ctx context.Context, qname string, payload interface{}, at time.Time, maxRetries int) (*MessageInfo, error) {
	if err := base.ValidateQueueName(qname); err != nil {
		return nil, fmt.Errorf("redq: %v", err)
	}
	encoded, err := c.converters.ToPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("redq: failed to encode payload: %v", err)
	}
	now := c.clock.Now()
	msg := &base.Message{
		ID:         uuid.NewString(),
		Queue:      qname,
		Payload:    encoded,
		EnqueuedAt: base.UnixMilli(now),
		MaxRetries: maxRetries,
	}
	if !at.IsZero() {
		msg.ProcessAt = base.UnixMilli(at)
	}
	if err := c.broker.Enqueue(ctx, msg); err != nil {
		return nil, err
	}
	info := &MessageInfo{ID: msg.ID, Queue: qname}
	if msg.ProcessAt > 0 {
		info.ProcessAt = time.UnixMilli(msg.ProcessAt)
	}
	return info, nil
}

// requireDelayed verifies against the persisted queue descriptor that the
// queue accepts scheduled messages.
func (c *Client) requireDelayed(ctx context.Context, qname string) error {
	c.mu.Lock()
	cfg, ok := c.configs[qname]
	c.mu.Unlock()
	if !ok {
		var err error
		cfg, err = c.broker.ReadQueueConfig(ctx, qname)
		if err != nil {
			if errors.CanonicalCode(err) == errors.NotFound {
				return fmt.Errorf("redq: queue %q is not registered", qname)
			}
			return err
		}
		c.mu.Lock()
		c.configs[qname] = cfg
		c.mu.Unlock()
	}
	if !cfg.Delayed {
		return fmt.Errorf("redq: queue %q is not a delayed queue", qname)
	}
	return nil
}

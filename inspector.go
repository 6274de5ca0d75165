// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package redq

import (
	"context"
	"fmt"
	"time"

	"github.com/hemant/redq/internal/base"
	"github.com/hemant/redq/internal/errors"
	"github.com/hemant/redq/internal/rdb"
	"github.com/redis/go-redis/v9"
)

// Inspector provides the read and bulk-move operations used by external
// administrative collaborators (dashboards, queue explorers). It never
// touches redis outside the message template, and a bad request comes back
// as a structured failure instead of crashing the broker.
type Inspector struct {
	broker *rdb.RDB
}

// NewInspector returns a new Inspector for the given redis client.
func NewInspector(client redis.UniversalClient) *Inspector {
	return &Inspector{broker: rdb.NewRDB(client)}
}

// QueueStats holds the structure sizes of one queue.
type QueueStats struct {
	Name       string
	Ready      int64
	Delayed    int64
	Processing int64
}

// QueueStats returns the current sizes of the queue's three structures.
func (i *Inspector) QueueStats(ctx context.Context, qname string) (*QueueStats, error) {
	if err := base.ValidateQueueName(qname); err != nil {
		return nil, fmt.Errorf("redq: %v", err)
	}
	ready, err := i.broker.Size(ctx, base.ReadyKey(qname))
	if err != nil {
		return nil, err
	}
	delayed, err := i.broker.Size(ctx, base.DelayedKey(qname))
	if err != nil {
		return nil, err
	}
	processing, err := i.broker.Size(ctx, base.ProcessingKey(qname))
	if err != nil {
		return nil, err
	}
	return &QueueStats{
		Name:       qname,
		Ready:      ready,
		Delayed:    delayed,
		Processing: processing,
	}, nil
}

// MessageView describes a stored message for display purposes.
type MessageView struct {
	ID           string
	Queue        string
	RawPayload   []byte
	RetryCount   int
	EnqueuedAt   time.Time
	ProcessAt    time.Time
	ReEnqueuedAt time.Time

	// Score is the sorted set score (scheduled time or visibility
	// deadline); zero for list members.
	Score time.Time
}

func newMessageView(m *base.Message, score int64) MessageView {
	v := MessageView{
		ID:         m.ID,
		Queue:      m.Queue,
		RawPayload: m.Payload,
		RetryCount: m.RetryCount,
		EnqueuedAt: time.UnixMilli(m.EnqueuedAt),
	}
	if m.ProcessAt > 0 {
		v.ProcessAt = time.UnixMilli(m.ProcessAt)
	}
	if m.ReEnqueuedAt > 0 {
		v.ReEnqueuedAt = time.UnixMilli(m.ReEnqueuedAt)
	}
	if score > 0 {
		v.Score = time.UnixMilli(score)
	}
	return v
}

// ListReady paginates the ready list of the queue.
func (i *Inspector) ListReady(ctx context.Context, qname string, start, end int64) ([]MessageView, error) {
	msgs, err := i.broker.ListRange(ctx, base.ReadyKey(qname), start, end)
	if err != nil {
		return nil, err
	}
	return listViews(msgs), nil
}

// ListDeadLetter paginates a dead letter list.
func (i *Inspector) ListDeadLetter(ctx context.Context, dlq string, start, end int64) ([]MessageView, error) {
	msgs, err := i.broker.ListRange(ctx, dlq, start, end)
	if err != nil {
		return nil, err
	}
	return listViews(msgs), nil
}

// ListDelayed paginates the delayed set of the queue, earliest first, with
// each message's scheduled time.
func (i *Inspector) ListDelayed(ctx context.Context, qname string, start, end int64) ([]MessageView, error) {
	items, err := i.broker.ZsetRangeWithScores(ctx, base.DelayedKey(qname), start, end)
	if err != nil {
		return nil, err
	}
	return zsetViews(items), nil
}

// ListProcessing paginates the processing set of the queue, earliest
// visibility deadline first.
func (i *Inspector) ListProcessing(ctx context.Context, qname string, start, end int64) ([]MessageView, error) {
	items, err := i.broker.ZsetRangeWithScores(ctx, base.ProcessingKey(qname), start, end)
	if err != nil {
		return nil, err
	}
	return zsetViews(items), nil
}

func listViews(msgs []*base.Message) []MessageView {
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, newMessageView(m, 0))
	}
	return views
}

func zsetViews(items []rdb.ZItem) []MessageView {
	views := make([]MessageView, 0, len(items))
	for _, it := range items {
		views = append(views, newMessageView(it.Message, it.Score))
	}
	return views
}

// MessageMetadata reports execution metadata recorded for the message id,
// or nil when none is recorded.
func (i *Inspector) MessageMetadata(ctx context.Context, id string) (*base.MessageMetadata, error) {
	md, err := i.broker.ReadMetadata(ctx, id)
	if err != nil {
		if errors.CanonicalCode(err) == errors.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return md, nil
}

// IsDeadLetterQueue reports whether name is configured as a dead letter
// queue of any of the given registered queues. The check consults the
// persisted queue descriptors, never the shape of the name.
func (i *Inspector) IsDeadLetterQueue(ctx context.Context, name string, queues []string) (bool, error) {
	for _, qname := range queues {
		cfg, err := i.broker.ReadQueueConfig(ctx, qname)
		if err != nil {
			if errors.CanonicalCode(err) == errors.NotFound {
				continue
			}
			return false, err
		}
		for _, dlq := range cfg.DeadLetterQueues {
			if dlq == name {
				return true, nil
			}
		}
	}
	return false, nil
}

// MoveResult reports how many messages a bulk move transferred.
type MoveResult struct {
	Moved int
}

// MoveDeadLetterToReady replays up to limit messages from a dead letter
// list onto a queue's ready list.
func (i *Inspector) MoveDeadLetterToReady(ctx context.Context, dlq, qname string, limit int) (MoveResult, error) {
	if limit <= 0 {
		return MoveResult{}, fmt.Errorf("redq: limit must be positive")
	}
	res, err := i.broker.MoveListToList(ctx, dlq, base.ReadyKey(qname), limit)
	if err != nil {
		return MoveResult{}, err
	}
	return MoveResult{Moved: res.Moved}, nil
}

// MoveDelayedToReady promotes up to limit messages from the queue's delayed
// set onto its ready list regardless of their scheduled time.
func (i *Inspector) MoveDelayedToReady(ctx context.Context, qname string, limit int) (MoveResult, error) {
	if limit <= 0 {
		return MoveResult{}, fmt.Errorf("redq: limit must be positive")
	}
	res, err := i.broker.MoveZsetToList(ctx, base.DelayedKey(qname), base.ReadyKey(qname), limit)
	if err != nil {
		return MoveResult{}, err
	}
	return MoveResult{Moved: res.Moved}, nil
}

// MoveReadyToDelayed parks up to limit ready messages in the queue's
// delayed set, scheduled at the given time.
func (i *Inspector) MoveReadyToDelayed(ctx context.Context, qname string, limit int, at time.Time) (MoveResult, error) {
	if limit <= 0 {
		return MoveResult{}, fmt.Errorf("redq: limit must be positive")
	}
	res, err := i.broker.MoveListToZset(ctx, base.ReadyKey(qname), base.DelayedKey(qname), limit, base.UnixMilli(at))
	if err != nil {
		return MoveResult{}, err
	}
	return MoveResult{Moved: res.Moved}, nil
}

// MoveDelayedToDelayed transfers up to limit messages between the delayed
// sets of two queues, preserving each message's scheduled time.
func (i *Inspector) MoveDelayedToDelayed(ctx context.Context, src, dst string, limit int) (MoveResult, error) {
	if limit <= 0 {
		return MoveResult{}, fmt.Errorf("redq: limit must be positive")
	}
	res, err := i.broker.MoveZsetToZset(ctx, base.DelayedKey(src), base.DelayedKey(dst), limit, -1)
	if err != nil {
		return MoveResult{}, err
	}
	return MoveResult{Moved: res.Moved}, nil
}

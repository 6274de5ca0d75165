// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package redq

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hemant/redq/internal/base"
	"github.com/hemant/redq/internal/errors"
	"github.com/hemant/redq/internal/log"
	"github.com/hemant/redq/internal/timeutil"
)

// fakeBroker is an in-memory base.Broker used to test the loops and the
// retry state machine without a redis server. It mirrors the template's
// semantics: LPUSH-head/RPOP-tail lists, score-sorted sets, and tolerance
// for members that are already gone.
type fakeBroker struct {
	mu    sync.Mutex
	clock timeutil.Clock

	ready      map[string][]*base.Message // index 0 is the LPUSH head
	delayed    map[string][]zentry        // ascending score
	processing map[string][]zentry
	dlq        map[string][]*base.Message
	configs    map[string]*base.QueueConfig

	// number of Ack calls per message id, to observe idempotency.
	acks map[string]int

	// when set, every Dequeue/ForwardDue/ReapExpired call fails with it.
	failWith error
}

type zentry struct {
	msg   *base.Message
	score int64
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		clock:      timeutil.NewRealClock(),
		ready:      make(map[string][]*base.Message),
		delayed:    make(map[string][]zentry),
		processing: make(map[string][]zentry),
		dlq:        make(map[string][]*base.Message),
		configs:    make(map[string]*base.QueueConfig),
		acks:       make(map[string]int),
	}
}

func (f *fakeBroker) setFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

func (f *fakeBroker) Ping() error  { return nil }
func (f *fakeBroker) Close() error { return nil }

func (f *fakeBroker) Enqueue(ctx context.Context, msg *base.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := base.UnixMilli(f.clock.Now())
	if msg.ProcessAt > now {
		f.insertSorted(f.delayed, base.DelayedKey(msg.Queue), zentry{msg: msg, score: msg.ProcessAt})
		return nil
	}
	q := msg.Queue
	f.ready[q] = append([]*base.Message{msg}, f.ready[q]...)
	return nil
}

func (f *fakeBroker) Dequeue(ctx context.Context, qname string, visibility time.Duration) (*base.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	list := f.ready[qname]
	if len(list) == 0 {
		return nil, nil
	}
	msg := list[len(list)-1]
	f.ready[qname] = list[:len(list)-1]
	deadline := base.UnixMilli(f.clock.Now().Add(visibility))
	f.insertSorted(f.processing, base.ProcessingKey(qname), zentry{msg: msg, score: deadline})
	return msg, nil
}

func (f *fakeBroker) Ack(ctx context.Context, msg *base.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks[msg.ID]++
	f.removeProcessing(msg)
	return nil
}

func (f *fakeBroker) ReEnqueue(ctx context.Context, msg *base.Message, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeProcessing(msg)
	if delay > 0 {
		score := base.UnixMilli(f.clock.Now().Add(delay))
		f.insertSorted(f.delayed, base.DelayedKey(msg.Queue), zentry{msg: msg, score: score})
		return nil
	}
	q := msg.Queue
	f.ready[q] = append([]*base.Message{msg}, f.ready[q]...)
	return nil
}

func (f *fakeBroker) MoveToDLQ(ctx context.Context, msg *base.Message, dlq string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeProcessing(msg)
	msg.ReEnqueuedAt = base.UnixMilli(f.clock.Now())
	f.dlq[dlq] = append([]*base.Message{msg}, f.dlq[dlq]...)
	return nil
}

func (f *fakeBroker) ForwardDue(ctx context.Context, qname string, limit int) (int, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, -1, f.failWith
	}
	key := base.DelayedKey(qname)
	now := base.UnixMilli(f.clock.Now())
	moved := 0
	for moved < limit && len(f.delayed[key]) > 0 && f.delayed[key][0].score <= now {
		entry := f.delayed[key][0]
		f.delayed[key] = f.delayed[key][1:]
		f.ready[qname] = append([]*base.Message{entry.msg}, f.ready[qname]...)
		moved++
	}
	next := int64(-1)
	if len(f.delayed[key]) > 0 {
		next = f.delayed[key][0].score
	}
	return moved, next, nil
}

func (f *fakeBroker) ReapExpired(ctx context.Context, qname string, limit int) (int, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, -1, f.failWith
	}
	key := base.ProcessingKey(qname)
	now := base.UnixMilli(f.clock.Now())
	moved := 0
	for moved < limit && len(f.processing[key]) > 0 && f.processing[key][0].score <= now {
		entry := f.processing[key][0]
		f.processing[key] = f.processing[key][1:]
		entry.msg.RetryCount++
		entry.msg.ReEnqueuedAt = now
		f.ready[qname] = append([]*base.Message{entry.msg}, f.ready[qname]...)
		moved++
	}
	next := int64(-1)
	if len(f.processing[key]) > 0 {
		next = f.processing[key][0].score
	}
	return moved, next, nil
}

func (f *fakeBroker) WriteQueueConfig(ctx context.Context, cfg *base.QueueConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[cfg.Name] = cfg
	return nil
}

func (f *fakeBroker) ReadQueueConfig(ctx context.Context, qname string) (*base.QueueConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[qname]
	if !ok {
		return nil, errors.E(errors.Op("fake.ReadQueueConfig"), errors.NotFound, "queue is not registered")
	}
	return cfg, nil
}

// insertSorted keeps entries ascending by score, stable for equal scores.
func (f *fakeBroker) insertSorted(m map[string][]zentry, key string, e zentry) {
	entries := m[key]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].score > e.score })
	entries = append(entries, zentry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	m[key] = entries
}

// removeProcessing deletes the message from its processing set by id.
// Absent members are tolerated, mirroring the template.
func (f *fakeBroker) removeProcessing(msg *base.Message) {
	key := base.ProcessingKey(msg.Queue)
	for i, e := range f.processing[key] {
		if e.msg.ID == msg.ID {
			f.processing[key] = append(f.processing[key][:i], f.processing[key][i+1:]...)
			return
		}
	}
}

func (f *fakeBroker) readyLen(qname string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ready[qname])
}

func (f *fakeBroker) delayedLen(qname string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delayed[base.DelayedKey(qname)])
}

func (f *fakeBroker) processingLen(qname string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.processing[base.ProcessingKey(qname)])
}

func (f *fakeBroker) dlqMessages(name string) []*base.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*base.Message(nil), f.dlq[name]...)
}

func (f *fakeBroker) ackCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acks[id]
}

// seedProcessing places the message directly in the processing set, as if it
// had been dequeued with the given visibility deadline.
func (f *fakeBroker) seedProcessing(msg *base.Message, deadline int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertSorted(f.processing, base.ProcessingKey(msg.Queue), zentry{msg: msg, score: deadline})
}

// seedDelayed places the message directly in the delayed set.
func (f *fakeBroker) seedDelayed(msg *base.Message, score int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertSorted(f.delayed, base.DelayedKey(msg.Queue), zentry{msg: msg, score: score})
}

// testMessage builds a message carrying the JSON encoding of payload.
func testMessage(qname string, payload string) *base.Message {
	return &base.Message{
		ID:         uuid.NewString(),
		Queue:      qname,
		Payload:    []byte(`"` + payload + `"`),
		EnqueuedAt: base.UnixMilli(time.Now()),
		MaxRetries: -1,
	}
}

// quietLogger returns a logger that stays silent below fatal, keeping test
// output readable.
func quietLogger() *log.Logger {
	l := log.NewLogger(nil)
	l.SetLevel(log.FatalLevel)
	return l
}

// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package redq

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hemant/redq/internal/base"
	"golang.org/x/time/rate"
)

// QueueSpec is the immutable per-queue policy bundle: it tells the container
// how messages on the queue are scheduled, retried and bounded in execution
// time.
type QueueSpec struct {
	// Name of the queue. Required.
	Name string

	// Delayed marks the queue as accepting scheduled messages. Only delayed
	// queues run a scheduler loop, and only they accept EnqueueAt/EnqueueIn.
	Delayed bool

	// NumRetries is the retry budget after the first delivery attempt.
	NumRetries int

	// DeadLetterQueue receives messages that exhaust their retries.
	// Empty means exhausted messages are discarded.
	DeadLetterQueue string

	// MaxJobExecutionTime is the visibility timeout for messages dequeued
	// from this queue. Zero means the container default applies.
	MaxJobExecutionTime time.Duration

	// PollRate optionally throttles how fast the poller dequeues from this
	// queue. Zero means no throttle.
	PollRate rate.Limit

	// PollBurst is the burst size for PollRate. Defaults to 1 when PollRate
	// is set.
	PollBurst int
}

// Validate reports whether the spec can be registered. The execution time
// floor is only enforced here when the spec carries its own value; a zero
// value is validated against the container default at start.
func (s QueueSpec) Validate() error {
	if err := base.ValidateQueueName(s.Name); err != nil {
		return err
	}
	if s.NumRetries < 0 {
		return fmt.Errorf("queue %q: numRetries must be non-negative", s.Name)
	}
	if s.MaxJobExecutionTime < 0 {
		return fmt.Errorf("queue %q: maxJobExecutionTime must be non-negative", s.Name)
	}
	if s.MaxJobExecutionTime > 0 {
		if err := validateExecutionTime(s.Name, s.MaxJobExecutionTime); err != nil {
			return err
		}
	}
	if s.PollRate < 0 {
		return fmt.Errorf("queue %q: pollRate must be non-negative", s.Name)
	}
	return nil
}

func validateExecutionTime(qname string, d time.Duration) error {
	floor := time.Duration(base.MinExecutionTime+base.DeltaBetweenReEnqueue) * time.Millisecond
	if d < floor {
		return fmt.Errorf("queue %q: maxJobExecutionTime %v is below the minimum %v", qname, d, floor)
	}
	return nil
}

// mapping pairs a queue spec with its handler.
type mapping struct {
	spec    QueueSpec
	handler Handler
}

// queueConfig converts the resolved mapping into the persisted descriptor.
func (m *mapping) queueConfig() *base.QueueConfig {
	cfg := &base.QueueConfig{
		Name:                m.spec.Name,
		Delayed:             m.spec.Delayed,
		NumRetries:          m.spec.NumRetries,
		MaxJobExecutionTime: m.spec.MaxJobExecutionTime.Milliseconds(),
	}
	if m.spec.DeadLetterQueue != "" {
		cfg.DeadLetterQueues = []string{m.spec.DeadLetterQueue}
	}
	return cfg
}

// Registry maps queue names to handlers and their queue specs.
// Registration must complete before a container is built from the registry;
// building the container freezes it.
type Registry struct {
	mu       sync.Mutex
	mappings map[string]*mapping
	frozen   bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{mappings: make(map[string]*mapping)}
}

// Register binds handler to the queue described by spec.
// It returns an error if the spec is invalid, the queue is already
// registered, or the registry has been frozen by building a container.
func (r *Registry) Register(spec QueueSpec, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("redq: cannot register nil handler for queue %q", spec.Name)
	}
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("redq: %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("redq: registry is frozen, register before building the container")
	}
	if _, ok := r.mappings[spec.Name]; ok {
		return fmt.Errorf("redq: queue %q is already registered", spec.Name)
	}
	r.mappings[spec.Name] = &mapping{spec: spec, handler: handler}
	return nil
}

// freeze marks the registry immutable and returns the mappings sorted by
// queue name.
func (r *Registry) freeze() []*mapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	ms := make([]*mapping, 0, len(r.mappings))
	for _, m := range r.mappings {
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].spec.Name < ms[j].spec.Name })
	return ms
}

// lookup returns the mapping for the given queue name.
func (r *Registry) lookup(qname string) (*mapping, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mappings[qname]
	return m, ok
}

// size returns the number of registered queues.
func (r *Registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mappings)
}

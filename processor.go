// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package redq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hemant/redq/internal/base"
	"github.com/hemant/redq/internal/log"
)

// TaskExecutor runs the handler invocations for dequeued messages.
// The built-in implementation is a bounded pool; an application may supply
// its own through Config.TaskExecutor.
type TaskExecutor interface {
	// Submit schedules task for execution. It blocks until the executor
	// admits the task; the processing set is the only buffer in front of
	// the workers.
	Submit(task func())

	// Shutdown waits for running tasks to finish, or until ctx expires.
	Shutdown(ctx context.Context)
}

// boundedExecutor is a semaphore-bounded TaskExecutor.
type boundedExecutor struct {
	sema chan struct{}
	wg   sync.WaitGroup
}

func newBoundedExecutor(n int) *boundedExecutor {
	return &boundedExecutor{sema: make(chan struct{}, n)}
}

func (e *boundedExecutor) Submit(task func()) {
	e.sema <- struct{}{}
	e.wg.Add(1)
	go func() {
		defer func() {
			<-e.sema
			e.wg.Done()
		}()
		task()
	}()
}

func (e *boundedExecutor) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// processor executes handler callbacks and drives the retry / dead letter
// state machine afterwards. It is the only application-side writer of a
// message's retry count.
type processor struct {
	logger *log.Logger
	broker base.Broker

	converters converterChain
	baseCtxFn  func() context.Context

	// recovery interval used as the re-enqueue delay after a failure on a
	// delayed queue.
	backOffTime time.Duration

	discardProcessor MessageProcessor
	dlqProcessor     MessageProcessor
}

type processorParams struct {
	logger           *log.Logger
	broker           base.Broker
	converters       []MessageConverter
	baseCtxFn        func() context.Context
	backOffTime      time.Duration
	discardProcessor MessageProcessor
	dlqProcessor     MessageProcessor
}

func newProcessor(params processorParams) *processor {
	return &processor{
		logger:           params.logger,
		broker:           params.broker,
		converters:       converterChain(params.converters),
		baseCtxFn:        params.baseCtxFn,
		backOffTime:      params.backOffTime,
		discardProcessor: params.discardProcessor,
		dlqProcessor:     params.dlqProcessor,
	}
}

// exec runs one dequeued message through its handler and reports the
// outcome to the state machine. It is called from an executor slot.
func (p *processor) exec(msg *base.Message, m *mapping) {
	payload, err := p.converters.FromPayload(msg.Payload)
	if err != nil {
		// A payload no converter understands can never succeed; treat it as
		// a terminal handler failure.
		p.logger.Errorf("Failed to deserialize message id=%s queue=%s: %v", msg.ID, msg.Queue, err)
		p.retire(msg, m, newMessage(msg, nil))
		return
	}
	pub := newMessage(msg, payload)

	// The handler must not run all the way to the visibility deadline:
	// the outcome write needs to land before the reaper can re-enqueue.
	deadline := m.spec.MaxJobExecutionTime - time.Duration(base.DeltaBetweenReEnqueue)*time.Millisecond
	ctx, cancel := context.WithTimeout(p.baseCtxFn(), deadline)
	defer cancel()

	resCh := make(chan error, 1)
	go func() {
		resCh <- p.runHandler(ctx, m.handler, pub)
	}()

	select {
	case <-ctx.Done():
		// Deadline exceeded: the message stays in the processing set and
		// the reaper rediscovers it at the visibility deadline.
		p.logger.Warnf("Handler deadline exceeded for message id=%s queue=%s", msg.ID, msg.Queue)
		return
	case err := <-resCh:
		if err == nil {
			p.ack(msg)
			return
		}
		p.logger.Debugf("Handler failed for message id=%s queue=%s: %v", msg.ID, msg.Queue, err)
		p.handleFailure(msg, m, pub)
	}
}

// runHandler invokes the user handler, converting a panic into an error.
func (p *processor) runHandler(ctx context.Context, h Handler, msg *Message) (err error) {
	defer func() {
		if v := recover(); v != nil {
			p.logger.Errorf("Recovered from panic while handling message id=%s: %v", msg.ID, v)
			err = fmt.Errorf("panic: %v", v)
		}
	}()
	return h.HandleMessage(ctx, msg)
}

// handleFailure applies the failure row of the state machine: retry with
// back-off while budget remains, otherwise retire the message.
func (p *processor) handleFailure(msg *base.Message, m *mapping, pub *Message) {
	if msg.RetryCount < p.retryBudget(msg, m) {
		updated := msg.Clone()
		updated.RetryCount++
		updated.ReEnqueuedAt = base.UnixMilli(time.Now())
		// Only delayed queues run a scheduler to promote the delayed set, so
		// the back-off delay applies there; other queues retry via the ready
		// list directly.
		var delay time.Duration
		if m.spec.Delayed {
			delay = p.backOffTime
		}
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := p.broker.ReEnqueue(ctx, updated, delay); err != nil {
			p.logger.Errorf("Failed to re-enqueue message id=%s queue=%s: %v", msg.ID, msg.Queue, err)
		}
		return
	}
	p.retire(msg, m, pub)
}

// retire moves the message to the mapping's dead letter queue, or removes
// it outright when no dead letter queue is configured. The matching hook is
// invoked best effort.
func (p *processor) retire(msg *base.Message, m *mapping, pub *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if dlq := m.spec.DeadLetterQueue; dlq != "" {
		updated := msg.Clone()
		if err := p.broker.MoveToDLQ(ctx, updated, dlq); err != nil {
			p.logger.Errorf("Failed to dead letter message id=%s queue=%s: %v", msg.ID, msg.Queue, err)
			return
		}
		pub.ReEnqueuedAt = time.UnixMilli(updated.ReEnqueuedAt)
		p.invokeHook(p.dlqProcessor, pub, "dead letter")
		return
	}
	if err := p.broker.Ack(ctx, msg); err != nil {
		p.logger.Errorf("Failed to remove discarded message id=%s queue=%s: %v", msg.ID, msg.Queue, err)
		return
	}
	p.invokeHook(p.discardProcessor, pub, "discard")
}

func (p *processor) ack(msg *base.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := p.broker.Ack(ctx, msg); err != nil {
		p.logger.Errorf("Failed to acknowledge message id=%s queue=%s: %v", msg.ID, msg.Queue, err)
	}
}

// retryBudget resolves the effective retry budget: the per-message override
// when present, the mapping's otherwise.
func (p *processor) retryBudget(msg *base.Message, m *mapping) int {
	if msg.MaxRetries >= 0 {
		return msg.MaxRetries
	}
	return m.spec.NumRetries
}

func (p *processor) invokeHook(hook MessageProcessor, msg *Message, kind string) {
	if hook == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			p.logger.Errorf("Recovered from panic in %s message processor for id=%s: %v", kind, msg.ID, v)
		}
	}()
	hook(msg)
}

// opTimeout bounds the redis round trips made to record a handler outcome.
const opTimeout = 30 * time.Second

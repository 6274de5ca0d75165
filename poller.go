// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package redq

import (
	"context"
	"sync"
	"time"

	"github.com/hemant/redq/internal/base"
	"github.com/hemant/redq/internal/log"
	"golang.org/x/time/rate"
)

// poller moves ready messages into the processing set and hands them to the
// worker pool, one queue per poller. The processing set is the only buffer:
// when the pool is saturated the poller blocks on admission instead of
// dequeuing ahead.
type poller struct {
	logger   *log.Logger
	broker   base.Broker
	mapping  *mapping
	executor TaskExecutor
	proc     *processor

	// channel to communicate back to the long running "poller" goroutine.
	done chan struct{}

	// sleep interval when the ready list is empty.
	idleInterval time.Duration

	// recovery interval after an infrastructure error.
	backOffTime time.Duration

	// optional dequeue throttle.
	limiter *rate.Limiter
}

type pollerParams struct {
	logger       *log.Logger
	broker       base.Broker
	mapping      *mapping
	executor     TaskExecutor
	proc         *processor
	idleInterval time.Duration
	backOffTime  time.Duration
}

func newPoller(params pollerParams) *poller {
	var limiter *rate.Limiter
	if r := params.mapping.spec.PollRate; r > 0 {
		burst := params.mapping.spec.PollBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(r, burst)
	}
	return &poller{
		logger:       params.logger,
		broker:       params.broker,
		mapping:      params.mapping,
		executor:     params.executor,
		proc:         params.proc,
		done:         make(chan struct{}),
		idleInterval: params.idleInterval,
		backOffTime:  params.backOffTime,
		limiter:      limiter,
	}
}

func (p *poller) shutdown() {
	p.logger.Debugf("Poller for queue %q shutting down...", p.mapping.spec.Name)
	p.done <- struct{}{}
}

func (p *poller) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Canceled when the poller shuts down so a blocked dequeue or
		// rate-limiter wait does not hold up termination.
		ctx, cancel := context.WithCancel(context.Background())
		stopped := make(chan struct{})
		go func() {
			<-p.done
			cancel()
			close(stopped)
		}()
		for {
			select {
			case <-stopped:
				p.logger.Debugf("Poller for queue %q done", p.mapping.spec.Name)
				return
			default:
				p.exec(ctx, stopped)
			}
		}
	}()
}

func (p *poller) exec(ctx context.Context, stopped <-chan struct{}) {
	qname := p.mapping.spec.Name
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
	}
	msg, err := p.broker.Dequeue(ctx, qname, p.mapping.spec.MaxJobExecutionTime)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Errorf("Failed to dequeue from queue %q: %v", qname, err)
		p.sleep(p.backOffTime, stopped)
		return
	}
	if msg == nil {
		p.sleep(p.idleInterval, stopped)
		return
	}
	// Blocks until the pool admits the task.
	m := p.mapping
	p.executor.Submit(func() { p.proc.exec(msg, m) })
}

func (p *poller) sleep(d time.Duration, stopped <-chan struct{}) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
	}
}

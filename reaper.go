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
	"github.com/hemant/redq/internal/timeutil"
)

// reaper returns messages whose visibility deadline has passed from a
// queue's processing set to its ready list. A reaped message counts as a
// retry attempt: the move script increments the retry counter in the same
// atomic step. One reaper runs per queue.
type reaper struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	// channel to communicate back to the long running "reaper" goroutine.
	done chan struct{}

	// name of the queue this reaper serves.
	qname string

	// recovery interval after an infrastructure error.
	backOffTime time.Duration
}

type reaperParams struct {
	logger      *log.Logger
	broker      base.Broker
	clock       timeutil.Clock
	qname       string
	backOffTime time.Duration
}

func newReaper(params reaperParams) *reaper {
	return &reaper{
		logger:      params.logger,
		broker:      params.broker,
		clock:       params.clock,
		done:        make(chan struct{}),
		qname:       params.qname,
		backOffTime: params.backOffTime,
	}
}

func (r *reaper) shutdown() {
	r.logger.Debugf("Reaper for queue %q shutting down...", r.qname)
	r.done <- struct{}{}
}

func (r *reaper) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(tickFloor)
		for {
			select {
			case <-r.done:
				r.logger.Debugf("Reaper for queue %q done", r.qname)
				timer.Stop()
				return
			case <-timer.C:
				timer.Reset(r.exec())
			}
		}
	}()
}

// exec re-enqueues one batch of visibility-expired messages and returns how
// long to sleep before the next cycle.
func (r *reaper) exec() time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	moved, nextDeadline, err := r.broker.ReapExpired(ctx, r.qname, moveBatchSize)
	if err != nil {
		r.logger.Errorf("Failed to reap processing set for queue %q: %v", r.qname, err)
		return r.backOffTime
	}
	if moved > 0 {
		r.logger.Warnf("Re-enqueued %d visibility-expired message(s) for queue %q", moved, r.qname)
	}
	if moved == moveBatchSize {
		return tickFloor
	}
	return sleepUntil(r.clock.Now(), nextDeadline)
}

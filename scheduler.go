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

// Sleep bounds of the scheduler and reaper loops. The adaptive sleep chases
// the earliest pending score but never exceeds the ceiling, so newly
// enqueued near-term work is noticed, and never goes below the floor, so a
// flood of due messages cannot spin the loop.
const (
	tickFloor = 5 * time.Millisecond
	tickCeil  = 100 * time.Millisecond

	// moveBatchSize bounds how many members one script invocation moves.
	moveBatchSize = 100
)

// scheduler promotes due messages from a queue's delayed set to its ready
// list. One scheduler runs per delayed queue; non-delayed queues have none.
type scheduler struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	// channel to communicate back to the long running "scheduler" goroutine.
	done chan struct{}

	// name of the delayed queue this scheduler serves.
	qname string

	// recovery interval after an infrastructure error.
	backOffTime time.Duration
}

type schedulerParams struct {
	logger      *log.Logger
	broker      base.Broker
	clock       timeutil.Clock
	qname       string
	backOffTime time.Duration
}

func newScheduler(params schedulerParams) *scheduler {
	return &scheduler{
		logger:      params.logger,
		broker:      params.broker,
		clock:       params.clock,
		done:        make(chan struct{}),
		qname:       params.qname,
		backOffTime: params.backOffTime,
	}
}

func (s *scheduler) shutdown() {
	s.logger.Debugf("Scheduler for queue %q shutting down...", s.qname)
	s.done <- struct{}{}
}

func (s *scheduler) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(tickFloor)
		for {
			select {
			case <-s.done:
				s.logger.Debugf("Scheduler for queue %q done", s.qname)
				timer.Stop()
				return
			case <-timer.C:
				timer.Reset(s.exec())
			}
		}
	}()
}

// exec promotes one batch of due messages and returns how long to sleep
// before the next cycle.
func (s *scheduler) exec() time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	moved, nextDue, err := s.broker.ForwardDue(ctx, s.qname, moveBatchSize)
	if err != nil {
		s.logger.Errorf("Failed to promote delayed messages for queue %q: %v", s.qname, err)
		return s.backOffTime
	}
	if moved == moveBatchSize {
		// A full batch means more members may already be due.
		return tickFloor
	}
	return sleepUntil(s.clock.Now(), nextDue)
}

// sleepUntil sizes a loop sleep toward the given next score, clamped to
// [tickFloor, tickCeil].
func sleepUntil(now time.Time, next int64) time.Duration {
	if next < 0 {
		return tickCeil
	}
	d := time.Duration(next-base.UnixMilli(now)) * time.Millisecond
	if d < tickFloor {
		return tickFloor
	}
	if d > tickCeil {
		return tickCeil
	}
	return d
}

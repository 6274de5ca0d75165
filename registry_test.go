// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package redq

import (
	"context"
	"testing"
	"time"

	"github.com/hemant/redq/internal/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler() Handler {
	return HandlerFunc(func(ctx context.Context, msg *Message) error { return nil })
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(QueueSpec{Name: "q1", NumRetries: 3}, noopHandler()))

	m, ok := r.lookup("q1")
	require.True(t, ok)
	assert.Equal(t, 3, m.spec.NumRetries)

	_, ok = r.lookup("missing")
	assert.False(t, ok)
}

func TestRegistryRejectsInvalidSpecs(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(QueueSpec{Name: ""}, noopHandler()))
	assert.Error(t, r.Register(QueueSpec{Name: "   "}, noopHandler()))
	assert.Error(t, r.Register(QueueSpec{Name: "q1", NumRetries: -1}, noopHandler()))
	assert.Error(t, r.Register(QueueSpec{Name: "q1", PollRate: -1}, noopHandler()))
	assert.Error(t, r.Register(QueueSpec{Name: "q1"}, nil))
}

func TestRegistryExecutionTimeFloor(t *testing.T) {
	floor := time.Duration(base.MinExecutionTime+base.DeltaBetweenReEnqueue) * time.Millisecond

	r := NewRegistry()
	// Exactly at the floor validates.
	require.NoError(t, r.Register(QueueSpec{Name: "q1", MaxJobExecutionTime: floor}, noopHandler()))
	// One unit below is rejected.
	err := r.Register(QueueSpec{Name: "q2", MaxJobExecutionTime: floor - time.Millisecond}, noopHandler())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxJobExecutionTime")
}

func TestRegistryRejectsDuplicateQueue(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(QueueSpec{Name: "q1"}, noopHandler()))
	err := r.Register(QueueSpec{Name: "q1"}, noopHandler())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistryFreezeBlocksLateRegistration(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(QueueSpec{Name: "q1"}, noopHandler()))

	mappings := r.freeze()
	require.Len(t, mappings, 1)

	err := r.Register(QueueSpec{Name: "q2"}, noopHandler())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frozen")
}

func TestRegistryFreezeSortsByQueueName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(QueueSpec{Name: "zeta"}, noopHandler()))
	require.NoError(t, r.Register(QueueSpec{Name: "alpha"}, noopHandler()))

	mappings := r.freeze()
	require.Len(t, mappings, 2)
	assert.Equal(t, "alpha", mappings[0].spec.Name)
	assert.Equal(t, "zeta", mappings[1].spec.Name)
}

func TestMappingQueueConfig(t *testing.T) {
	m := &mapping{spec: QueueSpec{
		Name:                "q1",
		Delayed:             true,
		NumRetries:          2,
		DeadLetterQueue:     "q1_dlq",
		MaxJobExecutionTime: 10 * time.Minute,
	}}
	cfg := m.queueConfig()
	assert.Equal(t, "q1", cfg.Name)
	assert.True(t, cfg.Delayed)
	assert.Equal(t, 2, cfg.NumRetries)
	assert.Equal(t, []string{"q1_dlq"}, cfg.DeadLetterQueues)
	assert.Equal(t, int64(600_000), cfg.MaxJobExecutionTime)

	m = &mapping{spec: QueueSpec{Name: "q2"}}
	assert.Empty(t, m.queueConfig().DeadLetterQueues)
}

// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package base

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLayout(t *testing.T) {
	// The layout is an external contract: the ready list lives at the bare
	// queue name, the other roles hang off fixed suffixes.
	assert.Equal(t, "jobs", ReadyKey("jobs"))
	assert.Equal(t, "jobs:delayed", DelayedKey("jobs"))
	assert.Equal(t, "jobs:processing", ProcessingKey("jobs"))
	assert.Equal(t, "jobs:config", ConfigKey("jobs"))
	assert.Equal(t, "01J3ZK:meta", MetadataKey("01J3ZK"))
}

func TestValidateQueueName(t *testing.T) {
	assert.NoError(t, ValidateQueueName("jobs"))
	assert.Error(t, ValidateQueueName(""))
	assert.Error(t, ValidateQueueName("   "))
}

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	msg := &Message{
		ID:         "m1",
		Queue:      "jobs",
		Payload:    []byte(`"A"`),
		ProcessAt:  1_700_000_000_123,
		EnqueuedAt: 1_700_000_000_000,
		RetryCount: 2,
		MaxRetries: -1,
	}
	data, err := EncodeMessage(msg)
	require.NoError(t, err)

	got, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.Queue, got.Queue)
	assert.Equal(t, msg.Payload, got.Payload)
	assert.Equal(t, msg.ProcessAt, got.ProcessAt)
	assert.Equal(t, msg.EnqueuedAt, got.EnqueuedAt)
	assert.Equal(t, msg.RetryCount, got.RetryCount)
	assert.Equal(t, msg.MaxRetries, got.MaxRetries)

	// The decoded message remembers its member bytes.
	assert.Equal(t, data, got.Raw())
}

func TestEncodeNilMessage(t *testing.T) {
	_, err := EncodeMessage(nil)
	assert.Error(t, err)
}

func TestDecodeMessageInvalid(t *testing.T) {
	_, err := DecodeMessage([]byte("{broken"))
	assert.Error(t, err)
}

func TestMessageClone(t *testing.T) {
	msg := &Message{ID: "m1", Queue: "jobs", RetryCount: 1}
	msg.SetRaw([]byte("raw"))

	c := msg.Clone()
	c.RetryCount++
	assert.Equal(t, 1, msg.RetryCount)
	assert.Equal(t, 2, c.RetryCount)
	// The clone still identifies the same stored member.
	assert.Equal(t, []byte("raw"), c.Raw())
}

func TestQueueConfigHashRoundTrip(t *testing.T) {
	cfg := &QueueConfig{
		Name:                "jobs",
		Delayed:             true,
		NumRetries:          3,
		DeadLetterQueues:    []string{"jobs_dlq"},
		MaxJobExecutionTime: 900_000,
	}

	args := cfg.HashArgs()
	require.Len(t, args, 10)
	fields := make(map[string]string)
	for i := 0; i < len(args); i += 2 {
		fields[args[i].(string)] = args[i+1].(string)
	}

	got, err := QueueConfigFromHash(fields)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestQueueConfigFromHashMissingName(t *testing.T) {
	_, err := QueueConfigFromHash(map[string]string{"delayed": "true"})
	assert.Error(t, err)
}

func TestQueueConfigFromHashEmptyDLQs(t *testing.T) {
	got, err := QueueConfigFromHash(map[string]string{
		"name":               "jobs",
		"dead_letter_queues": "",
	})
	require.NoError(t, err)
	assert.Empty(t, got.DeadLetterQueues)
}

func TestDecodeMetadata(t *testing.T) {
	md, err := DecodeMetadata([]byte(`{"id":"m1","total_execution_count":4,"deleted":true,"deleted_on":1700000000000,"updated_at":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, "m1", md.ID)
	assert.Equal(t, 4, md.TotalExecutionCount)
	assert.True(t, md.Deleted)
}

func TestUnixMilli(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123)
	assert.Equal(t, int64(1_700_000_000_123), UnixMilli(at))
}

func TestExecutionTimeConstants(t *testing.T) {
	// The default visibility timeout must satisfy the floor it anchors.
	assert.GreaterOrEqual(t, int64(DefaultMaxJobExecutionTime), int64(MinExecutionTime+DeltaBetweenReEnqueue))
}

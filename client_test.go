// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package redq

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// offlineClient returns a Client whose redis connection is never dialed;
// only the validation paths that fail before any round trip are exercised.
func offlineClient(converters ...MessageConverter) *Client {
	return NewClientFromRedisClient(redis.NewClient(&redis.Options{Addr: "localhost:0"}), converters...)
}

func TestClientRejectsInvalidQueueName(t *testing.T) {
	c := offlineClient()
	_, err := c.Enqueue(context.Background(), "  ", "payload")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue name")
}

func TestClientRejectsNegativeRetryOverride(t *testing.T) {
	c := offlineClient()
	_, err := c.EnqueueWithRetry(context.Background(), "q1", "payload", -1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retryCount")
}

func TestClientRejectsUnencodablePayload(t *testing.T) {
	c := offlineClient(StringMessageConverter{})
	_, err := c.Enqueue(context.Background(), "q1", 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encode payload")
}

func TestClientDefaultsToJSONConverter(t *testing.T) {
	c := offlineClient()
	require.Len(t, c.converters, 1)
	_, ok := c.converters[0].(JSONMessageConverter)
	assert.True(t, ok)
}

func TestClientCloseSharedConnectionIsNoOp(t *testing.T) {
	c := offlineClient()
	assert.NoError(t, c.Close())
}

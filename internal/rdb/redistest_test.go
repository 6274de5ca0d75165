// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestRedis starts an ephemeral redis-server on a unix socket and returns
// a connected client. The test is skipped when no redis-server binary is
// available.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	if _, err := exec.LookPath("redis-server"); err != nil {
		t.Skip("redis-server binary not found; skipping")
	}
	dir := t.TempDir()
	socket := filepath.Join(dir, "redis.sock")
	cmd := exec.Command("redis-server",
		"--port", "0",
		"--unixsocket", socket,
		"--unixsocketperm", "700",
		"--save", "",
		"--appendonly", "no")
	cmd.Dir = dir
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start redis-server: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	client := redis.NewClient(&redis.Options{Network: "unix", Addr: socket})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := client.Ping(ctx).Err(); err == nil {
			return client
		}
		if time.Now().After(deadline) {
			t.Fatal("redis-server did not come up in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func newTestRDB(t *testing.T) *RDB {
	t.Helper()
	return NewRDB(newTestRedis(t))
}

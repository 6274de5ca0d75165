// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package redq provides a distributed task queue backed by Redis.

Redq lets application code enqueue messages against named queues and have
worker pools consume, execute, and acknowledge them. Delivery is
at-least-once: messages live in Redis lists and sorted sets and every state
transition runs as a server-side atomic script.

# Features

  - At-least-once delivery: visibility timeouts with automatic recovery
  - Delayed/scheduled messages: deliver at a specific time
  - Bounded retries with back-off and dead letter routing
  - Concurrency control: bounded worker pool shared by all queues
  - Graceful shutdown: clean termination on OS signals

# Quick Start

Producer (enqueue messages):

	client := redq.NewClient(redq.RedisClientOpt{
		Addr: "localhost:6379",
	})
	defer client.Close()

	info, err := client.Enqueue(ctx, "email", map[string]int{"user_id": 42})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Enqueued: %s", info.ID)

Consumer (process messages):

	registry := redq.NewRegistry()
	err := registry.Register(redq.QueueSpec{
		Name:            "email",
		NumRetries:      3,
		DeadLetterQueue: "email_dlq",
	}, redq.HandlerFunc(func(ctx context.Context, msg *redq.Message) error {
		log.Printf("Processing message: %s", msg.ID)
		return nil
	}))
	if err != nil {
		log.Fatal(err)
	}

	container, err := redq.NewContainer(
		redq.RedisClientOpt{Addr: "localhost:6379"},
		registry,
		redq.Config{
			MessageConverters: []redq.MessageConverter{redq.JSONMessageConverter{}},
		},
	)
	if err != nil {
		log.Fatal(err)
	}
	if err := container.Run(); err != nil {
		log.Fatal(err)
	}

# Architecture

Redq uses Redis as the message broker. Each queue owns three structures: a
ready list at the queue name, a delayed sorted set scored by scheduled time,
and a processing sorted set scored by visibility deadline.

The Container spawns multiple goroutines:

  - Poller: pops ready messages into the processing set and feeds the pool
  - Scheduler: promotes due delayed messages to the ready list
  - Reaper: returns visibility-expired messages to the ready list
  - Worker pool: runs handlers and drives the retry / dead letter outcome
  - Healthchecker: pings Redis and reports failures to a callback
*/
package redq

// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package redq

import (
	"context"
	"time"

	"github.com/hemant/redq/internal/base"
)

// Message is the unit of work delivered to a Handler.
//
// Payload holds the value produced by the first message converter that
// accepted the stored bytes; RawPayload always holds the stored bytes.
type Message struct {
	// ID is the unique message identifier, stable across retries.
	ID string

	// Queue is the name of the queue the message was consumed from.
	Queue string

	// Payload is the decoded payload value.
	Payload interface{}

	// RawPayload holds the encoded payload bytes as stored in redis.
	RawPayload []byte

	// RetryCount is the number of delivery attempts made after the first.
	RetryCount int

	// EnqueuedAt is the time the producer enqueued the message.
	EnqueuedAt time.Time

	// ProcessAt is the scheduled delivery time, zero for immediate messages.
	ProcessAt time.Time

	// ReEnqueuedAt is the time the message was last retried or dead
	// lettered, zero if neither happened.
	ReEnqueuedAt time.Time
}

func newMessage(m *base.Message, payload interface{}) *Message {
	msg := &Message{
		ID:         m.ID,
		Queue:      m.Queue,
		Payload:    payload,
		RawPayload: m.Payload,
		RetryCount: m.RetryCount,
		EnqueuedAt: time.UnixMilli(m.EnqueuedAt),
	}
	if m.ProcessAt > 0 {
		msg.ProcessAt = time.UnixMilli(m.ProcessAt)
	}
	if m.ReEnqueuedAt > 0 {
		msg.ReEnqueuedAt = time.UnixMilli(m.ReEnqueuedAt)
	}
	return msg
}

// A Handler processes messages.
//
// HandleMessage should return nil if the processing of a message is
// successful.
//
// If HandleMessage returns a non-nil error or panics, the message will be
// re-enqueued if retries are remaining (after the configured back-off on a
// delayed queue, immediately onto the ready list otherwise), otherwise it
// will be moved to the mapping's dead letter queue, or discarded when the
// mapping has none.
type Handler interface {
	HandleMessage(context.Context, *Message) error
}

// The HandlerFunc type is an adapter to allow the use of
// ordinary functions as a Handler.
type HandlerFunc func(context.Context, *Message) error

// HandleMessage calls fn(ctx, msg)
func (fn HandlerFunc) HandleMessage(ctx context.Context, msg *Message) error {
	return fn(ctx, msg)
}

// MessageProcessor is a terminal-transition hook. It is invoked best effort,
// synchronously on the worker and after the state transition that triggered
// it has been written: a panic inside the hook is recovered and logged, and
// it never affects that transition.
type MessageProcessor func(*Message)

// NoOpMessageProcessor is the default hook.
func NoOpMessageProcessor(*Message) {}

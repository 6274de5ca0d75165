// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in redq package.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hemant/redq/internal/errors"
)

// Version of redq library.
const Version = "1.0.0"

// Execution time floor constants.
//
// A mapping's max job execution time must cover at least the minimum
// execution window plus the re-enqueue delta reserved for reporting the
// outcome back to redis before the visibility deadline fires.
const (
	// MinExecutionTime is the smallest useful execution window in milliseconds.
	MinExecutionTime = 2 * 1000

	// DeltaBetweenReEnqueue is the slice of the visibility timeout, in
	// milliseconds, reserved between the handler deadline and the moment the
	// reaper may re-enqueue the message.
	DeltaBetweenReEnqueue = 5 * 1000

	// DefaultMaxJobExecutionTime is the default visibility timeout in
	// milliseconds (15 minutes).
	DefaultMaxJobExecutionTime = 15 * 60 * 1000

	// DefaultBackOffTime is the default recovery interval in milliseconds
	// after an infrastructure level error.
	DefaultBackOffTime = 10 * 1000
)

// Suffixes of the per-queue redis keys.
//
// The layout is part of the external compatibility surface: the ready list
// lives at the bare queue name so that existing deployments keep working.
const (
	delayedSuffix    = ":delayed"
	processingSuffix = ":processing"
	metadataSuffix   = ":meta"
	configSuffix     = ":config"
)

// ReadyKey returns the redis key of the ready list for the given queue.
func ReadyKey(qname string) string {
	return qname
}

// DelayedKey returns the redis key of the delayed sorted set for the given queue.
func DelayedKey(qname string) string {
	return qname + delayedSuffix
}

// ProcessingKey returns the redis key of the processing sorted set for the given queue.
func ProcessingKey(qname string) string {
	return qname + processingSuffix
}

// MetadataKey returns the redis key holding metadata for the given message id.
func MetadataKey(id string) string {
	return id + metadataSuffix
}

// ConfigKey returns the redis key of the persisted queue descriptor.
func ConfigKey(qname string) string {
	return qname + configSuffix
}

// ValidateQueueName validates a given qname to be used as a queue name.
// Returns nil if valid, otherwise returns non-nil error.
func ValidateQueueName(qname string) error {
	if len(strings.TrimSpace(qname)) == 0 {
		return fmt.Errorf("queue name must contain one or more characters")
	}
	return nil
}

// Message is the internal representation of a queued message with its
// delivery metadata. Serialized data of this type is what gets stored in
// the redis lists and sorted sets.
type Message struct {
	// ID is a unique identifier for the message, stable across retries.
	ID string `json:"id"`

	// Queue is the name of the queue this message belongs to.
	Queue string `json:"queue"`

	// Payload holds the opaque encoded payload bytes.
	Payload []byte `json:"payload"`

	// ProcessAt is the scheduled delivery time in Unix milliseconds.
	// Zero means the message is deliverable immediately.
	ProcessAt int64 `json:"process_at,omitempty"`

	// EnqueuedAt is the producer enqueue time in Unix milliseconds.
	EnqueuedAt int64 `json:"enqueued_at"`

	// RetryCount is the number of delivery attempts made after the first.
	// It never decreases over the lifetime of the message.
	RetryCount int `json:"retry_count"`

	// ReEnqueuedAt is set, in Unix milliseconds, when the message is retried
	// or moved to a dead letter queue.
	ReEnqueuedAt int64 `json:"re_enqueued_at,omitempty"`

	// MaxRetries is a per-message override of the mapping's retry budget.
	// A negative value means no override.
	MaxRetries int `json:"max_retries"`

	// raw holds the exact member bytes this message was decoded from.
	// Atomic removal from a sorted set needs the original member, not a
	// re-encoding of it.
	raw []byte
}

// Raw returns the member bytes the message was decoded from, or nil if the
// message was never read back from redis.
func (m *Message) Raw() []byte { return m.raw }

// SetRaw records b as the member bytes backing this message.
func (m *Message) SetRaw(b []byte) { m.raw = b }

// Clone returns a copy of the message. The raw member bytes are shared,
// they identify the same stored member.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

// EncodeMessage marshals the given message and returns the encoded bytes.
func EncodeMessage(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	return json.Marshal(msg)
}

// DecodeMessage unmarshals the given bytes and returns a decoded message.
// The original bytes are retained and available through Raw.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	msg.raw = data
	return &msg, nil
}

// MessageMetadata is the sidecar record kept at MetadataKey(id).
// It is written by the transition scripts and read by the admin collaborator.
type MessageMetadata struct {
	ID                  string `json:"id"`
	TotalExecutionCount int    `json:"total_execution_count"`
	Deleted             bool   `json:"deleted,omitempty"`
	DeletedOn           int64  `json:"deleted_on,omitempty"`
	UpdatedAt           int64  `json:"updated_at"`
}

// DecodeMetadata unmarshals the given bytes into MessageMetadata.
func DecodeMetadata(data []byte) (*MessageMetadata, error) {
	var md MessageMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// QueueConfig is the persisted queue descriptor. It is written to
// ConfigKey(name) as a redis hash on registration and persists until
// explicitly deleted.
type QueueConfig struct {
	Name                string
	Delayed             bool
	NumRetries          int
	DeadLetterQueues    []string
	MaxJobExecutionTime int64 // milliseconds
}

// HashArgs returns the descriptor as field/value pairs for HSET.
func (c *QueueConfig) HashArgs() []interface{} {
	return []interface{}{
		"name", c.Name,
		"delayed", strconv.FormatBool(c.Delayed),
		"num_retries", strconv.Itoa(c.NumRetries),
		"dead_letter_queues", strings.Join(c.DeadLetterQueues, ","),
		"max_job_execution_time", strconv.FormatInt(c.MaxJobExecutionTime, 10),
	}
}

// QueueConfigFromHash rebuilds a descriptor from the redis hash fields.
func QueueConfigFromHash(fields map[string]string) (*QueueConfig, error) {
	op := errors.Op("base.QueueConfigFromHash")
	name, ok := fields["name"]
	if !ok {
		return nil, errors.E(op, errors.NotFound, "queue config hash has no name field")
	}
	cfg := &QueueConfig{Name: name}
	if v := fields["delayed"]; v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.E(op, errors.Internal, err)
		}
		cfg.Delayed = b
	}
	if v := fields["num_retries"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.E(op, errors.Internal, err)
		}
		cfg.NumRetries = n
	}
	if v := fields["dead_letter_queues"]; v != "" {
		cfg.DeadLetterQueues = strings.Split(v, ",")
	}
	if v := fields["max_job_execution_time"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.E(op, errors.Internal, err)
		}
		cfg.MaxJobExecutionTime = n
	}
	return cfg, nil
}

// UnixMilli converts t to integer Unix milliseconds, the unit of every score
// and time comparison in the broker.
func UnixMilli(t time.Time) int64 { return t.UnixMilli() }

// Broker abstracts the message template operations needed by the broker
// runtime. All state transitions are atomic at the redis layer.
//
// See rdb.RDB as a reference implementation.
type Broker interface {
	Ping() error
	Close() error

	// Enqueue adds the message to the ready list, or to the delayed set when
	// its ProcessAt lies in the future.
	Enqueue(ctx context.Context, msg *Message) error

	// Dequeue pops one ready message and places it in the processing set
	// with a visibility deadline of now+visibility, in a single atomic step.
	// It returns nil, nil when the ready list is empty.
	Dequeue(ctx context.Context, qname string, visibility time.Duration) (*Message, error)

	// Ack removes the message from the processing set. Idempotent.
	Ack(ctx context.Context, msg *Message) error

	// ReEnqueue atomically removes the message's stored member from the
	// processing set and inserts msg into the delayed set (delay > 0) or the
	// ready list (delay == 0). It tolerates the member being already gone.
	ReEnqueue(ctx context.Context, msg *Message, delay time.Duration) error

	// MoveToDLQ atomically removes the message's stored member from the
	// processing set and pushes msg onto the dlq list. It tolerates the
	// member being already gone.
	MoveToDLQ(ctx context.Context, msg *Message, dlq string) error

	// ForwardDue moves up to limit due members from the delayed set to the
	// ready list, in score order. It returns the number moved and the score
	// of the earliest remaining member, or -1 when the set is empty.
	ForwardDue(ctx context.Context, qname string, limit int) (moved int, nextDue int64, err error)

	// ReapExpired moves up to limit visibility-expired members from the
	// processing set back to the ready list, incrementing each member's
	// retry count in the same atomic step. Return values mirror ForwardDue.
	ReapExpired(ctx context.Context, qname string, limit int) (moved int, nextDeadline int64, err error)

	// WriteQueueConfig persists the queue descriptor.
	WriteQueueConfig(ctx context.Context, cfg *QueueConfig) error

	// ReadQueueConfig loads the queue descriptor, or a NotFound error when
	// the queue was never registered.
	ReadQueueConfig(ctx context.Context, qname string) (*QueueConfig, error)
}

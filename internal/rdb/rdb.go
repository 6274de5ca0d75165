// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
//
// Every multi-step state transition runs as a single server-side Lua script
// so that a message is present in at most one of the ready list, delayed set,
// processing set and dead letter list at any point in time.
package rdb

import (
	"context"
	"time"

	"github.com/hemant/redq/internal/base"
	"github.com/hemant/redq/internal/errors"
	"github.com/hemant/redq/internal/timeutil"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

// metadataTTL bounds how long the per-message metadata sidecar outlives the
// message itself.
const metadataTTL = 7 * 24 * time.Hour

// RDB is the message template: it owns the redis key layout and executes
// all atomic queue operations. It implements base.Broker.
type RDB struct {
	client redis.UniversalClient
	clock  timeutil.Clock
}

// NewRDB returns a new instance of RDB.
func NewRDB(client redis.UniversalClient) *RDB {
	return &RDB{
		client: client,
		clock:  timeutil.NewRealClock(),
	}
}

// Close closes the connection with redis server.
func (r *RDB) Close() error {
	return r.client.Close()
}

// Client returns the reference to underlying redis client.
func (r *RDB) Client() redis.UniversalClient {
	return r.client
}

// SetClock sets the clock used by RDB to the given clock.
//
// Use this function to set the clock to SimulatedClock in tests.
func (r *RDB) SetClock(c timeutil.Clock) {
	r.clock = c
}

// Ping checks the connection with redis server.
func (r *RDB) Ping() error {
	return r.client.Ping(context.Background()).Err()
}

func (r *RDB) runScript(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) error {
	if err := script.Run(ctx, r.client, keys, args...).Err(); err != nil && err != redis.Nil {
		return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "eval", Err: err})
	}
	return nil
}

// Enqueue adds the given message to the ready list of its queue, or to the
// delayed sorted set when the message is scheduled for the future.
func (r *RDB) Enqueue(ctx context.Context, msg *base.Message) error {
	var op errors.Op = "rdb.Enqueue"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, err)
	}
	now := base.UnixMilli(r.clock.Now())
	if msg.ProcessAt > now {
		err = r.client.ZAdd(ctx, base.DelayedKey(msg.Queue), redis.Z{
			Score:  float64(msg.ProcessAt),
			Member: encoded,
		}).Err()
		if err != nil {
			return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "zadd", Err: err})
		}
		return nil
	}
	if err := r.client.LPush(ctx, base.ReadyKey(msg.Queue), encoded).Err(); err != nil {
		return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "lpush", Err: err})
	}
	return nil
}

// dequeueCmd pops a message off the ready list and inserts it into the
// processing set with its visibility deadline, in one server-side step.
//
// KEYS[1] -> ready list
// KEYS[2] -> processing sorted set
// ARGV[1] -> visibility deadline in unix milliseconds
//
// Returns the message member, or nil when the ready list is empty.
var dequeueCmd = redis.NewScript(`
local msg = redis.call("RPOP", KEYS[1])
if not msg then
	return nil
end
redis.call("ZADD", KEYS[2], ARGV[1], msg)
return msg
`)

// Dequeue pops one ready message off the given queue and atomically places
// it in the processing set with a deadline of now+visibility.
// Dequeue returns nil, nil when there is no ready message.
func (r *RDB) Dequeue(ctx context.Context, qname string, visibility time.Duration) (*base.Message, error) {
	var op errors.Op = "rdb.Dequeue"
	deadline := base.UnixMilli(r.clock.Now().Add(visibility))
	res, err := dequeueCmd.Run(ctx, r.client,
		[]string{base.ReadyKey(qname), base.ProcessingKey(qname)},
		deadline).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "eval", Err: err})
	}
	encoded, err := cast.ToStringE(res)
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	msg, err := base.DecodeMessage([]byte(encoded))
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	return msg, nil
}

// ackCmd removes a message from the processing set and marks its metadata
// sidecar deleted. When the member is already absent the script changes
// nothing, metadata included, which makes acknowledgement idempotent.
//
// KEYS[1] -> processing sorted set
// KEYS[2] -> message metadata key
// ARGV[1] -> message member
// ARGV[2] -> current unix time in milliseconds
// ARGV[3] -> message id
// ARGV[4] -> metadata ttl in seconds
var ackCmd = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return redis.status_reply("OK")
end
local md
local cur = redis.call("GET", KEYS[2])
if cur then
	md = cjson.decode(cur)
else
	md = {}
end
md["id"] = ARGV[3]
md["total_execution_count"] = (md["total_execution_count"] or 0) + 1
md["deleted"] = true
md["deleted_on"] = tonumber(ARGV[2])
md["updated_at"] = tonumber(ARGV[2])
redis.call("SET", KEYS[2], cjson.encode(md), "EX", ARGV[4])
return redis.status_reply("OK")
`)

// Ack acknowledges a successfully processed message by removing it from the
// processing set. Calling Ack twice for the same message is a no-op.
func (r *RDB) Ack(ctx context.Context, msg *base.Message) error {
	var op errors.Op = "rdb.Ack"
	member := msg.Raw()
	if member == nil {
		return errors.E(op, errors.FailedPrecondition, "message has no stored member")
	}
	now := base.UnixMilli(r.clock.Now())
	return r.runScript(ctx, op, ackCmd,
		[]string{base.ProcessingKey(msg.Queue), base.MetadataKey(msg.ID)},
		member, now, msg.ID, int(metadataTTL.Seconds()))
}

// reEnqueueCmd removes the old member from the processing set and inserts
// the updated member into the target structure. Both steps happen in one
// atomic unit; a missing old member (the reaper fired first) is tolerated.
//
// KEYS[1] -> processing sorted set
// KEYS[2] -> target key (ready list or delayed sorted set)
// KEYS[3] -> message metadata key
// ARGV[1] -> old message member
// ARGV[2] -> updated message member
// ARGV[3] -> target kind: "list" or "zset"
// ARGV[4] -> score for the zset target
// ARGV[5] -> current unix time in milliseconds
// ARGV[6] -> message id
// ARGV[7] -> metadata ttl in seconds
var reEnqueueCmd = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
if ARGV[3] == "zset" then
	redis.call("ZADD", KEYS[2], ARGV[4], ARGV[2])
else
	redis.call("LPUSH", KEYS[2], ARGV[2])
end
local md
local cur = redis.call("GET", KEYS[3])
if cur then
	md = cjson.decode(cur)
else
	md = {}
end
md["id"] = ARGV[6]
md["total_execution_count"] = (md["total_execution_count"] or 0) + 1
md["updated_at"] = tonumber(ARGV[5])
redis.call("SET", KEYS[3], cjson.encode(md), "EX", ARGV[7])
return redis.status_reply("OK")
`)

// ReEnqueue moves the message from the processing set back into its queue:
// into the delayed set scored now+delay when delay is positive, onto the
// ready list otherwise. The message's stored member identifies the entry to
// remove; msg itself carries the updated retry state to insert.
func (r *RDB) ReEnqueue(ctx context.Context, msg *base.Message, delay time.Duration) error {
	var op errors.Op = "rdb.ReEnqueue"
	old := msg.Raw()
	if old == nil {
		return errors.E(op, errors.FailedPrecondition, "message has no stored member")
	}
	updated, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, err)
	}
	now := r.clock.Now()
	kind, score := "list", int64(0)
	if delay > 0 {
		kind = "zset"
		score = base.UnixMilli(now.Add(delay))
	}
	target := base.ReadyKey(msg.Queue)
	if kind == "zset" {
		target = base.DelayedKey(msg.Queue)
	}
	return r.runScript(ctx, op, reEnqueueCmd,
		[]string{base.ProcessingKey(msg.Queue), target, base.MetadataKey(msg.ID)},
		old, updated, kind, score, base.UnixMilli(now), msg.ID, int(metadataTTL.Seconds()))
}

// moveToDLQCmd removes the old member from the processing set and pushes the
// updated member onto the dead letter list. A missing old member is
// tolerated.
//
// KEYS[1] -> processing sorted set
// KEYS[2] -> dead letter list
// KEYS[3] -> message metadata key
// ARGV[1] -> old message member
// ARGV[2] -> updated message member
// ARGV[3] -> current unix time in milliseconds
// ARGV[4] -> message id
// ARGV[5] -> metadata ttl in seconds
var moveToDLQCmd = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("LPUSH", KEYS[2], ARGV[2])
local md
local cur = redis.call("GET", KEYS[3])
if cur then
	md = cjson.decode(cur)
else
	md = {}
end
md["id"] = ARGV[4]
md["total_execution_count"] = (md["total_execution_count"] or 0) + 1
md["updated_at"] = tonumber(ARGV[3])
redis.call("SET", KEYS[3], cjson.encode(md), "EX", ARGV[5])
return redis.status_reply("OK")
`)

// MoveToDLQ moves the message from the processing set to the given dead
// letter list, stamping ReEnqueuedAt.
func (r *RDB) MoveToDLQ(ctx context.Context, msg *base.Message, dlq string) error {
	var op errors.Op = "rdb.MoveToDLQ"
	old := msg.Raw()
	if old == nil {
		return errors.E(op, errors.FailedPrecondition, "message has no stored member")
	}
	now := base.UnixMilli(r.clock.Now())
	msg.ReEnqueuedAt = now
	updated, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, err)
	}
	return r.runScript(ctx, op, moveToDLQCmd,
		[]string{base.ProcessingKey(msg.Queue), dlq, base.MetadataKey(msg.ID)},
		old, updated, now, msg.ID, int(metadataTTL.Seconds()))
}

// forwardDueCmd promotes due members from the delayed set to the ready list
// in score order. Iterating in ascending score order with LPUSH leaves the
// earliest due message closest to the RPOP end.
//
// KEYS[1] -> delayed sorted set
// KEYS[2] -> ready list
// ARGV[1] -> current unix time in milliseconds
// ARGV[2] -> max number of members to move
//
// Returns {moved, next} where next is the score of the earliest remaining
// member, or -1 when the set is empty.
var forwardDueCmd = redis.NewScript(`
local moved = 0
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, msg in ipairs(due) do
	redis.call("LPUSH", KEYS[2], msg)
	redis.call("ZREM", KEYS[1], msg)
	moved = moved + 1
end
local next = -1
local head = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if head[2] then
	next = tonumber(head[2])
end
return {moved, next}
`)

// ForwardDue moves messages whose scheduled time has passed from the delayed
// set of the given queue to its ready list. It returns how many members were
// moved and the score of the earliest member still waiting (-1 if none).
func (r *RDB) ForwardDue(ctx context.Context, qname string, limit int) (int, int64, error) {
	var op errors.Op = "rdb.ForwardDue"
	now := base.UnixMilli(r.clock.Now())
	res, err := forwardDueCmd.Run(ctx, r.client,
		[]string{base.DelayedKey(qname), base.ReadyKey(qname)},
		now, limit).Result()
	if err != nil {
		return 0, -1, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "eval", Err: err})
	}
	return decodeMoveReply(op, res)
}

// reapExpiredCmd returns visibility-expired members from the processing set
// to the ready list. The retry counter is incremented inside the same atomic
// step so an application-side increment can never race with it, and the
// metadata sidecar records the extra execution.
//
// KEYS[1] -> processing sorted set
// KEYS[2] -> ready list
// ARGV[1] -> current unix time in milliseconds
// ARGV[2] -> max number of members to move
// ARGV[3] -> metadata ttl in seconds
//
// Returns {moved, next} where next is the earliest remaining visibility
// deadline, or -1 when the set is empty.
var reapExpiredCmd = redis.NewScript(`
local moved = 0
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, raw in ipairs(expired) do
	local msg = cjson.decode(raw)
	msg["retry_count"] = (msg["retry_count"] or 0) + 1
	msg["re_enqueued_at"] = tonumber(ARGV[1])
	redis.call("LPUSH", KEYS[2], cjson.encode(msg))
	redis.call("ZREM", KEYS[1], raw)
	local mk = msg["id"] .. ":meta"
	local md
	local cur = redis.call("GET", mk)
	if cur then
		md = cjson.decode(cur)
	else
		md = {}
	end
	md["id"] = msg["id"]
	md["total_execution_count"] = (md["total_execution_count"] or 0) + 1
	md["updated_at"] = tonumber(ARGV[1])
	redis.call("SET", mk, cjson.encode(md), "EX", ARGV[3])
	moved = moved + 1
end
local next = -1
local head = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if head[2] then
	next = tonumber(head[2])
end
return {moved, next}
`)

// ReapExpired returns messages whose visibility deadline has passed from the
// processing set of the given queue to its ready list, counting each as a
// retry attempt. It returns how many members were moved and the earliest
// remaining deadline (-1 if none).
func (r *RDB) ReapExpired(ctx context.Context, qname string, limit int) (int, int64, error) {
	var op errors.Op = "rdb.ReapExpired"
	now := base.UnixMilli(r.clock.Now())
	res, err := reapExpiredCmd.Run(ctx, r.client,
		[]string{base.ProcessingKey(qname), base.ReadyKey(qname)},
		now, limit, int(metadataTTL.Seconds())).Result()
	if err != nil {
		return 0, -1, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "eval", Err: err})
	}
	return decodeMoveReply(op, res)
}

// decodeMoveReply decodes the {moved, next} array returned by the forward
// and reap scripts.
func decodeMoveReply(op errors.Op, res interface{}) (int, int64, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, -1, errors.E(op, errors.Internal, "unexpected script reply")
	}
	moved, err := cast.ToIntE(vals[0])
	if err != nil {
		return 0, -1, errors.E(op, errors.Internal, err)
	}
	next, err := cast.ToInt64E(vals[1])
	if err != nil {
		return 0, -1, errors.E(op, errors.Internal, err)
	}
	return moved, next, nil
}

// WriteQueueConfig persists the queue descriptor hash.
func (r *RDB) WriteQueueConfig(ctx context.Context, cfg *base.QueueConfig) error {
	var op errors.Op = "rdb.WriteQueueConfig"
	if err := r.client.HSet(ctx, base.ConfigKey(cfg.Name), cfg.HashArgs()...).Err(); err != nil {
		return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "hset", Err: err})
	}
	return nil
}

// ReadQueueConfig loads the persisted queue descriptor.
// Returns a NotFound error when the queue was never registered.
func (r *RDB) ReadQueueConfig(ctx context.Context, qname string) (*base.QueueConfig, error) {
	var op errors.Op = "rdb.ReadQueueConfig"
	fields, err := r.client.HGetAll(ctx, base.ConfigKey(qname)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "hgetall", Err: err})
	}
	if len(fields) == 0 {
		return nil, errors.E(op, errors.NotFound, "queue is not registered")
	}
	return base.QueueConfigFromHash(fields)
}

// ReadMetadata loads the metadata sidecar for the given message id.
// Returns a NotFound error when no metadata exists.
func (r *RDB) ReadMetadata(ctx context.Context, id string) (*base.MessageMetadata, error) {
	var op errors.Op = "rdb.ReadMetadata"
	data, err := r.client.Get(ctx, base.MetadataKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errors.E(op, errors.NotFound, "no metadata for message")
	}
	if err != nil {
		return nil, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "get", Err: err})
	}
	md, err := base.DecodeMetadata(data)
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	return md, nil
}

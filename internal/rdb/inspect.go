// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"

	"github.com/hemant/redq/internal/base"
	"github.com/hemant/redq/internal/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

// This file holds the read-only pagination and bulk move operations used by
// the external admin collaborator. None of them are on the hot path; all of
// them still go through the template so no other component ever needs key
// layout knowledge.

// ZItem is a decoded sorted set member together with its score.
type ZItem struct {
	Message *base.Message
	Score   int64
}

// MoveResult reports the outcome of a bulk move operation.
type MoveResult struct {
	Moved int
}

// ListRange returns the decoded messages stored in the list at key between
// the start and end offsets (inclusive, LRANGE semantics).
func (r *RDB) ListRange(ctx context.Context, key string, start, end int64) ([]*base.Message, error) {
	var op errors.Op = "rdb.ListRange"
	data, err := r.client.LRange(ctx, key, start, end).Result()
	if err != nil {
		return nil, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "lrange", Err: err})
	}
	return decodeMessages(data), nil
}

// ZsetRange returns the decoded messages stored in the sorted set at key
// between the start and end ranks (inclusive, ZRANGE semantics).
func (r *RDB) ZsetRange(ctx context.Context, key string, start, end int64) ([]*base.Message, error) {
	var op errors.Op = "rdb.ZsetRange"
	data, err := r.client.ZRange(ctx, key, start, end).Result()
	if err != nil {
		return nil, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "zrange", Err: err})
	}
	return decodeMessages(data), nil
}

// ZsetRangeWithScores is ZsetRange keeping each member's score.
func (r *RDB) ZsetRangeWithScores(ctx context.Context, key string, start, end int64) ([]ZItem, error) {
	var op errors.Op = "rdb.ZsetRangeWithScores"
	zs, err := r.client.ZRangeWithScores(ctx, key, start, end).Result()
	if err != nil {
		return nil, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "zrange", Err: err})
	}
	var items []ZItem
	for _, z := range zs {
		s, err := cast.ToStringE(z.Member)
		if err != nil {
			continue
		}
		msg, err := base.DecodeMessage([]byte(s))
		if err != nil {
			continue // skip members written by other tools
		}
		items = append(items, ZItem{Message: msg, Score: int64(z.Score)})
	}
	return items, nil
}

func decodeMessages(data []string) []*base.Message {
	var msgs []*base.Message
	for _, s := range data {
		msg, err := base.DecodeMessage([]byte(s))
		if err != nil {
			continue // skip members written by other tools
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// moveZsetToZsetCmd moves up to limit members between sorted sets, keeping
// each member's score unless a fixed score is supplied.
//
// KEYS[1] -> source sorted set
// KEYS[2] -> destination sorted set
// ARGV[1] -> max number of members to move
// ARGV[2] -> fixed score, or "" to keep the source score
var moveZsetToZsetCmd = redis.NewScript(`
local members = redis.call("ZRANGE", KEYS[1], 0, ARGV[1]-1, "WITHSCORES")
local moved = 0
for i = 1, #members, 2 do
	local score = ARGV[2]
	if score == "" then
		score = members[i+1]
	end
	redis.call("ZADD", KEYS[2], score, members[i])
	redis.call("ZREM", KEYS[1], members[i])
	moved = moved + 1
end
return moved
`)

// MoveZsetToZset moves up to limit members from the src sorted set to the
// dst sorted set. When score is non-negative every moved member gets that
// fixed score, otherwise the source scores are preserved.
func (r *RDB) MoveZsetToZset(ctx context.Context, src, dst string, limit int, score int64) (MoveResult, error) {
	var op errors.Op = "rdb.MoveZsetToZset"
	fixed := ""
	if score >= 0 {
		fixed = cast.ToString(score)
	}
	res, err := moveZsetToZsetCmd.Run(ctx, r.client, []string{src, dst}, limit, fixed).Result()
	if err != nil {
		return MoveResult{}, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "eval", Err: err})
	}
	return decodeMoveResult(op, res)
}

// moveZsetToListCmd moves up to limit members from a sorted set onto a list,
// in ascending score order.
//
// KEYS[1] -> source sorted set
// KEYS[2] -> destination list
// ARGV[1] -> max number of members to move
var moveZsetToListCmd = redis.NewScript(`
local members = redis.call("ZRANGE", KEYS[1], 0, ARGV[1]-1)
local moved = 0
for _, member in ipairs(members) do
	redis.call("LPUSH", KEYS[2], member)
	redis.call("ZREM", KEYS[1], member)
	moved = moved + 1
end
return moved
`)

// MoveZsetToList moves up to limit members from the src sorted set onto the
// dst list, earliest score first.
func (r *RDB) MoveZsetToList(ctx context.Context, src, dst string, limit int) (MoveResult, error) {
	var op errors.Op = "rdb.MoveZsetToList"
	res, err := moveZsetToListCmd.Run(ctx, r.client, []string{src, dst}, limit).Result()
	if err != nil {
		return MoveResult{}, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "eval", Err: err})
	}
	return decodeMoveResult(op, res)
}

// moveListToListCmd moves up to limit members between lists preserving FIFO
// order via RPOPLPUSH.
//
// KEYS[1] -> source list
// KEYS[2] -> destination list
// ARGV[1] -> max number of members to move
var moveListToListCmd = redis.NewScript(`
local moved = 0
for i = 1, ARGV[1], 1 do
	local member = redis.call("RPOPLPUSH", KEYS[1], KEYS[2])
	if not member then
		break
	end
	moved = moved + 1
end
return moved
`)

// MoveListToList moves up to limit members from the src list to the dst
// list, preserving consumption order.
func (r *RDB) MoveListToList(ctx context.Context, src, dst string, limit int) (MoveResult, error) {
	var op errors.Op = "rdb.MoveListToList"
	res, err := moveListToListCmd.Run(ctx, r.client, []string{src, dst}, limit).Result()
	if err != nil {
		return MoveResult{}, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "eval", Err: err})
	}
	return decodeMoveResult(op, res)
}

// moveListToZsetCmd pops up to limit members from a list into a sorted set
// with a fixed score.
//
// KEYS[1] -> source list
// KEYS[2] -> destination sorted set
// ARGV[1] -> max number of members to move
// ARGV[2] -> score assigned to every moved member
var moveListToZsetCmd = redis.NewScript(`
local moved = 0
for i = 1, ARGV[1], 1 do
	local member = redis.call("RPOP", KEYS[1])
	if not member then
		break
	end
	redis.call("ZADD", KEYS[2], ARGV[2], member)
	moved = moved + 1
end
return moved
`)

// MoveListToZset moves up to limit members from the src list into the dst
// sorted set, assigning the given score to each.
func (r *RDB) MoveListToZset(ctx context.Context, src, dst string, limit int, score int64) (MoveResult, error) {
	var op errors.Op = "rdb.MoveListToZset"
	res, err := moveListToZsetCmd.Run(ctx, r.client, []string{src, dst}, limit, score).Result()
	if err != nil {
		return MoveResult{}, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "eval", Err: err})
	}
	return decodeMoveResult(op, res)
}

func decodeMoveResult(op errors.Op, res interface{}) (MoveResult, error) {
	moved, err := cast.ToIntE(res)
	if err != nil {
		return MoveResult{}, errors.E(op, errors.Internal, err)
	}
	return MoveResult{Moved: moved}, nil
}

// Size returns the number of members stored at key, regardless of whether it
// is a list or a sorted set. A missing key has size zero.
func (r *RDB) Size(ctx context.Context, key string) (int64, error) {
	var op errors.Op = "rdb.Size"
	typ, err := r.KeyType(ctx, key)
	if err != nil {
		return 0, err
	}
	switch typ {
	case "list":
		n, err := r.client.LLen(ctx, key).Result()
		if err != nil {
			return 0, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "llen", Err: err})
		}
		return n, nil
	case "zset":
		n, err := r.client.ZCard(ctx, key).Result()
		if err != nil {
			return 0, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "zcard", Err: err})
		}
		return n, nil
	case "none":
		return 0, nil
	default:
		return 0, errors.E(op, errors.FailedPrecondition, "key holds an unsupported type: "+typ)
	}
}

// KeyType returns the redis type of the value stored at key
// ("list", "zset", "none", ...).
func (r *RDB) KeyType(ctx context.Context, key string) (string, error) {
	var op errors.Op = "rdb.KeyType"
	typ, err := r.client.Type(ctx, key).Result()
	if err != nil {
		return "", errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "type", Err: err})
	}
	return typ, nil
}

package rsmq

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// AtomicOperations are the claim steps that must run indivisibly on the
// server: between finding the oldest visible message and changing its state
// no other client may touch it.
type AtomicOperations interface {
	// ClaimForReceive hides the oldest message with score <= now until
	// newScore and returns it with its receive count incremented. It returns
	// (nil, nil) when no message is visible.
	ClaimForReceive(ctx context.Context, rdb redis.UniversalClient, keys QueueKeys, now, newScore int64) (*Message, error)
	// ClaimForPop removes the oldest message with score <= now and returns it.
	ClaimForPop(ctx context.Context, rdb redis.UniversalClient, keys QueueKeys, now int64) (*Message, error)
	// ExtendVisibility moves an existing message to newScore. It reports
	// false when the message is gone.
	ExtendVisibility(ctx context.Context, rdb redis.UniversalClient, keys QueueKeys, id string, newScore int64) (bool, error)
}

// KEYS[1] message zset, KEYS[2] attribute hash, ARGV[1] now, ARGV[2] new score.
var receiveScript = redis.NewScript(`
local msg = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", "0", "1")
if #msg == 0 then
	return {}
end
local id = msg[1]
redis.call("ZADD", KEYS[1], ARGV[2], id)
redis.call("HINCRBY", KEYS[2], "totalrecv", 1)
local body = redis.call("HGET", KEYS[2], id)
local rc = redis.call("HINCRBY", KEYS[2], id .. ":rc", 1)
local fr
if rc == 1 then
	redis.call("HSET", KEYS[2], id .. ":fr", ARGV[2])
	fr = ARGV[2]
else
	fr = redis.call("HGET", KEYS[2], id .. ":fr")
end
return {id, body, rc, fr}
`)

// KEYS[1] message zset, KEYS[2] attribute hash, ARGV[1] now.
var popScript = redis.NewScript(`
local msg = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", "0", "1")
if #msg == 0 then
	return {}
end
local id = msg[1]
redis.call("HINCRBY", KEYS[2], "totalrecv", 1)
local body = redis.call("HGET", KEYS[2], id)
local rc = redis.call("HINCRBY", KEYS[2], id .. ":rc", 1)
local fr
if rc == 1 then
	fr = ARGV[1]
else
	fr = redis.call("HGET", KEYS[2], id .. ":fr")
end
redis.call("ZREM", KEYS[1], id)
redis.call("HDEL", KEYS[2], id, id .. ":rc", id .. ":fr")
return {id, body, rc, fr}
`)

// KEYS[1] message zset, ARGV[1] message id, ARGV[2] new score.
var visibilityScript = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) == false then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
return 1
`)

func loadScripts(ctx context.Context, rdb redis.UniversalClient) error {
	for _, s := range []*redis.Script{receiveScript, popScript, visibilityScript} {
		if err := s.Load(ctx, rdb).Err(); err != nil {
			return err
		}
	}
	return nil
}

// scriptOps runs each operation as one Lua script.
type scriptOps struct{}

func (scriptOps) ClaimForReceive(ctx context.Context, rdb redis.UniversalClient, keys QueueKeys, now, newScore int64) (*Message, error) {
	res, err := receiveScript.Run(ctx, rdb, []string{keys.Messages, keys.Attributes}, now, newScore).Slice()
	if err != nil {
		return nil, err
	}
	return claimedFromReply(res), nil
}

func (scriptOps) ClaimForPop(ctx context.Context, rdb redis.UniversalClient, keys QueueKeys, now int64) (*Message, error) {
	res, err := popScript.Run(ctx, rdb, []string{keys.Messages, keys.Attributes}, now).Slice()
	if err != nil {
		return nil, err
	}
	return claimedFromReply(res), nil
}

func (scriptOps) ExtendVisibility(ctx context.Context, rdb redis.UniversalClient, keys QueueKeys, id string, newScore int64) (bool, error) {
	n, err := visibilityScript.Run(ctx, rdb, []string{keys.Messages}, id, newScore).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func claimedFromReply(v []interface{}) *Message {
	if len(v) < 4 {
		return nil
	}
	id, _ := v[0].(string)
	if id == "" {
		return nil
	}
	body, _ := v[1].(string)
	return newClaimedMessage(id, body, toInt64(v[2]), toInt64(v[3]))
}

// watchOps gives the same guarantees with WATCH/MULTI. A transaction that
// loses a race is retried with exponential backoff.
type watchOps struct {
	attempts   int
	backoff    time.Duration
	maxBackoff time.Duration
	onConflict func()
}

func (o *watchOps) watch(ctx context.Context, rdb redis.UniversalClient, fn func(*redis.Tx) error, keys ...string) error {
	backoff := o.backoff
	for attempt := 1; ; attempt++ {
		err := rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if o.onConflict != nil {
			o.onConflict()
		}
		if attempt >= o.attempts {
			return ErrTxConflict
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if o.maxBackoff > 0 && backoff > o.maxBackoff {
			backoff = o.maxBackoff
		}
	}
}

func firstVisible(ctx context.Context, tx *redis.Tx, key string, now int64) (string, error) {
	ids, err := tx.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: 1,
	}).Result()
	if err != nil || len(ids) == 0 {
		return "", err
	}
	return ids[0], nil
}

func (o *watchOps) ClaimForReceive(ctx context.Context, rdb redis.UniversalClient, keys QueueKeys, now, newScore int64) (*Message, error) {
	var msg *Message
	err := o.watch(ctx, rdb, func(tx *redis.Tx) error {
		msg = nil
		id, err := firstVisible(ctx, tx, keys.Messages, now)
		if err != nil || id == "" {
			return err
		}
		vals, err := tx.HMGet(ctx, keys.Attributes, id, id+":rc", id+":fr").Result()
		if err != nil {
			return err
		}
		body, _ := vals[0].(string)
		rc := toInt64(vals[1]) + 1
		fr := newScore
		if rc > 1 {
			fr = toInt64(vals[2])
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZAdd(ctx, keys.Messages, redis.Z{Score: float64(newScore), Member: id})
			p.HIncrBy(ctx, keys.Attributes, "totalrecv", 1)
			p.HIncrBy(ctx, keys.Attributes, id+":rc", 1)
			if rc == 1 {
				p.HSet(ctx, keys.Attributes, id+":fr", newScore)
			}
			return nil
		})
		if err != nil {
			return err
		}
		msg = newClaimedMessage(id, body, rc, fr)
		return nil
	}, keys.Messages, keys.Attributes)
	return msg, err
}

func (o *watchOps) ClaimForPop(ctx context.Context, rdb redis.UniversalClient, keys QueueKeys, now int64) (*Message, error) {
	var msg *Message
	err := o.watch(ctx, rdb, func(tx *redis.Tx) error {
		msg = nil
		id, err := firstVisible(ctx, tx, keys.Messages, now)
		if err != nil || id == "" {
			return err
		}
		vals, err := tx.HMGet(ctx, keys.Attributes, id, id+":rc", id+":fr").Result()
		if err != nil {
			return err
		}
		body, _ := vals[0].(string)
		rc := toInt64(vals[1]) + 1
		fr := now
		if rc > 1 {
			fr = toInt64(vals[2])
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HIncrBy(ctx, keys.Attributes, "totalrecv", 1)
			p.ZRem(ctx, keys.Messages, id)
			p.HDel(ctx, keys.Attributes, id, id+":rc", id+":fr")
			return nil
		})
		if err != nil {
			return err
		}
		msg = newClaimedMessage(id, body, rc, fr)
		return nil
	}, keys.Messages, keys.Attributes)
	return msg, err
}

func (o *watchOps) ExtendVisibility(ctx context.Context, rdb redis.UniversalClient, keys QueueKeys, id string, newScore int64) (bool, error) {
	var ok bool
	err := o.watch(ctx, rdb, func(tx *redis.Tx) error {
		ok = false
		if err := tx.ZScore(ctx, keys.Messages, id).Err(); err != nil {
			if err == redis.Nil {
				return nil
			}
			return err
		}
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZAdd(ctx, keys.Messages, redis.Z{Score: float64(newScore), Member: id})
			return nil
		})
		if err != nil {
			return err
		}
		ok = true
		return nil
	}, keys.Messages)
	return ok, err
}

func newClaimedMessage(id, body string, rc, fr int64) *Message {
	sent, _ := ParseMessageID(id)
	return &Message{
		ID:            id,
		Body:          []byte(body),
		ReceiveCount:  rc,
		FirstReceived: time.UnixMilli(fr),
		Sent:          sent,
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			// scores written by Lua may come back in float notation
			f, ferr := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if ferr != nil {
				return 0
			}
			return int64(f)
		}
		return n
	case int64:
		return t
	case float64:
		return int64(t)
	}
	return 0
}

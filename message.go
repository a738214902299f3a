package rsmq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const waitPollInterval = 50 * time.Millisecond

type queueConfig struct {
	vt      int
	delay   int
	maxSize int
}

// loadQueue reads the queue configuration and the server clock in one round trip.
func (c *Client) loadQueue(ctx context.Context, rdb redis.UniversalClient, k QueueKeys) (queueConfig, time.Time, error) {
	var (
		vals *redis.SliceCmd
		tm   *redis.TimeCmd
	)
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		vals = p.HMGet(ctx, k.Attributes, "vt", "delay", "maxsize")
		tm = p.Time(ctx)
		return nil
	})
	if err != nil {
		return queueConfig{}, time.Time{}, err
	}
	v := vals.Val()
	if len(v) < 3 || v[0] == nil {
		return queueConfig{}, time.Time{}, ErrQueueNotFound
	}
	return queueConfig{
		vt:      int(toInt64(v[0])),
		delay:   int(toInt64(v[1])),
		maxSize: int(toInt64(v[2])),
	}, tm.Val(), nil
}

// SendMessage stores body and schedules it to become visible after the
// queue delay (or the SendDelay override). It returns the new message id.
func (c *Client) SendMessage(ctx context.Context, name string, body []byte, opts ...SendOption) (string, error) {
	if err := ValidateQueueName(name); err != nil {
		return "", err
	}
	var s sendSettings
	for _, fn := range opts {
		if fn != nil {
			fn(&s)
		}
	}
	if s.delay != nil {
		if err := validateSeconds("delay", *s.delay); err != nil {
			return "", err
		}
	}

	k := c.keys(name)
	var id string
	err := c.do(ctx, "sendMessage", func(rdb redis.UniversalClient) error {
		cfg, now, err := c.loadQueue(ctx, rdb, k)
		if err != nil {
			return err
		}
		if cfg.maxSize != UnlimitedSize && len(body) > cfg.maxSize {
			return fmt.Errorf("%w: %d bytes, queue %s accepts %d", ErrMessageTooLarge, len(body), name, cfg.maxSize)
		}
		delay := intOr(s.delay, cfg.delay)

		id, err = newMessageID(now)
		if err != nil {
			return err
		}
		score := now.UnixMilli() + int64(delay)*1000
		_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZAdd(ctx, k.Messages, redis.Z{Score: float64(score), Member: id})
			p.HSet(ctx, k.Attributes, id, body)
			p.HIncrBy(ctx, k.Attributes, "totalsent", 1)
			return nil
		})
		return err
	})
	if err != nil {
		return "", err
	}

	c.opt.Metrics.sent(name)
	c.publish(ctx, Event{Type: EventSent, Queue: name, MessageID: id})
	return id, nil
}

// ReceiveMessage claims the oldest visible message and hides it for the
// queue visibility timeout (or the ReceiveVisibility override). It returns
// (nil, nil) when no message is visible, and also when the store is
// unreachable so that polling loops keep going.
func (c *Client) ReceiveMessage(ctx context.Context, name string, opts ...ReceiveOption) (*Message, error) {
	if err := ValidateQueueName(name); err != nil {
		return nil, err
	}
	var s receiveSettings
	for _, fn := range opts {
		if fn != nil {
			fn(&s)
		}
	}
	if s.vt != nil {
		if err := validateSeconds("vt", *s.vt); err != nil {
			return nil, err
		}
	}

	k := c.keys(name)
	var msg *Message
	err := c.do(ctx, "receiveMessage", func(rdb redis.UniversalClient) error {
		cfg, now, err := c.loadQueue(ctx, rdb, k)
		if err != nil {
			return err
		}
		vt := intOr(s.vt, cfg.vt)
		ms := now.UnixMilli()
		msg, err = c.ops.ClaimForReceive(ctx, rdb, k, ms, ms+int64(vt)*1000)
		return err
	})
	if err != nil {
		return nil, c.degrade("receiveMessage", name, err)
	}

	c.opt.Metrics.claimed(name, msg, false)
	if msg != nil {
		c.publish(ctx, Event{Type: EventReceived, Queue: name, MessageID: msg.ID, Extra: map[string]string{"rc": strconv.FormatInt(msg.ReceiveCount, 10)}})
	}
	return msg, nil
}

// ReceiveMessageWait polls ReceiveMessage until a message is claimed, wait
// elapses or ctx is done.
func (c *Client) ReceiveMessageWait(ctx context.Context, name string, wait time.Duration, opts ...ReceiveOption) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		msg, err := c.ReceiveMessage(ctx, name, opts...)
		if err != nil || msg != nil {
			return msg, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		sleep := waitPollInterval
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// PopMessage claims and deletes the oldest visible message, so it is never
// delivered again. Empty results follow ReceiveMessage.
func (c *Client) PopMessage(ctx context.Context, name string) (*Message, error) {
	if err := ValidateQueueName(name); err != nil {
		return nil, err
	}

	k := c.keys(name)
	var msg *Message
	err := c.do(ctx, "popMessage", func(rdb redis.UniversalClient) error {
		_, now, err := c.loadQueue(ctx, rdb, k)
		if err != nil {
			return err
		}
		msg, err = c.ops.ClaimForPop(ctx, rdb, k, now.UnixMilli())
		return err
	})
	if err != nil {
		return nil, c.degrade("popMessage", name, err)
	}

	c.opt.Metrics.claimed(name, msg, true)
	if msg != nil {
		c.publish(ctx, Event{Type: EventPopped, Queue: name, MessageID: msg.ID})
	}
	return msg, nil
}

// DeleteMessage removes the message and its side fields. It reports false
// when the message did not exist.
func (c *Client) DeleteMessage(ctx context.Context, name, id string) (bool, error) {
	if err := ValidateQueueName(name); err != nil {
		return false, err
	}
	if err := ValidateMessageID(id); err != nil {
		return false, err
	}

	k := c.keys(name)
	var removed bool
	err := c.do(ctx, "deleteMessage", func(rdb redis.UniversalClient) error {
		var zrem *redis.IntCmd
		_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			zrem = p.ZRem(ctx, k.Messages, id)
			p.HDel(ctx, k.Attributes, id, id+":rc", id+":fr")
			return nil
		})
		if err != nil {
			return err
		}
		removed = zrem.Val() == 1
		return nil
	})
	if err != nil {
		return false, err
	}

	if removed {
		c.opt.Metrics.deleted(name)
		c.publish(ctx, Event{Type: EventDeleted, Queue: name, MessageID: id})
	}
	return removed, nil
}

// ChangeMessageVisibility makes the message visible vt seconds from now,
// whether it is currently hidden or not. It reports false when the message
// no longer exists.
func (c *Client) ChangeMessageVisibility(ctx context.Context, name, id string, vt int) (bool, error) {
	if err := ValidateQueueName(name); err != nil {
		return false, err
	}
	if err := ValidateMessageID(id); err != nil {
		return false, err
	}
	if err := validateSeconds("vt", vt); err != nil {
		return false, err
	}

	k := c.keys(name)
	var ok bool
	err := c.do(ctx, "changeMessageVisibility", func(rdb redis.UniversalClient) error {
		_, now, err := c.loadQueue(ctx, rdb, k)
		if err != nil {
			return err
		}
		ok, err = c.ops.ExtendVisibility(ctx, rdb, k, id, now.UnixMilli()+int64(vt)*1000)
		return err
	})
	if err != nil {
		return false, err
	}

	if ok {
		c.publish(ctx, Event{Type: EventVisibility, Queue: name, MessageID: id, Extra: map[string]string{"vt": strconv.Itoa(vt)}})
	}
	return ok, nil
}

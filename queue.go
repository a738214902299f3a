package rsmq

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var attributeFields = []string{"vt", "delay", "maxsize", "totalrecv", "totalsent", "created", "modified"}

// CreateQueue creates a queue with vt=30s, delay=0 and unlimited size unless
// overridden. Each attribute is written with HSETNX, so of two concurrent
// creators exactly one succeeds and the other gets ErrQueueExists.
func (c *Client) CreateQueue(ctx context.Context, name string, opts ...QueueOption) error {
	if err := ValidateQueueName(name); err != nil {
		return err
	}
	var s queueSettings
	for _, fn := range opts {
		if fn != nil {
			fn(&s)
		}
	}
	if err := s.validate(); err != nil {
		return err
	}
	vt := intOr(s.vt, DefaultVisibilityTimeout)
	delay := intOr(s.delay, DefaultDelay)
	maxSize := intOr(s.maxSize, UnlimitedSize)

	k := c.keys(name)
	err := c.do(ctx, "createQueue", func(rdb redis.UniversalClient) error {
		now, err := rdb.Time(ctx).Result()
		if err != nil {
			return err
		}
		var won *redis.BoolCmd
		// registry entry goes in the same MULTI as the hash
		_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			won = p.HSetNX(ctx, k.Attributes, "vt", vt)
			p.HSetNX(ctx, k.Attributes, "delay", delay)
			p.HSetNX(ctx, k.Attributes, "maxsize", maxSize)
			p.HSetNX(ctx, k.Attributes, "created", now.Unix())
			p.HSetNX(ctx, k.Attributes, "modified", now.Unix())
			p.SAdd(ctx, c.registryKey(), name)
			return nil
		})
		if err != nil {
			return err
		}
		if !won.Val() {
			return ErrQueueExists
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.publish(ctx, Event{Type: EventQueueCreated, Queue: name})
	return nil
}

// ListQueues returns the registered queue names, sorted. It returns an empty
// list when the store cannot be read.
func (c *Client) ListQueues(ctx context.Context) []string {
	var names []string
	err := c.do(ctx, "listQueues", func(rdb redis.UniversalClient) error {
		var err error
		names, err = rdb.SMembers(ctx, c.registryKey()).Result()
		return err
	})
	if err != nil {
		c.log.WithField("error", err).Warn("listing queues failed")
		c.opt.Metrics.degraded("listQueues")
		return []string{}
	}
	sort.Strings(names)
	return names
}

// DeleteQueue removes the queue, all of its messages and its registry entry
// in one transaction.
func (c *Client) DeleteQueue(ctx context.Context, name string) error {
	if err := ValidateQueueName(name); err != nil {
		return err
	}
	k := c.keys(name)
	err := c.do(ctx, "deleteQueue", func(rdb redis.UniversalClient) error {
		var del *redis.IntCmd
		_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, k.Messages)
			del = p.Del(ctx, k.Attributes)
			p.SRem(ctx, c.registryKey(), name)
			return nil
		})
		if err != nil {
			return err
		}
		if del.Val() == 0 {
			return ErrQueueNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.publish(ctx, Event{Type: EventQueueDeleted, Queue: name})
	return nil
}

// GetQueueAttributes returns the stored attributes plus Msgs (all messages)
// and HiddenMsgs (messages whose score is still in the future).
func (c *Client) GetQueueAttributes(ctx context.Context, name string) (QueueAttributes, error) {
	if err := ValidateQueueName(name); err != nil {
		return QueueAttributes{}, err
	}
	k := c.keys(name)
	var attrs QueueAttributes
	err := c.do(ctx, "getQueueAttributes", func(rdb redis.UniversalClient) error {
		now, err := rdb.Time(ctx).Result()
		if err != nil {
			return err
		}
		var (
			vals   *redis.SliceCmd
			card   *redis.IntCmd
			hidden *redis.IntCmd
		)
		_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			vals = p.HMGet(ctx, k.Attributes, attributeFields...)
			card = p.ZCard(ctx, k.Messages)
			hidden = p.ZCount(ctx, k.Messages, "("+strconv.FormatInt(now.UnixMilli(), 10), "+inf")
			return nil
		})
		if err != nil {
			return err
		}
		v := vals.Val()
		if len(v) < len(attributeFields) || v[0] == nil {
			return ErrQueueNotFound
		}
		attrs = QueueAttributes{
			VisibilityTimeout: int(toInt64(v[0])),
			Delay:             int(toInt64(v[1])),
			MaxSize:           int(toInt64(v[2])),
			TotalReceived:     toInt64(v[3]),
			TotalSent:         toInt64(v[4]),
			Created:           time.Unix(toInt64(v[5]), 0),
			Modified:          time.Unix(toInt64(v[6]), 0),
			Msgs:              card.Val(),
			HiddenMsgs:        hidden.Val(),
		}
		return nil
	})
	return attrs, err
}

// SetQueueAttributes updates the given attributes, refreshes the modified
// timestamp and returns the new snapshot.
func (c *Client) SetQueueAttributes(ctx context.Context, name string, opts ...QueueOption) (QueueAttributes, error) {
	if err := ValidateQueueName(name); err != nil {
		return QueueAttributes{}, err
	}
	var s queueSettings
	for _, fn := range opts {
		if fn != nil {
			fn(&s)
		}
	}
	if err := s.validate(); err != nil {
		return QueueAttributes{}, err
	}

	k := c.keys(name)
	err := c.do(ctx, "setQueueAttributes", func(rdb redis.UniversalClient) error {
		// a DeleteQueue after the existence check aborts the EXEC
		return c.tx.watch(ctx, rdb, func(tx *redis.Tx) error {
			exists, err := tx.HExists(ctx, k.Attributes, "vt").Result()
			if err != nil {
				return err
			}
			if !exists {
				return ErrQueueNotFound
			}
			now, err := tx.Time(ctx).Result()
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.HSet(ctx, k.Attributes, "modified", now.Unix())
				if s.vt != nil {
					p.HSet(ctx, k.Attributes, "vt", *s.vt)
				}
				if s.delay != nil {
					p.HSet(ctx, k.Attributes, "delay", *s.delay)
				}
				if s.maxSize != nil {
					p.HSet(ctx, k.Attributes, "maxsize", *s.maxSize)
				}
				return nil
			})
			return err
		}, k.Attributes)
	})
	if err != nil {
		return QueueAttributes{}, err
	}
	return c.GetQueueAttributes(ctx, name)
}

// QueueExists reports whether the queue exists. Invalid names and store
// failures report false.
func (c *Client) QueueExists(ctx context.Context, name string) bool {
	if ValidateQueueName(name) != nil {
		return false
	}
	k := c.keys(name)
	var ok bool
	err := c.do(ctx, "queueExists", func(rdb redis.UniversalClient) error {
		var err error
		ok, err = rdb.HExists(ctx, k.Attributes, "vt").Result()
		return err
	})
	if err != nil {
		c.log.WithFields(logrus.Fields{"queue": name, "error": err}).Warn("queue existence probe failed")
		c.opt.Metrics.degraded("queueExists")
		return false
	}
	return ok
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

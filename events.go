package rsmq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	resubscribeBackoff    = 50 * time.Millisecond
	resubscribeBackoffMax = 2 * time.Second
)

func (c *Client) publish(ctx context.Context, ev Event) {
	if !c.opt.Events {
		return
	}
	if ev.AtUnixMs == 0 {
		ev.AtUnixMs = time.Now().UnixMilli()
	}
	b, _ := json.Marshal(ev)
	rdb, _ := c.conn.current()
	// Publish to both a per-queue channel and a prefix-level namespace channel.
	// Consumers discover queues from the namespace channel without PSUBSCRIBE.
	_ = rdb.Publish(ctx, c.eventChannel(ev.Queue), b).Err()
	_ = rdb.Publish(ctx, c.namespaceEventChannel(), b).Err()
}

// eventStream is a subscription to one channel that follows the client
// across reconnects. Closing the old client closes its PubSub, so the stream
// subscribes again on the current one.
type eventStream struct {
	client  *Client
	channel string
	log     logrus.FieldLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool
	once   sync.Once
}

func (c *Client) openEventStream(ctx context.Context, channel string) (*eventStream, error) {
	s := &eventStream{
		client:  c,
		channel: channel,
		log:     c.log.WithField("channel", channel),
	}
	ps, err := s.subscribe(ctx)
	if err != nil {
		return nil, err
	}
	s.pubsub = ps
	return s, nil
}

func (s *eventStream) subscribe(ctx context.Context) (*redis.PubSub, error) {
	ps := s.client.Redis().Subscribe(ctx, s.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return ps, nil
}

func (s *eventStream) current() *redis.PubSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.pubsub
}

// run delivers decoded events to fn until stop or ctx is done.
func (s *eventStream) run(ctx context.Context, stop <-chan struct{}, fn func(Event)) {
	backoff := resubscribeBackoff
	for {
		ps := s.current()
		if ps == nil {
			return
		}
		ch := ps.Channel()
	read:
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case msg, ok := <-ch:
				if !ok {
					break read
				}
				backoff = resubscribeBackoff
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err == nil {
					fn(ev)
				}
			}
		}

		for {
			if s.current() == nil {
				return
			}
			s.log.WithField("retry_in", backoff).Warn("event subscription lost, resubscribing")
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > resubscribeBackoffMax {
				backoff = resubscribeBackoffMax
			}

			next, err := s.subscribe(ctx)
			if err != nil {
				continue
			}
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				_ = next.Close()
				return
			}
			old := s.pubsub
			s.pubsub = next
			s.mu.Unlock()
			_ = old.Close()
			break
		}
	}
}

// close is safe to call more than once.
func (s *eventStream) close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		ps := s.pubsub
		s.mu.Unlock()
		if ps != nil {
			err = ps.Close()
		}
	})
	return err
}

// Subscribe registers a handler receiving the events of one queue. The
// subscription is renewed after a reconnect; events published while it is
// down are lost. The returned func stops it and may be called more than once.
// Requires WithEvents(true).
func (c *Client) Subscribe(ctx context.Context, queue string, handler func(Event)) (func() error, error) {
	if !c.opt.Events {
		return nil, ErrTriggersNotConfigured
	}
	if err := ValidateQueueName(queue); err != nil {
		return nil, err
	}
	stream, err := c.openEventStream(ctx, c.eventChannel(queue))
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	var stopOnce sync.Once
	go stream.run(ctx, stop, handler)

	return func() error {
		stopOnce.Do(func() { close(stop) })
		return stream.close()
	}, nil
}

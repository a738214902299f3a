package rsmq

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Client is the queue engine. It is safe for concurrent use; all queue state
// lives in Redis and claims are made atomic on the server.
type Client struct {
	conn *conn
	opt  Options
	log  logrus.FieldLogger
	ops  AtomicOperations
	tx   *watchOps
}

// New wraps an existing client. Without WithReconnect, a connection failure
// is retried once on the same client.
func New(rdb redis.UniversalClient, opts ...Option) *Client {
	opt := defaultOptions()
	for _, fn := range opts {
		if fn != nil {
			fn(&opt)
		}
	}
	if opt.Prefix == "" {
		opt.Prefix = "rsmq"
	}
	if opt.Logger == nil {
		opt.Logger = logrus.StandardLogger()
	}
	if opt.TxAttempts < 1 {
		opt.TxAttempts = 1
	}

	c := &Client{
		opt: opt,
		log: opt.Logger.WithField("component", "rsmq"),
	}
	c.tx = &watchOps{
		attempts:   opt.TxAttempts,
		backoff:    opt.TxBackoff,
		maxBackoff: opt.TxBackoffMax,
		onConflict: opt.Metrics.txConflict,
	}
	if opt.Scripting {
		c.ops = scriptOps{}
	} else {
		c.ops = c.tx
	}
	c.conn = &conn{client: rdb, dial: opt.Dial, onConnect: c.onConnect}
	return c
}

// NewFromOptions dials Redis and re-dials with the same options whenever the
// connection has to be replaced.
func NewFromOptions(ropt *redis.UniversalOptions, opts ...Option) *Client {
	dial := func() redis.UniversalClient { return redis.NewUniversalClient(ropt) }
	return New(dial(), append([]Option{WithReconnect(dial)}, opts...)...)
}

func (c *Client) Close() error { return c.conn.close() }

// Redis returns the current underlying client.
func (c *Client) Redis() redis.UniversalClient {
	rdb, _ := c.conn.current()
	return rdb
}

func (c *Client) Prefix() string { return c.opt.Prefix }

func (c *Client) onConnect(ctx context.Context, rdb redis.UniversalClient) error {
	if !c.opt.Scripting {
		return nil
	}
	return loadScripts(ctx, rdb)
}

// do runs fn against the current client. A connection failure replaces the
// client and retries once; a second failure becomes a *ConnectionError.
// A write whose first attempt reached the server may be applied twice.
func (c *Client) do(ctx context.Context, op string, fn func(redis.UniversalClient) error) error {
	rdb, gen := c.conn.current()
	err := fn(rdb)
	if !isConnError(err) {
		return err
	}

	c.log.WithFields(logrus.Fields{"op": op, "error": err}).Warn("store connection failed, reconnecting")
	c.opt.Metrics.reconnect()
	if rerr := c.conn.reconnect(ctx, gen); rerr != nil {
		c.log.WithFields(logrus.Fields{"op": op, "error": rerr}).Warn("reconnect setup failed")
	}

	rdb, _ = c.conn.current()
	err = fn(rdb)
	if isConnError(err) {
		return &ConnectionError{Op: op, Err: err}
	}
	return err
}

// degrade turns a connection failure on a polling path into an empty result.
func (c *Client) degrade(op, queue string, err error) error {
	if !errors.Is(err, ErrConnection) {
		return err
	}
	c.log.WithFields(logrus.Fields{"op": op, "queue": queue, "error": err}).Warn("store unreachable, returning empty result")
	c.opt.Metrics.degraded(op)
	return nil
}

// QueueKeys names the Redis keys of one queue.
type QueueKeys struct {
	// Messages is the sorted set of message ids scored by visible-at epoch ms.
	Messages string
	// Attributes is the hash of queue metadata and per-message fields.
	Attributes string
}

func (c *Client) keys(name string) QueueKeys {
	base := c.opt.Prefix + ":" + name
	return QueueKeys{Messages: base, Attributes: base + ":Q"}
}

// registryKey cannot collide with a queue key since queue names never contain ':'.
func (c *Client) registryKey() string { return c.opt.Prefix + ":queues:set" }

func (c *Client) eventChannel(name string) string {
	return c.opt.Prefix + ":" + name + ":events"
}

func (c *Client) namespaceEventChannel() string { return c.opt.Prefix + ":events" }

package rsmq

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
)

// conn owns the live store client. Every replacement bumps gen, so callers
// that failed on an old client do not tear down the one that replaced it.
type conn struct {
	mu        sync.RWMutex
	client    redis.UniversalClient
	gen       uint64
	dial      func() redis.UniversalClient
	onConnect func(context.Context, redis.UniversalClient) error
}

func (c *conn) current() (redis.UniversalClient, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, c.gen
}

// reconnect replaces the client seen at generation gen. It is a no-op when
// another caller already replaced it.
func (c *conn) reconnect(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return nil
	}
	if c.dial != nil {
		old := c.client
		c.client = c.dial()
		if old != nil {
			_ = old.Close()
		}
	}
	c.gen++
	if c.onConnect != nil {
		return c.onConnect(ctx, c.client)
	}
	return nil
}

func (c *conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func isConnError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	// context errors satisfy net.Error, check them first.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

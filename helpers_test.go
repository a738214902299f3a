package rsmq

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var testBase = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	s := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = c.Close(); s.Close() })
	return s, c
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestClient(t *testing.T, rdb redis.UniversalClient, opts ...Option) *Client {
	t.Helper()

	return New(rdb, append([]Option{WithLogger(quietLogger())}, opts...)...)
}

// atomicModes runs a test against both claim implementations.
var atomicModes = []struct {
	name      string
	scripting bool
}{
	{"script", true},
	{"watch", false},
}

// frozenClock pins the miniredis server clock and moves it forward on demand.
type frozenClock struct {
	s   *miniredis.Miniredis
	now time.Time
}

func freezeClock(s *miniredis.Miniredis) *frozenClock {
	s.SetTime(testBase)
	return &frozenClock{s: s, now: testBase}
}

func (f *frozenClock) advance(d time.Duration) {
	f.now = f.now.Add(d)
	f.s.SetTime(f.now)
}

func mustCreateQueue(t *testing.T, c *Client, name string, opts ...QueueOption) {
	t.Helper()
	require.NoError(t, c.CreateQueue(context.Background(), name, opts...))
}

func mustSend(t *testing.T, c *Client, name, body string, opts ...SendOption) string {
	t.Helper()
	id, err := c.SendMessage(context.Background(), name, []byte(body), opts...)
	require.NoError(t, err)
	require.Len(t, id, MessageIDLen)
	return id
}

func requireEventually(t *testing.T, timeout time.Duration, interval time.Duration, fn func() bool, msgAndArgs ...any) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(interval)
	}
	require.Fail(t, "condition not met", msgAndArgs...)
}

// hookFunc adapts plain funcs to redis.Hook for fault injection.
type hookFunc struct {
	process  func(ctx context.Context, cmd redis.Cmder, next redis.ProcessHook) error
	pipeline func(ctx context.Context, cmds []redis.Cmder, next redis.ProcessPipelineHook) error
}

func (h hookFunc) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h hookFunc) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	if h.process == nil {
		return next
	}
	return func(ctx context.Context, cmd redis.Cmder) error { return h.process(ctx, cmd, next) }
}

func (h hookFunc) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	if h.pipeline == nil {
		return next
	}
	return func(ctx context.Context, cmds []redis.Cmder) error { return h.pipeline(ctx, cmds, next) }
}

func hasCommand(cmds []redis.Cmder, name string) bool {
	for _, cmd := range cmds {
		if cmd.Name() == name {
			return true
		}
	}
	return false
}

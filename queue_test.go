package rsmq

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestCreateQueue_Defaults(t *testing.T) {
	s, rdb := newTestRedis(t)
	clock := freezeClock(s)
	c := newTestClient(t, rdb)
	ctx := context.Background()

	mustCreateQueue(t, c, "jobs")

	attrs, err := c.GetQueueAttributes(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, DefaultVisibilityTimeout, attrs.VisibilityTimeout)
	require.Equal(t, DefaultDelay, attrs.Delay)
	require.Equal(t, UnlimitedSize, attrs.MaxSize)
	require.Zero(t, attrs.TotalSent)
	require.Zero(t, attrs.TotalReceived)
	require.Zero(t, attrs.Msgs)
	require.Zero(t, attrs.HiddenMsgs)
	require.True(t, attrs.Created.Equal(clock.now), "created %v", attrs.Created)
	require.True(t, attrs.Modified.Equal(clock.now))

	require.True(t, s.Exists("rsmq:jobs:Q"))
	members, err := s.Members("rsmq:queues:set")
	require.NoError(t, err)
	require.Equal(t, []string{"jobs"}, members)
}

func TestCreateQueue_AlreadyExistsKeepsAttributes(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := newTestClient(t, rdb)
	ctx := context.Background()

	mustCreateQueue(t, c, "jobs", QueueVisibilityTimeout(5), QueueDelay(2), QueueMaxSize(2048))

	err := c.CreateQueue(ctx, "jobs", QueueVisibilityTimeout(99))
	require.ErrorIs(t, err, ErrQueueExists)

	attrs, err := c.GetQueueAttributes(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, 5, attrs.VisibilityTimeout)
	require.Equal(t, 2, attrs.Delay)
	require.Equal(t, 2048, attrs.MaxSize)
}

func TestCreateQueue_ConcurrentCreatorsOneWins(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := newTestClient(t, rdb)
	ctx := context.Background()

	const n = 16
	var won, lost int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.CreateQueue(ctx, "race")
			switch {
			case err == nil:
				atomic.AddInt64(&won, 1)
			case errors.Is(err, ErrQueueExists):
				atomic.AddInt64(&lost, 1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, won)
	require.EqualValues(t, n-1, lost)
}

func TestListQueues(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := newTestClient(t, rdb)
	ctx := context.Background()

	require.Empty(t, c.ListQueues(ctx))

	mustCreateQueue(t, c, "zeta")
	mustCreateQueue(t, c, "alpha")
	mustCreateQueue(t, c, "mid")
	require.Equal(t, []string{"alpha", "mid", "zeta"}, c.ListQueues(ctx))

	require.NoError(t, c.DeleteQueue(ctx, "mid"))
	require.Equal(t, []string{"alpha", "zeta"}, c.ListQueues(ctx))
}

func TestListQueues_PrefixIsolation(t *testing.T) {
	_, rdb := newTestRedis(t)
	a := newTestClient(t, rdb, WithPrefix("a"))
	b := newTestClient(t, rdb, WithPrefix("b"))
	ctx := context.Background()

	mustCreateQueue(t, a, "shared")
	require.Equal(t, []string{"shared"}, a.ListQueues(ctx))
	require.Empty(t, b.ListQueues(ctx))
	require.False(t, b.QueueExists(ctx, "shared"))
}

func TestDeleteQueue_RemovesMessagesAndRegistry(t *testing.T) {
	s, rdb := newTestRedis(t)
	c := newTestClient(t, rdb)
	ctx := context.Background()

	mustCreateQueue(t, c, "jobs")
	mustSend(t, c, "jobs", "a")
	mustSend(t, c, "jobs", "b")
	_, err := c.ReceiveMessage(ctx, "jobs")
	require.NoError(t, err)

	require.NoError(t, c.DeleteQueue(ctx, "jobs"))
	require.False(t, s.Exists("rsmq:jobs"))
	require.False(t, s.Exists("rsmq:jobs:Q"))
	require.False(t, c.QueueExists(ctx, "jobs"))
	require.Empty(t, c.ListQueues(ctx))

	require.ErrorIs(t, c.DeleteQueue(ctx, "jobs"), ErrQueueNotFound)

	// the name can be reused with fresh attributes
	mustCreateQueue(t, c, "jobs", QueueVisibilityTimeout(7))
	attrs, err := c.GetQueueAttributes(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, 7, attrs.VisibilityTimeout)
	require.Zero(t, attrs.Msgs)
	require.Zero(t, attrs.TotalSent)
}

func TestGetQueueAttributes_NotFound(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := newTestClient(t, rdb)

	_, err := c.GetQueueAttributes(context.Background(), "missing")
	require.ErrorIs(t, err, ErrQueueNotFound)
}

func TestGetQueueAttributes_CountsHiddenMessages(t *testing.T) {
	for _, mode := range atomicModes {
		t.Run(mode.name, func(t *testing.T) {
			s, rdb := newTestRedis(t)
			clock := freezeClock(s)
			c := newTestClient(t, rdb, WithScripting(mode.scripting))
			ctx := context.Background()

			mustCreateQueue(t, c, "jobs")
			for _, b := range []string{"a", "b", "c"} {
				mustSend(t, c, "jobs", b)
				clock.advance(time.Millisecond)
			}
			m, err := c.ReceiveMessage(ctx, "jobs")
			require.NoError(t, err)
			require.NotNil(t, m)

			attrs, err := c.GetQueueAttributes(ctx, "jobs")
			require.NoError(t, err)
			require.EqualValues(t, 3, attrs.Msgs)
			require.EqualValues(t, 1, attrs.HiddenMsgs)
			require.EqualValues(t, 3, attrs.TotalSent)
			require.EqualValues(t, 1, attrs.TotalReceived)
		})
	}
}

func TestGetQueueAttributes_DelayedMessagesAreHidden(t *testing.T) {
	s, rdb := newTestRedis(t)
	clock := freezeClock(s)
	c := newTestClient(t, rdb)
	ctx := context.Background()

	mustCreateQueue(t, c, "jobs")
	mustSend(t, c, "jobs", "now")
	mustSend(t, c, "jobs", "later", SendDelay(10))

	attrs, err := c.GetQueueAttributes(ctx, "jobs")
	require.NoError(t, err)
	require.EqualValues(t, 2, attrs.Msgs)
	require.EqualValues(t, 1, attrs.HiddenMsgs)

	clock.advance(10 * time.Second)
	attrs, err = c.GetQueueAttributes(ctx, "jobs")
	require.NoError(t, err)
	require.EqualValues(t, 0, attrs.HiddenMsgs)
}

func TestSetQueueAttributes_UpdatesOnlySuppliedFields(t *testing.T) {
	s, rdb := newTestRedis(t)
	clock := freezeClock(s)
	c := newTestClient(t, rdb)
	ctx := context.Background()

	mustCreateQueue(t, c, "jobs", QueueVisibilityTimeout(5), QueueDelay(1))
	clock.advance(10 * time.Second)

	attrs, err := c.SetQueueAttributes(ctx, "jobs", QueueMaxSize(4096))
	require.NoError(t, err)
	require.Equal(t, 5, attrs.VisibilityTimeout)
	require.Equal(t, 1, attrs.Delay)
	require.Equal(t, 4096, attrs.MaxSize)
	require.True(t, attrs.Created.Equal(testBase))
	require.True(t, attrs.Modified.Equal(clock.now))

	clock.advance(5 * time.Second)
	attrs, err = c.SetQueueAttributes(ctx, "jobs")
	require.NoError(t, err)
	require.True(t, attrs.Modified.Equal(clock.now), "modified is refreshed even with no fields")
	require.Equal(t, 4096, attrs.MaxSize)
}

func TestSetQueueAttributes_Errors(t *testing.T) {
	s, rdb := newTestRedis(t)
	c := newTestClient(t, rdb)
	ctx := context.Background()

	_, err := c.SetQueueAttributes(ctx, "missing", QueueDelay(3))
	require.ErrorIs(t, err, ErrQueueNotFound)
	require.False(t, s.Exists("rsmq:missing:Q"), "no partial queue is written")

	mustCreateQueue(t, c, "jobs")
	_, err = c.SetQueueAttributes(ctx, "jobs", QueueVisibilityTimeout(MaxSeconds+1))
	require.ErrorIs(t, err, ErrValidation)
}

// TestSetQueueAttributes_DeleteBetweenCheckAndWrite verifies a queue deleted
// after the existence check is not brought back as a partial hash.
func TestSetQueueAttributes_DeleteBetweenCheckAndWrite(t *testing.T) {
	s, rdb := newTestRedis(t)
	c := newTestClient(t, rdb)
	other := newTestClient(t, redis.NewClient(&redis.Options{Addr: s.Addr()}))
	t.Cleanup(func() { _ = other.Close() })
	ctx := context.Background()

	mustCreateQueue(t, c, "jobs")

	var deleted atomic.Bool
	rdb.AddHook(hookFunc{process: func(ctx context.Context, cmd redis.Cmder, next redis.ProcessHook) error {
		err := next(ctx, cmd)
		if cmd.Name() == "hexists" && deleted.CompareAndSwap(false, true) {
			require.NoError(t, other.DeleteQueue(ctx, "jobs"))
		}
		return err
	}})

	_, err := c.SetQueueAttributes(ctx, "jobs", QueueVisibilityTimeout(9))
	require.ErrorIs(t, err, ErrQueueNotFound)
	require.True(t, deleted.Load())
	require.False(t, s.Exists("rsmq:jobs:Q"), "no partial queue is written")
	require.False(t, c.QueueExists(ctx, "jobs"))
	require.Empty(t, c.ListQueues(ctx))
}

// TestCreateQueue_RetryAfterConnectionFailureRegisters verifies the registry
// entry and the attribute hash are written together, so a create retried
// after a connection failure still lists the queue.
func TestCreateQueue_RetryAfterConnectionFailureRegisters(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := newTestClient(t, rdb)
	ctx := context.Background()

	var failed atomic.Bool
	rdb.AddHook(hookFunc{pipeline: func(ctx context.Context, cmds []redis.Cmder, next redis.ProcessPipelineHook) error {
		if hasCommand(cmds, "sadd") && failed.CompareAndSwap(false, true) {
			return &net.OpError{Op: "write", Net: "tcp", Err: syscall.ECONNRESET}
		}
		return next(ctx, cmds)
	}})

	require.NoError(t, c.CreateQueue(ctx, "jobs"))
	require.True(t, failed.Load())
	require.Equal(t, []string{"jobs"}, c.ListQueues(ctx))
	require.True(t, c.QueueExists(ctx, "jobs"))
}

// TestCreateQueue_LostReplyStillRegisters covers a MULTI that committed but
// whose reply was lost: the retry reports ErrQueueExists, and the queue is
// registered all the same.
func TestCreateQueue_LostReplyStillRegisters(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := newTestClient(t, rdb)
	ctx := context.Background()

	var failed atomic.Bool
	rdb.AddHook(hookFunc{pipeline: func(ctx context.Context, cmds []redis.Cmder, next redis.ProcessPipelineHook) error {
		err := next(ctx, cmds)
		if hasCommand(cmds, "sadd") && failed.CompareAndSwap(false, true) {
			return io.ErrUnexpectedEOF
		}
		return err
	}})

	require.ErrorIs(t, c.CreateQueue(ctx, "jobs"), ErrQueueExists)
	require.Equal(t, []string{"jobs"}, c.ListQueues(ctx))

	attrs, err := c.GetQueueAttributes(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, UnlimitedSize, attrs.MaxSize)
}

func TestQueueExists(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := newTestClient(t, rdb)
	ctx := context.Background()

	require.False(t, c.QueueExists(ctx, "jobs"))
	require.False(t, c.QueueExists(ctx, "not valid"))
	mustCreateQueue(t, c, "jobs")
	require.True(t, c.QueueExists(ctx, "jobs"))
}

package rsmq

import (
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Prefix    string
	Logger    logrus.FieldLogger
	Metrics   *Metrics
	Scripting bool
	Events    bool

	// Dial returns a fresh client when the current one has to be replaced.
	// Nil keeps the original client and only retries on it.
	Dial func() redis.UniversalClient

	TxAttempts   int
	TxBackoff    time.Duration
	TxBackoffMax time.Duration
}

type Option func(*Options)

func defaultOptions() Options {
	return Options{
		Prefix:       "rsmq",
		Logger:       logrus.StandardLogger(),
		Scripting:    true,
		TxAttempts:   8,
		TxBackoff:    time.Millisecond,
		TxBackoffMax: 50 * time.Millisecond,
	}
}

func WithPrefix(prefix string) Option {
	return func(o *Options) { o.Prefix = prefix }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Options) { o.Logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithScripting selects the Lua implementation of the claim operations (the
// default). Passing false switches to WATCH/MULTI with bounded retry, for
// servers where EVAL is disabled.
func WithScripting(enabled bool) Option {
	return func(o *Options) { o.Scripting = enabled }
}

// WithEvents publishes lifecycle events to {prefix}:{queue}:events and
// {prefix}:events.
func WithEvents(enabled bool) Option {
	return func(o *Options) { o.Events = enabled }
}

// WithReconnect sets the factory used to replace the client after a
// connection failure.
func WithReconnect(dial func() redis.UniversalClient) Option {
	return func(o *Options) { o.Dial = dial }
}

// WithTxRetry bounds the optimistic retry loop used when scripting is off.
func WithTxRetry(attempts int, backoff, maxBackoff time.Duration) Option {
	return func(o *Options) {
		o.TxAttempts = attempts
		o.TxBackoff = backoff
		o.TxBackoffMax = maxBackoff
	}
}

// QueueOption sets a queue attribute on CreateQueue or SetQueueAttributes.
// Attributes not set keep their defaults (create) or stored values (set).
type QueueOption func(*queueSettings)

type queueSettings struct {
	vt      *int
	delay   *int
	maxSize *int
}

// QueueVisibilityTimeout sets how many seconds a received message stays hidden.
func QueueVisibilityTimeout(seconds int) QueueOption {
	return func(s *queueSettings) { s.vt = &seconds }
}

// QueueDelay sets how many seconds a sent message waits before it is visible.
func QueueDelay(seconds int) QueueOption {
	return func(s *queueSettings) { s.delay = &seconds }
}

// QueueMaxSize sets the largest accepted body in bytes, -1 for unlimited.
func QueueMaxSize(bytes int) QueueOption {
	return func(s *queueSettings) { s.maxSize = &bytes }
}

type SendOption func(*sendSettings)

type sendSettings struct {
	delay *int
}

// SendDelay overrides the queue delay for one message.
func SendDelay(seconds int) SendOption {
	return func(s *sendSettings) { s.delay = &seconds }
}

type ReceiveOption func(*receiveSettings)

type receiveSettings struct {
	vt *int
}

// ReceiveVisibility overrides the queue visibility timeout for one receive.
func ReceiveVisibility(seconds int) ReceiveOption {
	return func(s *receiveSettings) { s.vt = &seconds }
}

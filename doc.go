// Package rsmq provides a simple SQS-like message queue built on Redis.
//
// It uses:
// - Redis ZSet per queue, scoring message ids by the epoch millisecond at which they become visible
// - Redis Hash per queue for queue attributes and message bodies, receive counts and first-receive times
// - Redis Set as the registry of queue names
// - Lua scripts (or WATCH/MULTI when scripting is disabled) to claim messages atomically
// - Redis PubSub (optional) for lifecycle events
//
// All timestamps come from the Redis TIME command, so producers and consumers
// running on hosts with skewed clocks still agree on visibility.
package rsmq

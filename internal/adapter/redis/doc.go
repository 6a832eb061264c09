// Package redis provides the Redis client with metrics and circuit breaker hooks, Redis-backed
// actor stores, and the pub/sub bridge that lets other processes publish into the broker.
package redis

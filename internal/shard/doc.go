// Package shard implements the topic shard actor.
//
// A Shard owns a bounded set of listener keys and fans messages out to them. It runs as a single
// goroutine draining a command channel (no mutexes around membership). A keepalive timer owned by
// that goroutine re-broadcasts a probe while membership is non-empty; listeners whose delivery
// fails are unsubscribed. When the last member leaves, the shard disarms the timer, clears its
// durable records and exits.
//
// Deliveries run outside the command loop so that a listener calling back into the shard
// (unsubscribe) can never deadlock against an in-flight fan-out.
package shard

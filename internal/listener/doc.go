// Package listener implements the listener actor.
//
// A Listener aggregates live client sessions behind at most one upstream shard subscription.
// Like the shard it is a single goroutine draining a command channel. It may call shards
// synchronously from its loop (subscribe, unsubscribe); shards never wait on listeners from
// theirs, so the two can not deadlock.
package listener

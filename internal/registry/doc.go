// Package registry hosts keyed shard and listener actors in-process.
//
// Actors are created on first use and removed again when they tear themselves down. The host
// doubles as the RPC layer between actors: it implements domain.ShardClient for listeners and
// domain.ListenerClient for shards.
package registry

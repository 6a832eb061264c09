// Package app provides the broker service layer.
//
// Broker is the entry point for transports: it routes client sessions to listeners, forwards
// external publishes to shards and restores shards with durable membership at startup.
package app

package domain

import "github.com/google/uuid"

// KeepaliveContent is the payload shards send on every keepalive firing.
const KeepaliveContent = "ping"

// Message is the unit of fan-out between shards and listeners.
// It is never persisted and must not be mutated once constructed.
type Message[T any] struct {
	ID       string `json:"id"`
	SourceID string `json:"sourceId"`
	Content  T      `json:"content"`
}

// NewMessage stamps a fresh unique ID on content published by sourceID.
func NewMessage[T any](sourceID string, content T) Message[T] {
	return Message[T]{
		ID:       uuid.NewString(),
		SourceID: sourceID,
		Content:  content,
	}
}

package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// keyNamespace scopes name-derived actor keys so that the same name always yields the same key.
var keyNamespace = uuid.MustParse("6f1c2b7e-3d4a-5e8f-9a0b-1c2d3e4f5a6b")

// KeyFromName derives a stable actor key from a human-readable name.
func KeyFromName(name string) string {
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

// ShardName returns the name of the shard at index, e.g. "TOPIC_0".
func ShardName(prefix string, index int) string {
	return fmt.Sprintf("%s_%d", prefix, index)
}

// ShardKey derives the stable key of the shard at index.
func ShardKey(prefix string, index int) string {
	return KeyFromName(ShardName(prefix, index))
}

// NewListenerKey returns a fresh unique listener key.
func NewListenerKey() string {
	return uuid.NewString()
}

// ValidKey reports whether key is a well-formed actor key.
func ValidKey(key string) bool {
	_, err := uuid.Parse(key)
	return err == nil
}

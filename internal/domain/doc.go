// Package domain defines the core domain types and interfaces.
//
// This package contains concept-oriented files (errors.go, message.go, keys.go, store.go, etc.)
// with shared types and cross-cutting interfaces. No actor code - just contracts.
// Prevents circular imports by keeping interfaces on the consumer side.
package domain

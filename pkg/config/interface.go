package config

import (
	"context"
)

// Source is a configuration backend (file, etcd, ...) holding one complete
// YAML document.
type Source interface {
	// Get returns the current configuration document.
	Get() ([]byte, error)

	// Watch returns a channel delivering the complete document, first
	// immediately and then on every change. The channel is closed when ctx
	// is done or the source is closed.
	Watch(ctx context.Context) (<-chan []byte, error)

	// Close stops all watches and releases resources.
	Close() error
}

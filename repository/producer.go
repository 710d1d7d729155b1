package repository

import (
	"context"
	"io"
)

// Producer supplies a resource for a key that is not cached yet.
// Produce is called at most once at a time per key; it must be safe for concurrent calls on different keys.
// Return an error made with NewNotFoundError when the resource does not exist.
type Producer[K comparable, R any] interface {
	Produce(ctx context.Context, key K) (R, SpaceWeight, error)
}

// ProducerFunc adapts a function to Producer
type ProducerFunc[K comparable, R any] func(ctx context.Context, key K) (R, SpaceWeight, error)

// Produce calls the function
func (producer ProducerFunc[K, R]) Produce(ctx context.Context, key K) (R, SpaceWeight, error) {
	return producer(ctx, key)
}

// Disposer releases a resource when its entry is destroyed. It is called exactly once per entry.
type Disposer[K comparable, R any] func(key K, resource R) error

// closeDisposer closes resources implementing io.Closer
func closeDisposer[K comparable, R any](key K, resource R) error {
	if closer, ok := any(resource).(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

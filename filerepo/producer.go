package filerepo

import (
	"context"
)

// FileProducer creates the file for a key inside tempDir and returns its path.
// FileRepository moves the file into the repository directory afterwards.
type FileProducer[K comparable] interface {
	ProduceFile(ctx context.Context, key K, tempDir string) (string, error)
}

// FileProducerFunc adapts a function to FileProducer
type FileProducerFunc[K comparable] func(ctx context.Context, key K, tempDir string) (string, error)

// ProduceFile calls the function
func (producer FileProducerFunc[K]) ProduceFile(ctx context.Context, key K, tempDir string) (string, error) {
	return producer(ctx, key, tempDir)
}

package interfaces

import (
	"context"
	"io"
)

// ObjectStorage keeps processed photo bytes. Put returns the public URL of the
// stored object.
type ObjectStorage interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

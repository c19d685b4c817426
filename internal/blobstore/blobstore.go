// Package blobstore holds checkpoint payloads behind an opaque put/get-by-key
// contract. The control plane never interprets the bytes it stores.
package blobstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("blob not found")

// Store is the checkpoint payload backend.
// Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

package storage

import (
	"context"
	"errors"
	"io"
)

var ErrNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key  string
	Size int64
}

// Object is an open handle on a stored blob. Size is the length at open time;
// the blob may keep growing while the handle is read.
type Object interface {
	io.ReadSeekCloser
	Size() int64
}

// Store is the durable blob store recordings are written to. Create and
// Append return only after the bytes are persisted and report the resulting
// object length.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Create(ctx context.Context, key string, data []byte) (int64, error)
	Append(ctx context.Context, key string, data []byte) (int64, error)
	ReadAt(ctx context.Context, key string, offset int64, length int) ([]byte, error)
	WriteAt(ctx context.Context, key string, offset int64, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Open(ctx context.Context, key string) (Object, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]ObjectInfo, error)
}

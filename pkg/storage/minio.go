package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"io"
	"strings"
)

// ComposeThreshold is the smallest object S3 accepts as a leading part of a
// server-side compose. Appends to smaller objects rewrite them.
const ComposeThreshold = 5 << 20

// stagingPrefix holds appended chunks until they are composed onto their
// recording. List never reports them.
const stagingPrefix = ".staging/"

// minioStore keeps recordings in an S3-compatible bucket. Objects are
// immutable there: WriteAt rewrites the whole object, Append rewrites it
// until it reaches ComposeThreshold and composes server-side after that.
// Callers serialize writers per key.
type minioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(client *minio.Client, bucket string) Store {
	return &minioStore{client: client, bucket: bucket}
}

// EnsureBucket creates the bucket on first boot.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", bucket, err)
	}
	return nil
}

func (s *minioStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *minioStore) Create(ctx context.Context, key string, data []byte) (int64, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: ContentType(key),
	})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (s *minioStore) Append(ctx context.Context, key string, data []byte) (int64, error) {
	info, err := s.Stat(ctx, key)
	if err != nil {
		return 0, err
	}
	if !composable(info.Size) {
		current, err := s.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		return s.Create(ctx, key, append(current, data...))
	}
	return s.compose(ctx, key, info.Size, data)
}

// compose uploads data as a staging object and concatenates it onto key
// without transferring the existing bytes.
func (s *minioStore) compose(ctx context.Context, key string, size int64, data []byte) (int64, error) {
	part := stagingPrefix + uuid.NewString()
	if _, err := s.client.PutObject(ctx, s.bucket, part, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{}); err != nil {
		return 0, err
	}
	defer s.client.RemoveObject(context.WithoutCancel(ctx), s.bucket, part, minio.RemoveObjectOptions{})

	_, err := s.client.ComposeObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: key},
		minio.CopySrcOptions{Bucket: s.bucket, Object: key},
		minio.CopySrcOptions{Bucket: s.bucket, Object: part},
	)
	if err != nil {
		return 0, mapMinioErr(err)
	}
	return size + int64(len(data)), nil
}

func composable(size int64) bool {
	return size >= ComposeThreshold
}

func isStagingKey(key string) bool {
	return strings.HasPrefix(key, stagingPrefix)
}

func (s *minioStore) ReadAt(ctx context.Context, key string, offset int64, length int) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+int64(length)-1); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		return nil, mapMinioErr(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapMinioErr(err)
	}
	return data, nil
}

func (s *minioStore) WriteAt(ctx context.Context, key string, offset int64, data []byte) error {
	current, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	end := offset + int64(len(data))
	if end > int64(len(current)) {
		grown := make([]byte, end)
		copy(grown, current)
		current = grown
	}
	copy(current[offset:], data)
	_, err = s.Create(ctx, key, current)
	return err
}

func (s *minioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinioErr(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapMinioErr(err)
	}
	return data, nil
}

func (s *minioStore) Open(ctx context.Context, key string) (Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinioErr(err)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, mapMinioErr(err)
	}
	return &minioObject{Object: obj, size: info.Size}, nil
}

func (s *minioStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapMinioErr(err)
	}
	return ObjectInfo{Key: key, Size: info.Size}, nil
}

func (s *minioStore) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

func (s *minioStore) List(ctx context.Context) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if isStagingKey(obj.Key) {
			continue
		}
		objects = append(objects, ObjectInfo{Key: obj.Key, Size: obj.Size})
	}
	return objects, nil
}

type minioObject struct {
	*minio.Object
	size int64
}

func (o *minioObject) Size() int64 {
	return o.size
}

func mapMinioErr(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return errors.Join(ErrNotFound, err)
	}
	return err
}

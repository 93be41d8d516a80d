package storage

import (
	"context"
	"errors"
	"github.com/spf13/afero"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

type fileStore struct {
	fs afero.Fs
}

// NewFileStore keeps blobs as files on fsys. Keys use '/' separators.
func NewFileStore(fsys afero.Fs) Store {
	return &fileStore{fs: fsys}
}

// NewDiskStore roots a file store at dir on the local disk.
func NewDiskStore(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return NewFileStore(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

func (s *fileStore) Exists(_ context.Context, key string) (bool, error) {
	return afero.Exists(s.fs, filePath(key))
}

func (s *fileStore) Create(_ context.Context, key string, data []byte) (int64, error) {
	name := filePath(key)
	if err := s.fs.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return 0, err
	}
	f, err := s.fs.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	return writeAndSync(f, data)
}

func (s *fileStore) Append(_ context.Context, key string, data []byte) (int64, error) {
	f, err := s.fs.OpenFile(filePath(key), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, mapNotExist(err)
	}
	return writeAndSync(f, data)
}

func (s *fileStore) ReadAt(_ context.Context, key string, offset int64, length int) ([]byte, error) {
	f, err := s.fs.Open(filePath(key))
	if err != nil {
		return nil, mapNotExist(err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

func (s *fileStore) WriteAt(_ context.Context, key string, offset int64, data []byte) error {
	f, err := s.fs.OpenFile(filePath(key), os.O_WRONLY, 0o644)
	if err != nil {
		return mapNotExist(err)
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *fileStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, filePath(key))
	if err != nil {
		return nil, mapNotExist(err)
	}
	return data, nil
}

func (s *fileStore) Open(_ context.Context, key string) (Object, error) {
	f, err := s.fs.Open(filePath(key))
	if err != nil {
		return nil, mapNotExist(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileObject{File: f, size: info.Size()}, nil
}

func (s *fileStore) Stat(_ context.Context, key string) (ObjectInfo, error) {
	info, err := s.fs.Stat(filePath(key))
	if err != nil {
		return ObjectInfo{}, mapNotExist(err)
	}
	return ObjectInfo{Key: key, Size: info.Size()}, nil
}

func (s *fileStore) Delete(_ context.Context, key string) error {
	err := s.fs.Remove(filePath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) List(_ context.Context) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := afero.Walk(s.fs, "/", func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		key := strings.TrimPrefix(filepath.ToSlash(p), "/")
		objects = append(objects, ObjectInfo{Key: key, Size: info.Size()})
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return objects, nil
}

type fileObject struct {
	afero.File
	size int64
}

func (o *fileObject) Size() int64 {
	return o.size
}

func writeAndSync(f afero.File, data []byte) (int64, error) {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, err
	}
	return info.Size(), f.Close()
}

func filePath(key string) string {
	return filepath.FromSlash(path.Clean("/" + key))
}

func mapNotExist(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return errors.Join(ErrNotFound, err)
	}
	return err
}

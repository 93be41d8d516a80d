package storage

import (
	"context"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"sort"
	"testing"
)

func TestFileStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(afero.NewMemMapFs())
	key := "live/AA-BB/rec.wav"

	exists, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	size, err := s.Create(ctx, key, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	size, err = s.Append(ctx, key, []byte(" world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	require.NoError(t, s.WriteAt(ctx, key, 0, []byte("HE")))

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "HEllo world", string(data))

	part, err := s.ReadAt(ctx, key, 6, 100)
	require.NoError(t, err)
	assert.Equal(t, "world", string(part))

	info, err := s.Stat(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Size)

	obj, err := s.Open(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(11), obj.Size())
	_, err = obj.Seek(3, io.SeekStart)
	require.NoError(t, err)
	rest, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, "lo world", string(rest))
	require.NoError(t, obj.Close())

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Delete(ctx, key))
}

func TestFileStoreAppendMissing(t *testing.T) {
	s := NewFileStore(afero.NewMemMapFs())
	_, err := s.Append(context.Background(), "live/x/missing.wav", []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreList(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(afero.NewMemMapFs())

	_, err := s.Create(ctx, "live/AA-BB/one.wav", []byte("12345"))
	require.NoError(t, err)
	_, err = s.Create(ctx, "images/unknown/two.jpg", []byte("12"))
	require.NoError(t, err)

	objects, err := s.List(ctx)
	require.NoError(t, err)
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	assert.Equal(t, []ObjectInfo{
		{Key: "images/unknown/two.jpg", Size: 2},
		{Key: "live/AA-BB/one.wav", Size: 5},
	}, objects)
}

func TestKeys(t *testing.T) {
	id := uuid.MustParse("6f1c2a7e-0000-4000-8000-000000000001")

	live := LiveKey("AA:BB:CC", id, "live.wav")
	assert.Equal(t, "live/AA-BB-CC/6f1c2a7e-0000-4000-8000-000000000001.wav", live)
	assert.Equal(t, "AA:BB:CC", DeviceFromKey(live))

	img := ImageKey("", id, "frame.JPG")
	assert.Equal(t, "images/unknown/6f1c2a7e-0000-4000-8000-000000000001.jpg", img)
	assert.True(t, IsImageKey(img))
	assert.Equal(t, "", DeviceFromKey(img))

	upload := UploadKey(id, "notes")
	assert.Equal(t, "uploads/6f1c2a7e-0000-4000-8000-000000000001.wav", upload)
	assert.Equal(t, "", DeviceFromKey(upload))

	assert.Equal(t, "audio/wav", ContentType(live))
	assert.Equal(t, "image/jpeg", ContentType(img))
}

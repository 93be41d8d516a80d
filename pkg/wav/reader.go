package wav

import (
	"errors"
	"io"
)

type repairedReader struct {
	src    io.ReadSeeker
	header []byte
	size   int64
	pos    int64
}

// NewRepairedReader serves src with its WAV header patched for size bytes.
// The underlying object is never written, so it is safe on a blob that is
// still growing.
func NewRepairedReader(src io.ReadSeeker, size int64) (io.ReadSeeker, error) {
	r := &repairedReader{src: src, size: size}
	if size < HeaderSize {
		return r, nil
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(src, header); err != nil {
		return nil, err
	}
	if !IsRIFF(header) {
		_, err := src.Seek(0, io.SeekStart)
		return r, err
	}
	FixHeader(header, size)
	r.header = header
	r.pos = HeaderSize
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *repairedReader) Read(p []byte) (int, error) {
	if r.header != nil && r.pos < HeaderSize {
		n := copy(p, r.header[r.pos:])
		r.pos += int64(n)
		if r.pos == HeaderSize {
			if _, err := r.src.Seek(HeaderSize, io.SeekStart); err != nil {
				return n, err
			}
		}
		return n, nil
	}
	n, err := r.src.Read(p)
	r.pos += int64(n)
	return n, err
}

func (r *repairedReader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return 0, errors.New("wav: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("wav: negative position")
	}

	if r.header != nil && abs < HeaderSize {
		r.pos = abs
		return abs, nil
	}
	if _, err := r.src.Seek(abs, io.SeekStart); err != nil {
		return 0, err
	}
	r.pos = abs
	return abs, nil
}

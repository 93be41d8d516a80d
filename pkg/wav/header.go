package wav

import (
	"bytes"
	"encoding/binary"
	"math"
)

const (
	HeaderSize = 44

	riffSizeOffset = 4
	byteRateOffset = 28
	dataSizeOffset = 40
)

var riffTag = []byte("RIFF")

// IsRIFF reports whether b starts with the RIFF container tag.
func IsRIFF(b []byte) bool {
	return bytes.HasPrefix(b, riffTag)
}

// FixHeader rewrites the RIFF chunk size and the data sub-chunk size of a
// canonical 44-byte WAV header so they match a file of total bytes. Streaming
// recorders write placeholders there. Buffers that are not RIFF or are shorter
// than a header are left alone. It reports whether any byte changed.
func FixHeader(buf []byte, total int64) bool {
	if len(buf) < HeaderSize || !IsRIFF(buf) {
		return false
	}

	riffSize := clampUint32(total - 8)
	dataSize := clampUint32(total - HeaderSize)

	changed := false
	if binary.LittleEndian.Uint32(buf[riffSizeOffset:]) != riffSize {
		binary.LittleEndian.PutUint32(buf[riffSizeOffset:], riffSize)
		changed = true
	}
	if binary.LittleEndian.Uint32(buf[dataSizeOffset:]) != dataSize {
		binary.LittleEndian.PutUint32(buf[dataSizeOffset:], dataSize)
		changed = true
	}
	return changed
}

// Duration derives the playable length in seconds from the header byte rate.
func Duration(header []byte, total int64) (float64, bool) {
	if len(header) < HeaderSize || !IsRIFF(header) || total < HeaderSize {
		return 0, false
	}
	byteRate := binary.LittleEndian.Uint32(header[byteRateOffset:])
	if byteRate == 0 {
		return 0, false
	}
	return float64(total-HeaderSize) / float64(byteRate), true
}

func clampUint32(v int64) uint32 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

// Package chunked undoes HTTP chunked transfer framing that some firmware
// HTTP stacks leak into the request body as literal bytes.
package chunked

import (
	"bytes"
	"fmt"
	"meeting-ingest/pkg/wav"
	"strconv"
)

const maxSizeLine = 8

var crlf = []byte("\r\n")

// Decode returns the payload carried by buf if buf looks like a literal
// chunked body, otherwise buf itself. It never fails: when a size line stops
// parsing mid-stream the rest of the input is kept verbatim.
func Decode(buf []byte) []byte {
	if !Detect(buf) {
		return buf
	}

	out := make([]byte, 0, len(buf))
	pos := 0
	for pos < len(buf) {
		size, next, ok := parseSizeLine(buf[pos:])
		if !ok {
			out = append(out, buf[pos:]...)
			break
		}
		if size == 0 {
			break
		}
		start := pos + next
		end := start + size
		if end > len(buf) {
			out = append(out, buf[start:]...)
			break
		}
		out = append(out, buf[start:end]...)
		pos = end
		if bytes.HasPrefix(buf[pos:], crlf) {
			pos += len(crlf)
		}
	}
	return out
}

// Detect reports whether buf starts with a chunk size line instead of the
// expected RIFF magic.
func Detect(buf []byte) bool {
	if wav.IsRIFF(buf) {
		return false
	}
	_, _, ok := parseSizeLine(buf)
	return ok
}

// Encode frames payload as a chunked body, splitting it at the given chunk
// sizes and using the remainder as a final chunk.
func Encode(payload []byte, sizes ...int) []byte {
	var b bytes.Buffer
	rest := payload
	for _, n := range sizes {
		if n <= 0 || len(rest) == 0 {
			continue
		}
		if n > len(rest) {
			n = len(rest)
		}
		writeChunk(&b, rest[:n])
		rest = rest[n:]
	}
	if len(rest) > 0 {
		writeChunk(&b, rest)
	}
	b.WriteString("0\r\n\r\n")
	return b.Bytes()
}

func writeChunk(b *bytes.Buffer, p []byte) {
	fmt.Fprintf(b, "%x\r\n", len(p))
	b.Write(p)
	b.Write(crlf)
}

// parseSizeLine returns the chunk size and the offset of the first payload
// byte. Chunk extensions after ';' are ignored.
func parseSizeLine(b []byte) (int, int, bool) {
	limit := len(b)
	if limit > maxSizeLine+len(crlf) {
		limit = maxSizeLine + len(crlf)
	}
	idx := bytes.Index(b[:limit], crlf)
	if idx <= 0 {
		return 0, 0, false
	}
	line := b[:idx]
	if semi := bytes.IndexByte(line, ';'); semi >= 0 {
		line = line[:semi]
	}
	if len(line) == 0 || len(line) > maxSizeLine {
		return 0, 0, false
	}
	size, err := strconv.ParseUint(string(line), 16, 32)
	if err != nil {
		return 0, 0, false
	}
	return int(size), idx + len(crlf), true
}

package storage

import (
	"github.com/google/uuid"
	"path"
	"strings"
)

const (
	LivePrefix   = "live/"
	UploadPrefix = "uploads/"
	ImagePrefix  = "images/"
)

// LiveKey names the object backing a device session:
// live/<mac with ':' replaced by '-'>/<id><ext>.
func LiveKey(mac string, id uuid.UUID, filename string) string {
	return LivePrefix + encodeMac(mac) + "/" + id.String() + extension(filename, ".wav")
}

func UploadKey(id uuid.UUID, filename string) string {
	return UploadPrefix + id.String() + extension(filename, ".wav")
}

func ImageKey(mac string, id uuid.UUID, filename string) string {
	owner := encodeMac(mac)
	if owner == "" {
		owner = "unknown"
	}
	return ImagePrefix + owner + "/" + id.String() + extension(filename, ".jpg")
}

// IsImageKey reports whether key was written by the camera path.
func IsImageKey(key string) bool {
	return strings.HasPrefix(key, ImagePrefix)
}

// DeviceFromKey recovers the device address encoded in a key, if any.
func DeviceFromKey(key string) string {
	var rest string
	switch {
	case strings.HasPrefix(key, LivePrefix):
		rest = strings.TrimPrefix(key, LivePrefix)
	case strings.HasPrefix(key, ImagePrefix):
		rest = strings.TrimPrefix(key, ImagePrefix)
	default:
		return ""
	}
	dir, _, found := strings.Cut(rest, "/")
	if !found || dir == "unknown" {
		return ""
	}
	return strings.ReplaceAll(dir, "-", ":")
}

var macEncoder = strings.NewReplacer(":", "-", "/", "_")

func encodeMac(mac string) string {
	return macEncoder.Replace(strings.TrimSpace(mac))
}

func extension(filename, fallback string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" || len(ext) > 6 || strings.ContainsAny(ext, `/\`) {
		return fallback
	}
	return ext
}

// ContentType guesses the MIME type from the key extension.
func ContentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/x-m4a"
	case ".webm":
		return "audio/webm"
	case ".mp4":
		return "video/mp4"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

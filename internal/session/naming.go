package session

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	chunkNameRe = regexp.MustCompile(`^chunk_(\d+)\.([a-z0-9]+)$`)
	idRe        = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
)

// ChunkName formats the canonical zero-padded chunk file name.
func ChunkName(ordinal int64, ext string) string {
	return fmt.Sprintf("chunk_%05d.%s", ordinal, strings.TrimPrefix(ext, "."))
}

// ParseChunkName reports whether name follows the chunk naming pattern.
func ParseChunkName(name string) (ordinal int64, ext string, ok bool) {
	m := chunkNameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return n, m[2], true
}

// ValidID reports whether name can be a session directory. Test fixtures
// ("test*") and hidden or underscore-prefixed entries are never sessions.
func ValidID(name string) bool {
	if !idRe.MatchString(name) {
		return false
	}
	return !strings.HasPrefix(strings.ToLower(name), "test")
}

// NormalizeExt lowercases ext and strips a leading dot.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// MimeType maps a chunk container extension to the media type players expect.
func MimeType(ext string) string {
	switch NormalizeExt(ext) {
	case "webm":
		return "video/webm"
	case "mp4", "m4s":
		return "video/mp4"
	case "ts":
		return "video/mp2t"
	case "mkv":
		return "video/x-matroska"
	default:
		return "application/octet-stream"
	}
}

// Package playlist renders the event-style HLS manifest of a session and keeps
// it in sync with the chunk files on disk.
package playlist

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

const (
	// ContentType is the media type of the rendered manifest.
	ContentType = "application/vnd.apple.mpegurl"

	endListTag = "#EXT-X-ENDLIST"
)

// Render builds the manifest for the given chunk file names. The output is a
// pure function of its inputs: names are sorted lexicographically, every chunk
// gets the same nominal duration, the media sequence is always 0 and the end
// marker is present iff finalized.
func Render(chunks []string, segment time.Duration, finalized bool) string {
	names := append([]string(nil), chunks...)
	sort.Strings(names)

	seconds := segment.Seconds()
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", TargetDuration(segment))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:EVENT\n")

	for _, name := range names {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seconds)
		b.WriteString(name)
		b.WriteString("\n")
	}

	if finalized {
		b.WriteString(endListTag + "\n")
	}

	return b.String()
}

// TargetDuration returns the #EXT-X-TARGETDURATION value: the ceiling of the
// segment duration in whole seconds, at least 1.
func TargetDuration(segment time.Duration) int {
	s := segment.Seconds()
	if s <= 0 {
		return 1
	}
	return int(math.Ceil(s))
}

// HasEndList reports whether the manifest already carries the end marker.
func HasEndList(manifest []byte) bool {
	for _, line := range bytes.Split(manifest, []byte("\n")) {
		if string(bytes.TrimSpace(line)) == endListTag {
			return true
		}
	}
	return false
}

// AppendEndList returns manifest with the end marker appended. If the marker
// is already present the input is returned unchanged and changed is false.
func AppendEndList(manifest []byte) (out []byte, changed bool) {
	if HasEndList(manifest) {
		return manifest, false
	}
	out = make([]byte, 0, len(manifest)+len(endListTag)+1)
	out = append(out, manifest...)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	out = append(out, endListTag...)
	out = append(out, '\n')
	return out, true
}

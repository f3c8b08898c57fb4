package orchestrator

import (
	"net/url"
	"strings"
	"time"
)

// BuildPlayback converts a snapshot into the playback manifest. Every chunk
// gets the nominal segment duration; chunk URLs are absolute under baseURL.
// A finalized session links its sealed output: the published URL when the
// output was uploaded, otherwise the server's vod route.
func BuildPlayback(s Snapshot, segment time.Duration, baseURL string) Playback {
	seconds := s.Meta.SegmentDurationOr(segment).Seconds()
	prefix := strings.TrimRight(baseURL, "/") + "/sessions/" + url.PathEscape(string(s.ID))

	p := Playback{
		CompetitionID: s.ID,
		Status:        StatusLive,
		Chunks:        make([]PlaybackChunk, 0, len(s.Chunks)),
	}
	for i, c := range s.Chunks {
		p.Chunks = append(p.Chunks, PlaybackChunk{
			Index:    i,
			File:     c.Name,
			URL:      prefix + "/chunks/" + url.PathEscape(c.Name),
			Duration: seconds,
			Size:     c.Size,
		})
	}
	p.TotalDuration = float64(len(s.Chunks)) * seconds
	if len(s.Chunks) > 0 {
		p.Extension = s.Chunks[0].Ext
	}

	if s.Meta.Finalized {
		p.Status = StatusFinalized
		if isRemote(s.Meta.VODPath) {
			p.VODURL = s.Meta.VODPath
		} else {
			p.VODURL = prefix + "/vod"
		}
	}
	return p
}

// isRemote reports whether a recorded output location is a fetchable URL.
func isRemote(loc string) bool {
	return strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://")
}

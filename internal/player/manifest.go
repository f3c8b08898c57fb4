package player

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/grafov/m3u8"
)

// Status values of the playback manifest.
const (
	StatusLive      = "live"
	StatusFinalized = "finalized"
)

// Chunk is one playable entry of a manifest.
type Chunk struct {
	Index    int     `json:"index"`
	File     string  `json:"file"`
	URL      string  `json:"url"`
	Duration float64 `json:"duration"`
	Size     int64   `json:"size"`
}

// Manifest is the playback manifest served at /sessions/{id}/playback.
type Manifest struct {
	CompetitionID string  `json:"competition_id"`
	Status        string  `json:"status"`
	Chunks        []Chunk `json:"chunks"`
	TotalDuration float64 `json:"total_duration"`
	Extension     string  `json:"extension"`
	VODURL        string  `json:"vod_url,omitempty"`
}

// Finalized reports whether no further chunks will be added.
func (m Manifest) Finalized() bool { return m.Status == StatusFinalized }

var ErrNotMediaPlaylist = errors.New("not a media playlist")

// DecodeJSON reads a playback manifest and orders its chunks by index.
func DecodeJSON(r io.Reader) (Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("decode playback manifest: %w", err)
	}
	sort.SliceStable(m.Chunks, func(i, j int) bool { return m.Chunks[i].Index < m.Chunks[j].Index })
	return m, nil
}

// DecodeHLS reads an HLS media playlist. Relative segment URIs are resolved
// against base.
func DecodeHLS(r io.Reader, base *url.URL) (Manifest, error) {
	p, listType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return Manifest{}, fmt.Errorf("decode hls manifest: %w", err)
	}
	media, ok := p.(*m3u8.MediaPlaylist)
	if listType != m3u8.MEDIA || !ok {
		return Manifest{}, ErrNotMediaPlaylist
	}

	m := Manifest{Status: StatusLive}
	if media.Closed {
		m.Status = StatusFinalized
	}
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		u := seg.URI
		if base != nil {
			if ref, err := url.Parse(seg.URI); err == nil {
				u = base.ResolveReference(ref).String()
			}
		}
		m.Chunks = append(m.Chunks, Chunk{
			Index:    len(m.Chunks),
			File:     path.Base(seg.URI),
			URL:      u,
			Duration: seg.Duration,
		})
		m.TotalDuration += seg.Duration
	}
	if len(m.Chunks) > 0 {
		m.Extension = strings.TrimPrefix(path.Ext(m.Chunks[0].File), ".")
	}
	return m, nil
}

// MimeType returns the media type used to check buffered playback support
// for a chunk extension, or "" when unknown.
func MimeType(ext string) string {
	switch strings.ToLower(ext) {
	case "webm":
		return `video/webm; codecs="vp8,opus"`
	case "mp4", "m4s":
		return `video/mp4; codecs="avc1.42E01E,mp4a.40.2"`
	case "ts":
		return "video/mp2t"
	case "mkv":
		return "video/x-matroska"
	}
	return ""
}

// Package session describes the on-disk shape of a streaming session: its
// directory, its chunk files and its metadata record. It only reads and writes
// files; policy lives in the playlist and finalize packages.
package session

import (
	"encoding/json"
	"time"
)

// ID identifies a session (match stream). It is also the directory name.
type ID string

// Well-known file names inside a session directory.
const (
	MetadataFile = "metadata.json"
	ManifestFile = "playlist.m3u8"
	ConcatFile   = "concat.txt"
	OutputBase   = "vod"
)

// DefaultSegmentDuration applies when metadata is missing, corrupt or silent.
const DefaultSegmentDuration = 10 * time.Second

// Chunk is one media segment file of a session.
type Chunk struct {
	// Index is the position of the chunk in the sorted listing.
	Index int
	// Ordinal is the number encoded in the file name.
	Ordinal int64
	Name    string
	Ext     string
	Size    int64
	Path    string
}

// Metadata is the session metadata record (metadata.json).
// Fields it does not know about are preserved across a read/write cycle so the
// finalizer never erases what the producer recorded.
type Metadata struct {
	SegmentDurationMs int64  `json:"segment_duration_ms,omitempty"`
	Finalized         bool   `json:"finalized,omitempty"`
	FinalizedAt       int64  `json:"finalized_at,omitempty"`
	VODPath           string `json:"vod_path,omitempty"`
	VODSize           int64  `json:"vod_size,omitempty"`
	CreatedAt         int64  `json:"created_at,omitempty"`
	Extension         string `json:"extension,omitempty"`

	extra map[string]json.RawMessage
}

// SegmentDuration returns the nominal duration of every chunk of the session.
func (m Metadata) SegmentDuration() time.Duration {
	return m.SegmentDurationOr(DefaultSegmentDuration)
}

// SegmentDurationOr is SegmentDuration with a caller-chosen default.
func (m Metadata) SegmentDurationOr(def time.Duration) time.Duration {
	if m.SegmentDurationMs <= 0 {
		if def <= 0 {
			return DefaultSegmentDuration
		}
		return def
	}
	return time.Duration(m.SegmentDurationMs) * time.Millisecond
}

// metadataFields is Metadata without methods, so json can handle it natively.
type metadataFields struct {
	SegmentDurationMs int64  `json:"segment_duration_ms,omitempty"`
	Finalized         bool   `json:"finalized,omitempty"`
	FinalizedAt       int64  `json:"finalized_at,omitempty"`
	VODPath           string `json:"vod_path,omitempty"`
	VODSize           int64  `json:"vod_size,omitempty"`
	CreatedAt         int64  `json:"created_at,omitempty"`
	Extension         string `json:"extension,omitempty"`
}

var knownMetadataKeys = map[string]bool{
	"segment_duration_ms": true,
	"finalized":           true,
	"finalized_at":        true,
	"vod_path":            true,
	"vod_size":            true,
	"created_at":          true,
	"extension":           true,
}

// UnmarshalJSON decodes the known fields and keeps the rest aside.
// A segment_duration_ms that is not a number (e.g. "abc") is treated as absent.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var f metadataFields
	if v, ok := raw["segment_duration_ms"]; ok {
		var ms float64
		if json.Unmarshal(v, &ms) == nil {
			f.SegmentDurationMs = int64(ms)
		}
		delete(raw, "segment_duration_ms")
	}
	rest, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(rest, &f); err != nil {
		return err
	}

	*m = Metadata{
		SegmentDurationMs: f.SegmentDurationMs,
		Finalized:         f.Finalized,
		FinalizedAt:       f.FinalizedAt,
		VODPath:           f.VODPath,
		VODSize:           f.VODSize,
		CreatedAt:         f.CreatedAt,
		Extension:         f.Extension,
	}
	for k, v := range raw {
		if knownMetadataKeys[k] {
			continue
		}
		if m.extra == nil {
			m.extra = make(map[string]json.RawMessage)
		}
		m.extra[k] = v
	}
	return nil
}

// MarshalJSON writes the known fields plus any preserved unknown ones.
func (m Metadata) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(metadataFields{
		SegmentDurationMs: m.SegmentDurationMs,
		Finalized:         m.Finalized,
		FinalizedAt:       m.FinalizedAt,
		VODPath:           m.VODPath,
		VODSize:           m.VODSize,
		CreatedAt:         m.CreatedAt,
		Extension:         m.Extension,
	})
	if err != nil || len(m.extra) == 0 {
		return known, err
	}

	merged := make(map[string]json.RawMessage, len(m.extra)+len(knownMetadataKeys))
	for k, v := range m.extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

package orchestrator

import "matchstream/internal/session"

// Playback status values.
const (
	StatusLive      = "live"
	StatusFinalized = "finalized"
)

// PlaybackChunk is one entry of the playback manifest.
type PlaybackChunk struct {
	Index    int     `json:"index"`
	File     string  `json:"file"`
	URL      string  `json:"url"`
	Duration float64 `json:"duration"`
	Size     int64   `json:"size"`
}

// Playback is the JSON manifest served to players.
type Playback struct {
	CompetitionID session.ID      `json:"competition_id"`
	Status        string          `json:"status"`
	Chunks        []PlaybackChunk `json:"chunks"`
	TotalDuration float64         `json:"total_duration"`
	Extension     string          `json:"extension"`
	VODURL        string          `json:"vod_url,omitempty"`
}

// Snapshot is the state of one session directory read at one instant.
type Snapshot struct {
	ID     session.ID
	Chunks []session.Chunk
	Meta   session.Metadata
}

package peer

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// SourceKind tells captured device media from the generated fallback.
type SourceKind string

const (
	SourceCaptured  SourceKind = "captured"
	SourceSynthetic SourceKind = "synthetic"
)

// Constraints selects what InitLocalStream should acquire.
type Constraints struct {
	Video   bool
	Audio   bool
	Width   int
	Height  int
	UseMock bool
}

// DefaultConstraints asks for camera and microphone at 640x480.
func DefaultConstraints() Constraints {
	return Constraints{Video: true, Audio: true, Width: 640, Height: 480}
}

// MediaSource is a set of local tracks of one kind.
type MediaSource interface {
	Kind() SourceKind
	Tracks() []webrtc.TrackLocal
	Close() error
}

// MediaProvider produces local media and declares the codecs it encodes to.
type MediaProvider interface {
	// ConfigureMediaEngine registers the codecs the provider's tracks use.
	ConfigureMediaEngine(me *webrtc.MediaEngine) error
	Capture(ctx context.Context, c Constraints) (MediaSource, error)
	// Synthetic returns a generated source showing label and a running timer.
	Synthetic(label string, c Constraints) (MediaSource, error)
}

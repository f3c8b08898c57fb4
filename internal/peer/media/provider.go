//go:build cgo

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"matchstream/internal/peer"
	"matchstream/internal/peer/synth"
	"matchstream/internal/platform/logger"

	"github.com/benbjohnson/clock"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DefaultVideoBitRate is the VP8 target in bits per second.
const DefaultVideoBitRate = 1_500_000

// Provider implements peer.MediaProvider.
type Provider struct {
	selector *mediadevices.CodecSelector
	clock    clock.Clock
	log      *slog.Logger
}

var _ peer.MediaProvider = (*Provider)(nil)

// NewProvider builds the VP8/Opus codec selector. clk paces synthetic media.
func NewProvider(clk clock.Clock, log *slog.Logger) (*Provider, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = DefaultVideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	if clk == nil {
		clk = clock.New()
	}
	return &Provider{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		clock: clk,
		log:   logger.OrNop(log),
	}, nil
}

func (p *Provider) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	p.selector.Populate(me)
	return nil
}

type attempt struct {
	video, audio bool
	label        string
}

// Capture opens the requested devices. When both are asked for and opening
// them together fails, video-only then audio-only are tried.
func (p *Provider) Capture(ctx context.Context, c peer.Constraints) (peer.MediaSource, error) {
	if !c.Video && !c.Audio {
		return nil, ErrNoDevices
	}
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	for _, d := range devices {
		p.log.Debug("media device", slog.String("kind", fmt.Sprint(d.Kind)), slog.String("label", d.Label))
	}

	attempts := []attempt{{c.Video, c.Audio, "requested"}}
	if c.Video && c.Audio {
		attempts = append(attempts, attempt{true, false, "video-only"}, attempt{false, true, "audio-only"})
	}

	var errs []string
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stream, err := mediadevices.GetUserMedia(p.constraints(a, c))
		if err != nil {
			p.log.Warn("getUserMedia failed", slog.String("attempt", a.label), slog.String("error", err.Error()))
			errs = append(errs, a.label+": "+err.Error())
			continue
		}
		tracks := stream.GetTracks()
		p.log.Info("local media captured", slog.String("attempt", a.label), slog.Int("tracks", len(tracks)))
		return newSource(peer.SourceCaptured, tracks), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoDevices, strings.Join(errs, "; "))
}

func (p *Provider) constraints(a attempt, c peer.Constraints) mediadevices.MediaStreamConstraints {
	out := mediadevices.MediaStreamConstraints{Codec: p.selector}
	if a.video {
		out.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras produce frames the VP8 encoder rejects.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if c.Width > 0 {
				mc.Width = prop.IntRanged{Max: c.Width}
			}
			if c.Height > 0 {
				mc.Height = prop.IntRanged{Max: c.Height}
			}
		}
	}
	if a.audio {
		out.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}
	return out
}

// Synthetic encodes the test card and silent audio for label.
func (p *Provider) Synthetic(label string, c peer.Constraints) (peer.MediaSource, error) {
	if !c.Video && !c.Audio {
		c.Video, c.Audio = true, true
	}
	var tracks []mediadevices.Track
	if c.Video {
		v := synth.NewVideo(label, c.Width, c.Height, synth.DefaultFrameRate, p.clock)
		tracks = append(tracks, mediadevices.NewVideoTrack(v, p.selector))
	}
	if c.Audio {
		a := synth.NewAudio(label, p.clock)
		tracks = append(tracks, mediadevices.NewAudioTrack(a, p.selector))
	}
	return newSource(peer.SourceSynthetic, tracks), nil
}

type source struct {
	kind   peer.SourceKind
	tracks []mediadevices.Track
}

func newSource(kind peer.SourceKind, tracks []mediadevices.Track) *source {
	return &source{kind: kind, tracks: tracks}
}

func (s *source) Kind() peer.SourceKind { return s.kind }

func (s *source) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *source) Close() error {
	var errs []error
	for _, t := range s.tracks {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

//go:build cgo

package media

import (
	"context"
	"testing"

	"matchstream/internal/peer"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_synthetic_tracks(t *testing.T) {
	p, err := NewProvider(clock.NewMock(), nil)
	require.NoError(t, err)

	src, err := p.Synthetic("host", peer.Constraints{})
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, peer.SourceSynthetic, src.Kind())
	tracks := src.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tracks[0].Kind())
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[1].Kind())
}

func TestProvider_synthetic_video_only(t *testing.T) {
	p, err := NewProvider(clock.NewMock(), nil)
	require.NoError(t, err)

	src, err := p.Synthetic("opponent", peer.Constraints{Video: true, Width: 320, Height: 240})
	require.NoError(t, err)
	defer src.Close()
	require.Len(t, src.Tracks(), 1)
}

func TestProvider_populates_media_engine(t *testing.T) {
	p, err := NewProvider(clock.NewMock(), nil)
	require.NoError(t, err)

	me := &webrtc.MediaEngine{}
	require.NoError(t, p.ConfigureMediaEngine(me))
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer pc.Close()

	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo)
	require.NoError(t, err)
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "VP8")
}

func TestProvider_capture_nothing_requested(t *testing.T) {
	p, err := NewProvider(clock.NewMock(), nil)
	require.NoError(t, err)
	_, err = p.Capture(context.Background(), peer.Constraints{})
	assert.ErrorIs(t, err, ErrNoDevices)
}

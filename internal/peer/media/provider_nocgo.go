//go:build !cgo

package media

import (
	"context"
	"log/slog"

	"matchstream/internal/peer"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
)

type Provider struct{}

var _ peer.MediaProvider = (*Provider)(nil)

func NewProvider(clock.Clock, *slog.Logger) (*Provider, error) {
	return &Provider{}, nil
}

func (p *Provider) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (p *Provider) Capture(context.Context, peer.Constraints) (peer.MediaSource, error) {
	return nil, ErrNoEncoders
}

func (p *Provider) Synthetic(string, peer.Constraints) (peer.MediaSource, error) {
	return nil, ErrNoEncoders
}

// Package media is the MediaProvider backed by pion/mediadevices: VP8 and Opus
// encoding of captured devices or of the synthetic test card.
package media

import "errors"

var (
	ErrNoDevices = errors.New("no usable media devices")

	// ErrNoEncoders is returned by builds without cgo, where VP8 and Opus are
	// unavailable. Clients can still receive media.
	ErrNoEncoders = errors.New("media encoding requires a cgo build")
)

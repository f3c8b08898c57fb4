// Package synth generates stand-in media for clients without a camera or
// microphone: a labelled test card with a running timer and silent audio.
package synth

import (
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/wave"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	DefaultWidth     = 640
	DefaultHeight    = 480
	DefaultFrameRate = 15

	SampleRate    = 48000
	ChunkDuration = 20 * time.Millisecond
)

var (
	_ video.Reader = (*Video)(nil)
	_ audio.Reader = (*Audio)(nil)
)

// pacer hands out one slot per period on a clock and unblocks on Close.
type pacer struct {
	clock  clock.Clock
	period time.Duration
	start  time.Time
	n      int64

	once sync.Once
	done chan struct{}
}

func newPacer(clk clock.Clock, period time.Duration) *pacer {
	if clk == nil {
		clk = clock.New()
	}
	return &pacer{clock: clk, period: period, start: clk.Now(), done: make(chan struct{})}
}

// wait blocks until slot n is due and returns the elapsed stream time.
func (p *pacer) wait() (time.Duration, error) {
	select {
	case <-p.done:
		return 0, io.EOF
	default:
	}
	due := time.Duration(p.n) * p.period
	if d := due - p.clock.Since(p.start); d > 0 {
		t := p.clock.Timer(d)
		defer t.Stop()
		select {
		case <-p.done:
			return 0, io.EOF
		case <-t.C:
		}
	}
	p.n++
	return due, nil
}

func (p *pacer) close() {
	p.once.Do(func() { close(p.done) })
}

// Video renders the test card. Read is meant for a single consumer.
type Video struct {
	id     string
	label  string
	width  int
	height int
	bg     color.RGBA
	pacer  *pacer
}

// NewVideo returns a card for label. Non-positive sizes use the defaults.
func NewVideo(label string, width, height, fps int, clk clock.Clock) *Video {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	return &Video{
		id:     "synthetic-video-" + label,
		label:  label,
		width:  width,
		height: height,
		bg:     labelColor(label),
		pacer:  newPacer(clk, time.Second/time.Duration(fps)),
	}
}

func (v *Video) ID() string { return v.id }

func (v *Video) Close() error {
	v.pacer.close()
	return nil
}

// Read blocks until the next frame is due and returns it.
func (v *Video) Read() (image.Image, func(), error) {
	elapsed, err := v.pacer.wait()
	if err != nil {
		return nil, func() {}, err
	}
	return v.Frame(elapsed), func() {}, nil
}

// Frame draws the card as it looks at elapsed.
func (v *Video) Frame(elapsed time.Duration) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, v.width, v.height))
	draw.Draw(img, img.Bounds(), image.NewUniform(v.bg), image.Point{}, draw.Src)

	// A bar sweeping once every two seconds makes motion visible.
	barW := v.width / 16
	period := 2 * time.Second
	x := int(int64(v.width-barW) * int64(elapsed%period) / int64(period))
	draw.Draw(img, image.Rect(x, v.height-v.height/10, x+barW, v.height), image.White, image.Point{}, draw.Src)

	v.text(img, v.label, v.height/4)
	v.text(img, FormatElapsed(elapsed), v.height/2)
	return img
}

// text draws s centred horizontally with its top at y, scaled up from the
// 7x13 bitmap face.
func (v *Video) text(dst *image.RGBA, s string, y int) {
	face := basicfont.Face7x13
	adv := font.MeasureString(face, s).Ceil()
	if adv == 0 {
		return
	}
	small := image.NewRGBA(image.Rect(0, 0, adv, face.Height))
	d := &font.Drawer{Dst: small, Src: image.White, Face: face, Dot: fixed.P(0, face.Ascent)}
	d.DrawString(s)

	scale := v.width / (adv * 2)
	if scale < 1 {
		scale = 1
	}
	if limit := v.height / (face.Height * 5); scale > limit && limit >= 1 {
		scale = limit
	}
	w, h := adv*scale, face.Height*scale
	x0 := (v.width - w) / 2
	draw.NearestNeighbor.Scale(dst, image.Rect(x0, y, x0+w, y+h), small, small.Bounds(), draw.Over, nil)
}

// FormatElapsed renders d as mm:ss.
func FormatElapsed(d time.Duration) string {
	s := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}

// labelColor gives every label a stable dark background.
func labelColor(label string) color.RGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte(label))
	sum := h.Sum32()
	return color.RGBA{R: uint8(sum>>16) / 2, G: uint8(sum>>8) / 2, B: uint8(sum) / 2, A: 0xff}
}

// Audio emits silence in 20ms mono chunks.
type Audio struct {
	id    string
	pacer *pacer
}

func NewAudio(label string, clk clock.Clock) *Audio {
	return &Audio{id: "synthetic-audio-" + label, pacer: newPacer(clk, ChunkDuration)}
}

func (a *Audio) ID() string { return a.id }

func (a *Audio) Close() error {
	a.pacer.close()
	return nil
}

// Read blocks until the next chunk is due.
func (a *Audio) Read() (wave.Audio, func(), error) {
	if _, err := a.pacer.wait(); err != nil {
		return nil, func() {}, err
	}
	chunk := wave.NewInt16Interleaved(wave.ChunkInfo{
		Len:          int(SampleRate * ChunkDuration / time.Second),
		Channels:     1,
		SamplingRate: SampleRate,
	})
	return chunk, func() {}, nil
}

package player

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
)

// Element plays one chunk at a time. Play returns when the chunk has played
// to its end.
type Element interface {
	Play(ctx context.Context, url string) error
}

// BufferedSink opens gapless buffers for a container type.
type BufferedSink interface {
	IsTypeSupported(mimeType string) bool
	Open(ctx context.Context, mimeType string) (Buffer, error)
}

// Buffer is a single-writer media buffer. Appends must not overlap.
type Buffer interface {
	Append(ctx context.Context, data []byte) error
	EndOfStream() error
	// Play starts playback of the buffered media and returns when it ends.
	Play(ctx context.Context) error
	Close() error
	IsOpen() bool
}

var (
	ErrBufferClosed = errors.New("buffer closed")
	ErrBufferEnded  = errors.New("buffer already ended")
)

// CommandElement plays each chunk with an external player process.
type CommandElement struct {
	Path string
	Args []string // placed before the chunk URL
}

// NewFFplayElement returns an element running ffplay until each chunk ends.
func NewFFplayElement(path string) *CommandElement {
	if path == "" {
		path = "ffplay"
	}
	return &CommandElement{
		Path: path,
		Args: []string{"-hide_banner", "-loglevel", "error", "-autoexit"},
	}
}

func (e *CommandElement) Play(ctx context.Context, url string) error {
	args := append(append([]string(nil), e.Args...), url)
	cmd := exec.CommandContext(ctx, e.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", filepath.Base(e.Path), err, msg)
		}
		return fmt.Errorf("%s: %w", filepath.Base(e.Path), err)
	}
	return nil
}

// FileSink buffers a whole recording into one file, then optionally hands it
// to Player. The file only appears at Path once the stream has ended.
type FileSink struct {
	Path   string
	Player Element
	// Types restricts the accepted media types; empty accepts every type
	// MimeType knows.
	Types []string
}

func (s *FileSink) IsTypeSupported(mimeType string) bool {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	if len(s.Types) == 0 {
		return mt == "video/webm" || mt == "video/mp4" || mt == "video/mp2t" || mt == "video/x-matroska"
	}
	for _, t := range s.Types {
		if strings.EqualFold(t, mt) {
			return true
		}
	}
	return false
}

func (s *FileSink) Open(_ context.Context, mimeType string) (Buffer, error) {
	if !s.IsTypeSupported(mimeType) {
		return nil, fmt.Errorf("unsupported media type %q", mimeType)
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return nil, err
	}
	pf, err := renameio.NewPendingFile(s.Path, renameio.WithPermissions(0o644))
	if err != nil {
		return nil, err
	}
	return &fileBuffer{pf: pf, path: s.Path, player: s.Player, open: true}, nil
}

type fileBuffer struct {
	mu     sync.Mutex
	pf     *renameio.PendingFile
	path   string
	player Element
	open   bool
	ended  bool
	size   int64
}

func (b *fileBuffer) Append(_ context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case !b.open:
		return ErrBufferClosed
	case b.ended:
		return ErrBufferEnded
	}
	n, err := b.pf.Write(data)
	b.size += int64(n)
	return err
}

func (b *fileBuffer) EndOfStream() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case !b.open:
		return ErrBufferClosed
	case b.ended:
		return nil
	}
	if err := b.pf.CloseAtomicallyReplace(); err != nil {
		return err
	}
	b.ended = true
	return nil
}

func (b *fileBuffer) Play(ctx context.Context) error {
	b.mu.Lock()
	ended, player := b.ended, b.player
	b.mu.Unlock()
	if !ended {
		return errors.New("play before end of stream")
	}
	if player == nil {
		return nil
	}
	return player.Play(ctx, b.path)
}

func (b *fileBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil
	}
	b.open = false
	if !b.ended {
		return b.pf.Cleanup()
	}
	return nil
}

func (b *fileBuffer) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

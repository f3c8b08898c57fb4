package player

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingElement struct{ urls []string }

func (e *recordingElement) Play(_ context.Context, url string) error {
	e.urls = append(e.urls, url)
	return nil
}

func TestFileSink_supported_types(t *testing.T) {
	s := &FileSink{}
	assert.True(t, s.IsTypeSupported(MimeType("webm")))
	assert.True(t, s.IsTypeSupported(MimeType("mp4")))
	assert.False(t, s.IsTypeSupported("audio/ogg"))
	assert.False(t, s.IsTypeSupported(""))

	s = &FileSink{Types: []string{"video/mp4"}}
	assert.False(t, s.IsTypeSupported(MimeType("webm")))
	assert.True(t, s.IsTypeSupported(MimeType("mp4")))
}

func TestFileSink_writes_after_end_of_stream(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out", "match.webm")
	player := &recordingElement{}
	s := &FileSink{Path: path, Player: player}

	buf, err := s.Open(ctx, MimeType("webm"))
	require.NoError(t, err)
	require.NoError(t, buf.Append(ctx, []byte("abc")))
	require.NoError(t, buf.Append(ctx, []byte("def")))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Error(t, buf.Play(ctx))

	require.NoError(t, buf.EndOfStream())
	assert.ErrorIs(t, buf.Append(ctx, []byte("x")), ErrBufferEnded)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))

	require.NoError(t, buf.Play(ctx))
	assert.Equal(t, []string{path}, player.urls)

	assert.True(t, buf.IsOpen())
	require.NoError(t, buf.Close())
	require.NoError(t, buf.Close())
	assert.False(t, buf.IsOpen())
}

func TestFileSink_close_without_end_discards(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "match.webm")
	buf, err := (&FileSink{Path: path}).Open(ctx, MimeType("webm"))
	require.NoError(t, err)
	require.NoError(t, buf.Append(ctx, []byte("partial")))
	require.NoError(t, buf.Close())
	assert.ErrorIs(t, buf.Append(ctx, []byte("x")), ErrBufferClosed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCommandElement(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()

	ok := &CommandElement{Path: "sh", Args: []string{"-c", `test -n "$0"`}}
	assert.NoError(t, ok.Play(ctx, "chunk_00000.webm"))

	bad := &CommandElement{Path: "sh", Args: []string{"-c", `echo "cannot open $0" >&2; exit 1`}}
	err := bad.Play(ctx, "chunk_00001.webm")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot open chunk_00001.webm")
}

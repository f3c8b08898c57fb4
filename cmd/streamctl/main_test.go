package main

import (
	"bytes"
	"context"
	"testing"

	"matchstream/internal/session/sessiontest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestScan_prints_report(t *testing.T) {
	root, _ := sessiontest.NewRoot(t)
	sessiontest.WriteChunks(t, root, "s1", "webm", 3)
	sessiontest.WriteChunks(t, root, "s2", "webm", 1)

	out, err := execute(t, "scan", "--root", root)
	require.NoError(t, err)
	assert.Contains(t, out, "sessions=2 written=2 unchanged=0 empty=0 live=2 errors=0")

	out, err = execute(t, "scan", "--root", root)
	require.NoError(t, err)
	assert.Contains(t, out, "written=0 unchanged=2")
}

func TestFinalize_rejects_bad_input(t *testing.T) {
	root, _ := sessiontest.NewRoot(t)

	_, err := execute(t, "finalize", "--root", root)
	require.Error(t, err, "session flag is required")

	_, err = execute(t, "finalize", "--root", root, "--session", "../etc")
	assert.ErrorContains(t, err, "invalid session id")

	_, err = execute(t, "finalize", "--root", root, "--session", "missing", "--ffmpeg", "/bin/false")
	assert.ErrorContains(t, err, "session not found")
}

func TestPlay_rejects_unknown_mode(t *testing.T) {
	_, err := execute(t, "play", "--url", "http://127.0.0.1:1/x.m3u8", "--mode", "rewind")
	assert.ErrorContains(t, err, `unknown mode "rewind"`)
}

func TestPeer_rejects_viewer_role(t *testing.T) {
	_, err := execute(t, "peer", "--room", "m1", "--role", "viewer", "--signal-url", "http://127.0.0.1:1")
	require.Error(t, err)
}

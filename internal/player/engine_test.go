package player

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second

func testManifest(status string, n int) Manifest {
	m := Manifest{CompetitionID: "42", Status: status, Extension: "webm"}
	for i := 0; i < n; i++ {
		m.Chunks = append(m.Chunks, Chunk{
			Index:    i,
			File:     fmt.Sprintf("chunk_%05d.webm", i),
			URL:      fmt.Sprintf("http://media/chunk_%05d.webm", i),
			Duration: 10,
		})
	}
	m.TotalDuration = float64(n) * 10
	return m
}

type fakeSource struct {
	mu       sync.Mutex
	manifest Manifest
	err      error
	chunkErr error
}

func (s *fakeSource) set(m Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest = m
}

func (s *fakeSource) Manifest(context.Context) (Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest, s.err
}

func (s *fakeSource) Chunk(_ context.Context, url string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunkErr != nil {
		return nil, s.chunkErr
	}
	return []byte(url), nil
}

type fakeElement struct {
	mu       sync.Mutex
	urls     []string
	failures map[string]int
	block    bool
	playing  chan struct{}
}

func (e *fakeElement) Play(ctx context.Context, url string) error {
	e.mu.Lock()
	e.urls = append(e.urls, url)
	fail := e.failures[url] > 0
	if fail {
		e.failures[url]--
	}
	block, playing := e.block, e.playing
	e.mu.Unlock()

	if block {
		if playing != nil {
			close(playing)
		}
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return errors.New("decode error")
	}
	return nil
}

func (e *fakeElement) played() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.urls...)
}

type events struct {
	mu  sync.Mutex
	log []string
}

func (r *events) OnChunkChange(index, total int) { r.add(fmt.Sprintf("chunk %d/%d", index, total)) }
func (r *events) OnStatus(msg string)            { r.add("status " + msg) }
func (r *events) OnError(err error)              { r.add("error " + err.Error()) }

func (r *events) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, s)
}

func (r *events) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *events) with(prefix string) []string {
	var out []string
	for _, s := range r.all() {
		if strings.HasPrefix(s, prefix) {
			out = append(out, s)
		}
	}
	return out
}

func waitDone(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(waitFor):
		t.Fatal("engine did not finish")
	}
}

func TestSequential_waits_then_resumes_with_new_chunk(t *testing.T) {
	clk := clock.NewMock()
	src := &fakeSource{manifest: testManifest(StatusLive, 2)}
	el := &fakeElement{}
	rec := &events{}
	e := New(src, el, WithClock(clk), WithObserver(rec))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool { return e.State() == StateWaiting }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"http://media/chunk_00000.webm", "http://media/chunk_00001.webm"}, el.played())
	assert.Equal(t, 2, e.Index())

	src.set(testManifest(StatusFinalized, 3))
	require.Eventually(t, func() bool {
		clk.Add(DefaultWaitInterval)
		return e.State() == StateEnded
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, []string{
		"http://media/chunk_00000.webm",
		"http://media/chunk_00001.webm",
		"http://media/chunk_00002.webm",
	}, el.played())
	assert.Equal(t, []string{"chunk 0/2", "chunk 1/2", "chunk 2/3"}, rec.with("chunk"))
	assert.Contains(t, rec.all(), "status waiting for next chunk")
	assert.Equal(t, "status ended", rec.all()[len(rec.all())-1])
}

func TestSequential_keeps_waiting_through_fetch_errors(t *testing.T) {
	clk := clock.NewMock()
	src := &fakeSource{manifest: testManifest(StatusLive, 1)}
	e := New(src, &fakeElement{}, WithClock(clk))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool { return e.State() == StateWaiting }, waitFor, 5*time.Millisecond)
	src.mu.Lock()
	src.err = errors.New("connection reset")
	src.mu.Unlock()
	for i := 0; i < 3; i++ {
		clk.Add(DefaultWaitInterval)
	}
	assert.Equal(t, StateWaiting, e.State())
	assert.NoError(t, e.Err())
}

func TestRefresh_wakes_waiting_playback(t *testing.T) {
	src := &fakeSource{manifest: testManifest(StatusLive, 1)}
	el := &fakeElement{}
	e := New(src, el, WithClock(clock.NewMock()))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool { return e.State() == StateWaiting }, waitFor, 5*time.Millisecond)
	src.set(testManifest(StatusFinalized, 2))
	m, err := e.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, m.Chunks, 2)

	waitDone(t, e)
	assert.Equal(t, StateEnded, e.State())
	assert.Len(t, el.played(), 2)
}

func TestSequential_empty_manifest_fails(t *testing.T) {
	rec := &events{}
	e := New(&fakeSource{manifest: testManifest(StatusLive, 0)}, &fakeElement{}, WithObserver(rec))
	require.NoError(t, e.Start(context.Background()))
	waitDone(t, e)

	assert.Equal(t, StateFailed, e.State())
	assert.ErrorIs(t, e.Err(), ErrNoChunks)
	assert.Equal(t, []string{"error no chunks available"}, rec.with("error"))

	n := len(rec.all())
	e.Stop()
	assert.Len(t, rec.all(), n)
	assert.Equal(t, StateFailed, e.State())
}

func TestStart_manifest_error_fails(t *testing.T) {
	src := &fakeSource{err: fmt.Errorf("%w: GET /playback: 404 Not Found", ErrFetch)}
	rec := &events{}
	e := New(src, &fakeElement{}, WithObserver(rec))
	require.NoError(t, e.Start(context.Background()))
	waitDone(t, e)

	assert.Equal(t, StateFailed, e.State())
	assert.ErrorIs(t, e.Err(), ErrFetch)
	assert.Len(t, rec.with("error"), 1)
}

func TestStart_twice(t *testing.T) {
	e := New(&fakeSource{manifest: testManifest(StatusFinalized, 1)}, &fakeElement{})
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)
}

func TestSequential_retries_failed_chunk(t *testing.T) {
	clk := clock.NewMock()
	el := &fakeElement{failures: map[string]int{"http://media/chunk_00000.webm": 2}}
	e := New(&fakeSource{manifest: testManifest(StatusFinalized, 1)}, el,
		WithClock(clk), WithRetry(3, time.Second))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return e.State() == StateEnded
	}, waitFor, 5*time.Millisecond)
	assert.Len(t, el.played(), 3)
}

func TestSequential_skips_chunk_after_retries(t *testing.T) {
	clk := clock.NewMock()
	el := &fakeElement{failures: map[string]int{"http://media/chunk_00000.webm": 10}}
	rec := &events{}
	e := New(&fakeSource{manifest: testManifest(StatusFinalized, 2)}, el,
		WithClock(clk), WithRetry(1, time.Second), WithObserver(rec))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return e.State() == StateEnded
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{
		"http://media/chunk_00000.webm",
		"http://media/chunk_00000.webm",
		"http://media/chunk_00001.webm",
	}, el.played())
	assert.Contains(t, rec.all(), "status skipping chunk 1 after 2 attempts")
	assert.Empty(t, rec.with("error"))
}

func TestStop_is_idempotent_and_silences_events(t *testing.T) {
	playing := make(chan struct{})
	el := &fakeElement{block: true, playing: playing}
	rec := &events{}
	e := New(&fakeSource{manifest: testManifest(StatusLive, 3)}, el, WithObserver(rec))
	require.NoError(t, e.Start(context.Background()))

	select {
	case <-playing:
	case <-time.After(waitFor):
		t.Fatal("chunk never started")
	}
	e.Stop()
	n := len(rec.all())
	e.Stop()

	assert.Equal(t, StateStopped, e.State())
	assert.Len(t, rec.all(), n)
	assert.Len(t, el.played(), 1)
	waitDone(t, e)
}

func TestStop_before_start(t *testing.T) {
	e := New(&fakeSource{}, &fakeElement{})
	e.Stop()
	assert.Equal(t, StateStopped, e.State())
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)
}

type fakeSink struct {
	supported bool
	mu        sync.Mutex
	buf       *fakeBuffer
}

func (s *fakeSink) IsTypeSupported(string) bool { return s.supported }

func (s *fakeSink) Open(context.Context, string) (Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = &fakeBuffer{open: true}
	return s.buf, nil
}

type fakeBuffer struct {
	mu       sync.Mutex
	ops      []string
	inFlight int
	overlap  bool
	open     bool
	closes   int
}

func (b *fakeBuffer) Append(_ context.Context, data []byte) error {
	b.mu.Lock()
	b.inFlight++
	if b.inFlight > 1 {
		b.overlap = true
	}
	b.mu.Unlock()

	time.Sleep(time.Millisecond)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight--
	b.ops = append(b.ops, "append "+string(data))
	return nil
}

func (b *fakeBuffer) EndOfStream() error         { b.record("eos"); return nil }
func (b *fakeBuffer) Play(context.Context) error { b.record("play"); return nil }

func (b *fakeBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.closes++
	return nil
}

func (b *fakeBuffer) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *fakeBuffer) record(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, op)
}

func TestBuffered_appends_in_order_then_ends_stream(t *testing.T) {
	sink := &fakeSink{supported: true}
	el := &fakeElement{}
	e := New(&fakeSource{manifest: testManifest(StatusFinalized, 3)}, el,
		WithMode(ModeVOD), WithBufferedSink(sink))
	require.NoError(t, e.Start(context.Background()))
	waitDone(t, e)

	assert.Equal(t, StateEnded, e.State())
	buf := sink.buf
	require.NotNil(t, buf)
	assert.Equal(t, []string{
		"append http://media/chunk_00000.webm",
		"append http://media/chunk_00001.webm",
		"append http://media/chunk_00002.webm",
		"eos",
		"play",
	}, buf.ops)
	assert.False(t, buf.overlap)
	assert.Empty(t, el.played())

	e.Stop()
	e.Stop()
	assert.False(t, buf.IsOpen())
	assert.Equal(t, 1, buf.closes)
}

func TestBuffered_unsupported_falls_back_to_live(t *testing.T) {
	rec := &events{}
	el := &fakeElement{}
	e := New(&fakeSource{manifest: testManifest(StatusFinalized, 2)}, el,
		WithMode(ModeVOD), WithBufferedSink(&fakeSink{}), WithObserver(rec))
	require.NoError(t, e.Start(context.Background()))
	waitDone(t, e)

	assert.Equal(t, StateEnded, e.State())
	assert.Len(t, el.played(), 2)
	warnings := rec.with("status warning")
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "falling back to live mode")
	assert.Empty(t, rec.with("error"))
}

func TestBuffered_live_manifest_plays_sequentially(t *testing.T) {
	clk := clock.NewMock()
	sink := &fakeSink{supported: true}
	src := &fakeSource{manifest: testManifest(StatusLive, 2)}
	el := &fakeElement{}
	rec := &events{}
	e := New(src, el, WithMode(ModeVOD), WithBufferedSink(sink), WithClock(clk), WithObserver(rec))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool { return e.State() == StateWaiting }, waitFor, 5*time.Millisecond)
	assert.Len(t, el.played(), 2)
	warnings := rec.with("status warning")
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "still live")

	src.set(testManifest(StatusFinalized, 3))
	require.Eventually(t, func() bool {
		clk.Add(DefaultWaitInterval)
		return e.State() == StateEnded
	}, waitFor, 5*time.Millisecond)
	assert.Len(t, el.played(), 3)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Nil(t, sink.buf, "no buffer is opened for a live session")
}

func TestBuffered_fetch_failure_fails_and_stop_closes_buffer(t *testing.T) {
	clk := clock.NewMock()
	sink := &fakeSink{supported: true}
	src := &fakeSource{manifest: testManifest(StatusFinalized, 2), chunkErr: errors.New("timeout")}
	e := New(src, &fakeElement{}, WithMode(ModeVOD), WithBufferedSink(sink),
		WithClock(clk), WithRetry(1, time.Second))
	require.NoError(t, e.Start(context.Background()))

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return e.State() == StateFailed
	}, waitFor, 5*time.Millisecond)
	waitDone(t, e)
	assert.ErrorContains(t, e.Err(), "fetch chunk 0")

	sink.mu.Lock()
	buf := sink.buf
	sink.mu.Unlock()
	require.True(t, buf.IsOpen())
	e.Stop()
	assert.False(t, buf.IsOpen())
}

// Package player plays a session's chunks, either one after another while the
// session is live or as one gapless buffer once it is finalized.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"matchstream/internal/platform/logger"
	"matchstream/internal/platform/task"

	"github.com/benbjohnson/clock"
)

const (
	DefaultWaitInterval    = 2 * time.Second
	DefaultMaxChunkRetries = 3
	DefaultRetryDelay      = time.Second
)

var (
	ErrNoChunks       = errors.New("no chunks available")
	ErrAlreadyStarted = errors.New("player already started")
)

// Mode selects the delivery strategy.
type Mode string

const (
	ModeLive Mode = "live"
	// ModeVOD buffers a finalized session; a live manifest is played as ModeLive.
	ModeVOD Mode = "vod"
)

// State is the engine lifecycle.
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StateWaiting
	StateBuffering
	StateEnded
	StateFailed
	StateStopped
)

var stateNames = [...]string{"idle", "loading", "playing", "waiting", "buffering", "ended", "failed", "stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed || s == StateStopped
}

// Observer receives engine events on the engine's goroutine. Implementations
// must not call Stop from a callback.
type Observer interface {
	OnChunkChange(index, total int)
	OnStatus(msg string)
	OnError(err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	ChunkChange func(index, total int)
	Status      func(string)
	Error       func(error)
}

func (o ObserverFuncs) OnChunkChange(index, total int) {
	if o.ChunkChange != nil {
		o.ChunkChange(index, total)
	}
}

func (o ObserverFuncs) OnStatus(msg string) {
	if o.Status != nil {
		o.Status(msg)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// Engine is one playback of one manifest source.
type Engine struct {
	source       Source
	element      Element
	sink         BufferedSink
	mode         Mode
	waitInterval time.Duration
	maxRetries   int
	retryDelay   time.Duration
	clock        clock.Clock
	log          *slog.Logger
	observer     Observer

	mu       sync.Mutex
	state    State
	manifest Manifest
	index    int
	buffer   Buffer
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	wake     chan struct{}

	emitMu   sync.Mutex
	terminal bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithMode(m Mode) Option {
	return func(e *Engine) {
		if m == ModeLive || m == ModeVOD {
			e.mode = m
		}
	}
}

// WithBufferedSink enables vod mode; without a sink vod falls back to live.
func WithBufferedSink(s BufferedSink) Option {
	return func(e *Engine) { e.sink = s }
}

func WithWaitInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.waitInterval = d
		}
	}
}

// WithRetry sets how often a failing chunk is retried and the pause between
// attempts.
func WithRetry(retries int, delay time.Duration) Option {
	return func(e *Engine) {
		if retries >= 0 {
			e.maxRetries = retries
		}
		if delay > 0 {
			e.retryDelay = delay
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = logger.OrNop(l) }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// New returns an idle engine playing chunks from source through element.
func New(source Source, element Element, opts ...Option) *Engine {
	e := &Engine{
		source:       source,
		element:      element,
		mode:         ModeLive,
		waitInterval: DefaultWaitInterval,
		maxRetries:   DefaultMaxChunkRetries,
		retryDelay:   DefaultRetryDelay,
		clock:        clock.New(),
		log:          logger.Nop(),
		observer:     ObserverFuncs{},
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Index returns the chunk currently playing or next to play.
func (e *Engine) Index() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index
}

// Done is closed when the run goroutine has exited. Nil before Start.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Err returns the error that failed playback, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Start begins playback in the background.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.state = StateLoading
	done := e.done
	e.mu.Unlock()

	go func() {
		defer close(done)
		e.run(ctx)
	}()
	return nil
}

// Refresh re-fetches the manifest and wakes a waiting live playback.
func (e *Engine) Refresh(ctx context.Context) (Manifest, error) {
	m, err := e.source.Manifest(ctx)
	if err != nil {
		return Manifest{}, err
	}
	e.merge(m)
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return m, nil
}

// Stop ends playback and releases media. It is safe to call at any time and
// more than once; it returns once the run goroutine has exited.
func (e *Engine) Stop() {
	if e.finish(StateStopped, nil) {
		e.log.Info("playback stopped")
	}

	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	e.mu.Lock()
	buf := e.buffer
	e.buffer = nil
	e.manifest = Manifest{}
	e.mu.Unlock()
	if buf != nil && buf.IsOpen() {
		if err := buf.Close(); err != nil {
			e.log.Warn("close buffer", slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Terminal() {
		e.state = s
	}
}

func (e *Engine) emit(fn func(Observer)) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	if e.terminal {
		return
	}
	fn(e.observer)
}

func (e *Engine) status(msg string) {
	e.log.Debug("player status", slog.String("status", msg))
	e.emit(func(o Observer) { o.OnStatus(msg) })
}

// finish enters a terminal state once. last is the final event delivered.
func (e *Engine) finish(s State, last func(Observer)) bool {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	if e.terminal {
		return false
	}
	e.terminal = true

	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return false
	}
	e.state = s
	e.mu.Unlock()

	if last != nil {
		last(e.observer)
	}
	return true
}

func (e *Engine) fail(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
	e.log.Warn("playback failed", slog.String("error", err.Error()))
	e.finish(StateFailed, func(o Observer) {
		o.OnError(err)
		o.OnStatus("failed: " + err.Error())
	})
}

func (e *Engine) end(msg string) {
	e.log.Info("playback ended")
	e.finish(StateEnded, func(o Observer) { o.OnStatus(msg) })
}

// merge adopts m unless it would drop chunks already known.
func (e *Engine) merge(m Manifest) Manifest {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(m.Chunks) >= len(e.manifest.Chunks) {
		e.manifest = m
	} else if m.Finalized() {
		e.manifest.Status = m.Status
	}
	return e.manifest
}

func (e *Engine) current() Manifest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manifest
}

func (e *Engine) run(ctx context.Context) {
	e.status("loading playlist")
	m, err := e.source.Manifest(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.fail(fmt.Errorf("load manifest: %w", err))
		}
		return
	}
	m = e.merge(m)
	if len(m.Chunks) == 0 {
		e.fail(ErrNoChunks)
		return
	}

	if e.mode == ModeVOD && !m.Finalized() {
		e.log.Warn("session still live, buffered playback needs a finalized manifest")
		e.status("warning: session is still live, falling back to live mode")
	} else if e.mode == ModeVOD {
		mt := MimeType(m.Extension)
		if e.sink != nil && mt != "" && e.sink.IsTypeSupported(mt) {
			e.runBuffered(ctx, m, mt)
			return
		}
		e.log.Warn("buffered playback unsupported, playing live", slog.String("extension", m.Extension))
		e.status(fmt.Sprintf("warning: %q playback not supported, falling back to live mode", m.Extension))
	}
	e.runSequential(ctx)
}

func (e *Engine) runSequential(ctx context.Context) {
	i := 0
	for ctx.Err() == nil {
		m := e.current()
		total := len(m.Chunks)

		if i < total {
			e.mu.Lock()
			e.index = i
			e.mu.Unlock()
			e.setState(StatePlaying)
			e.emit(func(o Observer) { o.OnChunkChange(i, total) })
			e.status(fmt.Sprintf("playing chunk %d/%d", i+1, total))

			if err := e.playChunk(ctx, m.Chunks[i]); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.log.Warn("chunk skipped", slog.Int("index", i), slog.String("error", err.Error()))
				e.status(fmt.Sprintf("skipping chunk %d after %d attempts", i+1, e.maxRetries+1))
			}
			i++
			continue
		}

		if m.Finalized() {
			e.end("ended")
			return
		}

		e.mu.Lock()
		e.index = i
		e.mu.Unlock()
		e.setState(StateWaiting)
		e.status("waiting for next chunk")
		if !e.wait(ctx) {
			return
		}
		next, err := e.source.Manifest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Debug("manifest refresh failed", slog.String("error", err.Error()))
			continue
		}
		e.merge(next)
	}
}

// wait pauses for the wait interval or until Refresh wakes the loop.
func (e *Engine) wait(ctx context.Context) bool {
	t := e.clock.Timer(e.waitInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	case <-e.wake:
	}
	return true
}

func (e *Engine) playChunk(ctx context.Context, c Chunk) error {
	var err error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			e.log.Debug("retrying chunk", slog.Int("index", c.Index), slog.Int("attempt", attempt))
			if err := task.Sleep(ctx, e.clock, e.retryDelay); err != nil {
				return err
			}
		}
		if err = e.element.Play(ctx, c.URL); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func (e *Engine) fetchChunk(ctx context.Context, c Chunk) ([]byte, error) {
	var err error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			if err := task.Sleep(ctx, e.clock, e.retryDelay); err != nil {
				return nil, err
			}
		}
		var data []byte
		if data, err = e.source.Chunk(ctx, c.URL); err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, err
}

func (e *Engine) runBuffered(ctx context.Context, m Manifest, mimeType string) {
	e.setState(StateBuffering)
	buf, err := e.sink.Open(ctx, mimeType)
	if err != nil {
		if ctx.Err() == nil {
			e.fail(fmt.Errorf("open buffer: %w", err))
		}
		return
	}
	e.mu.Lock()
	e.buffer = buf
	e.mu.Unlock()

	total := len(m.Chunks)
	for i, c := range m.Chunks {
		e.mu.Lock()
		e.index = i
		e.mu.Unlock()
		e.emit(func(o Observer) { o.OnChunkChange(i, total) })
		e.status(fmt.Sprintf("buffering chunk %d/%d", i+1, total))

		data, err := e.fetchChunk(ctx, c)
		if err != nil {
			if ctx.Err() == nil {
				e.fail(fmt.Errorf("fetch chunk %d: %w", i, err))
			}
			return
		}
		if err := buf.Append(ctx, data); err != nil {
			if ctx.Err() == nil {
				e.fail(fmt.Errorf("append chunk %d: %w", i, err))
			}
			return
		}
	}
	if err := buf.EndOfStream(); err != nil {
		e.fail(fmt.Errorf("end of stream: %w", err))
		return
	}

	e.setState(StatePlaying)
	e.status(fmt.Sprintf("playing %d buffered chunks", total))
	if err := buf.Play(ctx); err != nil {
		if ctx.Err() == nil {
			e.fail(fmt.Errorf("play buffer: %w", err))
		}
		return
	}
	e.end("ended")
}

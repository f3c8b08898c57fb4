// Package finalize seals a session: it concatenates every chunk into one
// encoded output file, flips the metadata to finalized and closes the manifest.
// It is the only writer of the sealed output and of the finalized flag.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"matchstream/internal/platform/logger"
	"matchstream/internal/platform/metrics"
	"matchstream/internal/playlist"
	"matchstream/internal/session"

	"github.com/benbjohnson/clock"
)

// OutputExt is the container of the sealed output.
const OutputExt = "mp4"

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrNoChunks         = errors.New("no chunks to finalize")
	ErrAlreadyFinalized = errors.New("session already finalized")
	ErrInProgress       = errors.New("finalize already in progress")
	ErrEncoderFailed    = errors.New("encoder failed")
	ErrOutputMissing    = errors.New("encoder produced no output")
)

// Result describes a sealed session.
type Result struct {
	SessionID   session.ID `json:"session_id"`
	Chunks      int        `json:"chunks"`
	OutputPath  string     `json:"output_path"`
	OutputSize  int64      `json:"output_size"`
	VODPath     string     `json:"vod_path"`
	FinalizedAt int64      `json:"finalized_at"`
	DurationMs  int64      `json:"duration_ms"`
}

// Publisher copies the sealed output somewhere durable and returns its URL.
type Publisher interface {
	Publish(ctx context.Context, id session.ID, path string) (string, error)
}

// Notifier is told about every successful finalize.
type Notifier interface {
	Notify(ctx context.Context, res Result) error
}

// Finalizer runs the finalize pipeline against a session store.
type Finalizer struct {
	store        *session.Store
	encoder      Encoder
	log          *slog.Logger
	metrics      *metrics.Metrics
	clock        clock.Clock
	publisher    Publisher
	notifier     Notifier
	deleteChunks bool

	mu       sync.Mutex
	inflight map[session.ID]struct{}
}

// Option configures a Finalizer.
type Option func(*Finalizer)

func WithLogger(log *slog.Logger) Option {
	return func(f *Finalizer) { f.log = logger.OrNop(log) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Finalizer) { f.metrics = m }
}

func WithClock(c clock.Clock) Option {
	return func(f *Finalizer) { f.clock = c }
}

// WithPublisher uploads the sealed output; its URL replaces the local vod_path.
func WithPublisher(p Publisher) Option {
	return func(f *Finalizer) { f.publisher = p }
}

func WithNotifier(n Notifier) Option {
	return func(f *Finalizer) { f.notifier = n }
}

// WithDeleteChunks removes the raw chunks after a successful seal.
func WithDeleteChunks(enabled bool) Option {
	return func(f *Finalizer) { f.deleteChunks = enabled }
}

// New returns a Finalizer that encodes with enc.
func New(store *session.Store, enc Encoder, opts ...Option) *Finalizer {
	f := &Finalizer{
		store:    store,
		encoder:  enc,
		log:      logger.Nop(),
		clock:    clock.New(),
		inflight: make(map[session.ID]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// InProgress reports whether id is being finalized right now.
func (f *Finalizer) InProgress(id session.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.inflight[id]
	return ok
}

func (f *Finalizer) acquire(id session.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.inflight[id]; busy {
		return false
	}
	f.inflight[id] = struct{}{}
	return true
}

func (f *Finalizer) release(id session.ID) {
	f.mu.Lock()
	delete(f.inflight, id)
	f.mu.Unlock()
}

// Finalize seals session id. ext selects which chunk container to merge; an
// empty ext takes every chunk. On any error nothing is marked finalized and no
// output file is left behind.
func (f *Finalizer) Finalize(ctx context.Context, id session.ID, ext string) (Result, error) {
	start := f.clock.Now()
	res, err := f.finalize(ctx, id, session.NormalizeExt(ext))
	f.metrics.ObserveFinalize(metricsResult(err), f.clock.Since(start).Seconds())
	if err != nil {
		f.log.Warn("finalize failed", slog.String("session_id", string(id)), slog.String("error", err.Error()))
		return Result{}, err
	}
	f.log.Info("session finalized",
		slog.String("session_id", string(id)),
		slog.Int("chunks", res.Chunks),
		slog.Int64("output_size", res.OutputSize),
		slog.String("vod_path", res.VODPath))
	return res, nil
}

func (f *Finalizer) finalize(ctx context.Context, id session.ID, ext string) (Result, error) {
	if !session.ValidID(string(id)) {
		return Result{}, fmt.Errorf("%q: %w", id, ErrSessionNotFound)
	}
	if !f.acquire(id) {
		return Result{}, fmt.Errorf("%s: %w", id, ErrInProgress)
	}
	defer f.release(id)

	ok, err := f.store.Exists(id)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}

	meta, err := f.store.LoadMetadata(id)
	if err != nil {
		f.log.Warn("session metadata unusable, rewriting with defaults",
			slog.String("session_id", string(id)), slog.String("error", err.Error()))
	}
	if meta.Finalized {
		return Result{}, fmt.Errorf("%s: %w", id, ErrAlreadyFinalized)
	}

	var chunks []session.Chunk
	if ext == "" {
		chunks, err = f.store.ListChunks(id)
	} else {
		chunks, err = f.store.ListChunksWithExt(id, ext)
	}
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Result{}, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
		}
		return Result{}, err
	}
	if len(chunks) == 0 {
		return Result{}, fmt.Errorf("%s: %w", id, ErrNoChunks)
	}

	concatPath := f.store.Path(id, session.ConcatFile)
	if err := f.store.WriteFile(id, session.ConcatFile, ConcatList(chunks)); err != nil {
		return Result{}, fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(concatPath)

	output := f.store.OutputPath(id, OutputExt)
	if err := f.encoder.Encode(ctx, Job{SessionID: id, ConcatPath: concatPath, OutputPath: output}); err != nil {
		_ = os.Remove(output)
		return Result{}, fmt.Errorf("%s: %w: %w", id, ErrEncoderFailed, err)
	}
	info, err := os.Stat(output)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(output)
		return Result{}, fmt.Errorf("%s: %w", id, ErrOutputMissing)
	}

	res := Result{
		SessionID:  id,
		Chunks:     len(chunks),
		OutputPath: output,
		OutputSize: info.Size(),
		VODPath:    output,
	}
	if f.publisher != nil {
		url, err := f.publisher.Publish(ctx, id, output)
		if err != nil {
			_ = os.Remove(output)
			return Result{}, fmt.Errorf("publish output: %w", err)
		}
		res.VODPath = url
	}

	now := f.clock.Now()
	res.FinalizedAt = now.UnixMilli()
	meta.Finalized = true
	meta.FinalizedAt = res.FinalizedAt
	meta.VODPath = res.VODPath
	meta.VODSize = res.OutputSize
	if meta.Extension == "" {
		meta.Extension = chunks[0].Ext
	}
	if err := f.store.WriteMetadata(id, meta); err != nil {
		_ = os.Remove(output)
		return Result{}, fmt.Errorf("write metadata: %w", err)
	}

	if err := f.closeManifest(id, chunks, meta); err != nil {
		// The builder renders the end marker from metadata on its next cycle.
		f.log.Warn("append end marker failed", slog.String("session_id", string(id)), slog.String("error", err.Error()))
	}
	if f.deleteChunks {
		f.removeChunks(id, chunks)
	}
	if f.notifier != nil {
		if err := f.notifier.Notify(ctx, res); err != nil {
			f.log.Warn("finalize callback failed", slog.String("session_id", string(id)), slog.String("error", err.Error()))
		}
	}
	res.DurationMs = f.clock.Since(now).Milliseconds()
	return res, nil
}

// closeManifest appends the end marker, rendering the manifest when the
// builder has not written one yet.
func (f *Finalizer) closeManifest(id session.ID, chunks []session.Chunk, meta session.Metadata) error {
	current, err := f.store.ReadFile(id, session.ManifestFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		names := make([]string, len(chunks))
		for i, c := range chunks {
			names[i] = c.Name
		}
		return f.store.WriteFile(id, session.ManifestFile, []byte(playlist.Render(names, meta.SegmentDuration(), true)))
	}
	closed, changed := playlist.AppendEndList(current)
	if !changed {
		return nil
	}
	return f.store.WriteFile(id, session.ManifestFile, closed)
}

func (f *Finalizer) removeChunks(id session.ID, chunks []session.Chunk) {
	removed := 0
	for _, c := range chunks {
		if err := os.Remove(c.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.log.Warn("delete chunk failed", slog.String("session_id", string(id)), slog.String("chunk", c.Name), slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	f.log.Info("chunks deleted", slog.String("session_id", string(id)), slog.Int("count", removed))
}

// ConcatList renders an ffmpeg concat demuxer script for chunks, in order,
// with absolute paths.
func ConcatList(chunks []session.Chunk) []byte {
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	for _, c := range chunks {
		path := c.Path
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(path, "'", `'\''`))
		b.WriteString("'\n")
	}
	return []byte(b.String())
}

func metricsResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, ErrNoChunks):
		return metrics.ResultNoChunks
	case errors.Is(err, ErrSessionNotFound):
		return metrics.ResultNotFound
	case errors.Is(err, ErrAlreadyFinalized), errors.Is(err, ErrInProgress):
		return metrics.ResultRejected
	default:
		return metrics.ResultFailed
	}
}

// Timestamp formats a finalized_at value for humans.
func Timestamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

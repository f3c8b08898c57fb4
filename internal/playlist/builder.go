package playlist

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"matchstream/internal/platform/logger"
	"matchstream/internal/platform/metrics"
	"matchstream/internal/session"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
)

// DefaultScanInterval is the pause between two scan cycles.
const DefaultScanInterval = 3 * time.Second

// ScanReport summarises one scan cycle.
type ScanReport struct {
	Sessions  int // session directories seen
	Written   int // manifests rewritten
	Unchanged int // manifests already up to date
	Empty     int // sessions without chunks
	Live      int // sessions with chunks that are not finalized
	Errors    int // sessions skipped because of an error
}

// Builder keeps playlist.m3u8 of every session directory in line with the
// chunk files present. It only ever writes the manifest file.
type Builder struct {
	store          *session.Store
	log            *slog.Logger
	metrics        *metrics.Metrics
	clock          clock.Clock
	interval       time.Duration
	defaultSegment time.Duration
	watch          bool

	mu   sync.Mutex // serialises Scan so cycles never overlap
	last ScanReport
}

// Option configures a Builder.
type Option func(*Builder)

// WithInterval sets the scan interval.
func WithInterval(d time.Duration) Option {
	return func(b *Builder) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithClock injects the clock driving the scan ticker.
func WithClock(c clock.Clock) Option {
	return func(b *Builder) { b.clock = c }
}

// WithMetrics records scan metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Builder) { b.metrics = m }
}

// WithDefaultSegment overrides the duration used when metadata has none.
func WithDefaultSegment(d time.Duration) Option {
	return func(b *Builder) {
		if d > 0 {
			b.defaultSegment = d
		}
	}
}

// WithWatch enables fsnotify wake-ups between ticks.
func WithWatch(enabled bool) Option {
	return func(b *Builder) { b.watch = enabled }
}

// NewBuilder returns a Builder over store.
func NewBuilder(store *session.Store, log *slog.Logger, opts ...Option) *Builder {
	b := &Builder{
		store:          store,
		log:            logger.OrNop(log),
		clock:          clock.New(),
		interval:       DefaultScanInterval,
		defaultSegment: session.DefaultSegmentDuration,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// LastReport returns the report of the most recent completed cycle.
func (b *Builder) LastReport() ScanReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Scan runs one cycle over every session directory. A failure in one session
// is logged and counted; it never stops the others.
func (b *Builder) Scan(ctx context.Context) ScanReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	var rep ScanReport
	ids, err := b.store.ListSessions()
	if err != nil {
		b.log.Error("list sessions failed", slog.String("root", b.store.Root()), slog.String("error", err.Error()))
		b.metrics.IncScanErrors()
		rep.Errors++
		b.finishCycle(rep)
		return rep
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		rep.Sessions++
		res, err := b.ScanSession(id)
		if err != nil {
			b.log.Warn("scan session failed", slog.String("session_id", string(id)), slog.String("error", err.Error()))
			b.metrics.IncScanErrors()
			rep.Errors++
			continue
		}
		switch res.Outcome {
		case OutcomeEmpty:
			rep.Empty++
			continue
		case OutcomeWritten:
			rep.Written++
		case OutcomeUnchanged:
			rep.Unchanged++
		}
		if !res.Finalized {
			rep.Live++
		}
	}

	b.finishCycle(rep)
	return rep
}

func (b *Builder) finishCycle(rep ScanReport) {
	b.last = rep
	b.metrics.IncScanCycles()
	b.metrics.SetActiveSessions(rep.Live)
	if rep.Written > 0 || rep.Errors > 0 {
		b.log.Debug("scan cycle",
			slog.Int("sessions", rep.Sessions),
			slog.Int("written", rep.Written),
			slog.Int("errors", rep.Errors))
	}
}

// Outcome says what ScanSession did.
type Outcome int

const (
	OutcomeEmpty Outcome = iota
	OutcomeUnchanged
	OutcomeWritten
)

// SessionResult is the result of syncing one session.
type SessionResult struct {
	Outcome   Outcome
	Chunks    int
	Finalized bool
}

// ScanSession renders the manifest of one session and writes it when it differs
// from what is on disk.
func (b *Builder) ScanSession(id session.ID) (SessionResult, error) {
	chunks, err := b.store.ListChunks(id)
	if err != nil {
		return SessionResult{}, err
	}
	if len(chunks) == 0 {
		return SessionResult{Outcome: OutcomeEmpty}, nil
	}

	meta, err := b.store.LoadMetadata(id)
	if err != nil {
		b.log.Warn("session metadata unusable, using defaults",
			slog.String("session_id", string(id)),
			slog.String("error", err.Error()))
	}

	names := make([]string, len(chunks))
	for i, c := range chunks {
		names[i] = c.Name
	}

	current, err := b.store.ReadFile(id, session.ManifestFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return SessionResult{}, err
	}
	// The finalizer closes the manifest after flipping the metadata, so an end
	// marker on disk means the session is finalized even if meta is stale.
	finalized := meta.Finalized || (err == nil && HasEndList(current))
	segment := meta.SegmentDurationOr(b.defaultSegment)
	rendered := []byte(Render(names, segment, finalized))
	res := SessionResult{Chunks: len(chunks), Finalized: finalized}

	if err == nil && bytes.Equal(current, rendered) {
		res.Outcome = OutcomeUnchanged
		return res, nil
	}

	if !finalized {
		if fresh, err := b.store.LoadMetadata(id); err == nil && fresh.Finalized {
			finalized = true
			rendered = []byte(Render(names, segment, true))
			res.Finalized = true
		}
	}

	if err := b.store.WriteFile(id, session.ManifestFile, rendered); err != nil {
		return res, err
	}
	b.metrics.IncManifestsWritten()
	b.log.Info("manifest updated",
		slog.String("session_id", string(id)),
		slog.Int("chunks", len(chunks)),
		slog.Bool("finalized", finalized))
	res.Outcome = OutcomeWritten
	return res, nil
}

// Run scans immediately, then on every tick and on filesystem activity, until
// ctx is cancelled. Cycles run on this goroutine only, so they never overlap;
// wake-ups that arrive during a cycle collapse into a single follow-up cycle.
func (b *Builder) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	if b.watch {
		stop, err := b.watchRoot(ctx, wake)
		if err != nil {
			b.log.Warn("filesystem watch unavailable, polling only", slog.String("error", err.Error()))
		} else {
			defer stop()
		}
	}

	ticker := b.clock.Ticker(b.interval)
	defer ticker.Stop()

	b.log.Info("playlist builder started",
		slog.String("root", b.store.Root()),
		slog.Duration("interval", b.interval))
	b.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
		b.Scan(ctx)
	}
}

// watchRoot watches the storage root and every session directory, signalling
// wake on chunk or metadata changes. The returned stop closes the watcher and
// waits for the event goroutine.
func (b *Builder) watchRoot(ctx context.Context, wake chan<- struct{}) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(b.store.Root()); err != nil {
		_ = w.Close()
		return nil, err
	}
	if ids, err := b.store.ListSessions(); err == nil {
		for _, id := range ids {
			if err := w.Add(b.store.Dir(id)); err != nil {
				b.log.Debug("watch session dir", slog.String("session_id", string(id)), slog.String("error", err.Error()))
			}
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if b.handleEvent(w, ev) {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				b.log.Warn("fsnotify watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	return func() {
		_ = w.Close()
		<-done
	}, nil
}

// handleEvent reports whether ev should trigger an early scan.
func (b *Builder) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event) bool {
	dir, name := filepath.Split(ev.Name)
	if filepath.Clean(dir) == filepath.Clean(b.store.Root()) {
		if ev.Has(fsnotify.Create) && session.ValidID(name) {
			if err := w.Add(ev.Name); err == nil {
				return true
			}
		}
		return false
	}
	if name == session.MetadataFile {
		return true
	}
	_, _, isChunk := session.ParseChunkName(name)
	return isChunk
}

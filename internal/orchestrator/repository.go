package orchestrator

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"matchstream/internal/platform/logger"
	"matchstream/internal/session"
)

// Repository is the read side of the session storage used by the HTTP
// surface. Every call reads the disk fresh.
type Repository interface {
	// Snapshot returns the chunks and metadata of a session. ok is false when
	// the session directory does not exist.
	Snapshot(id session.ID) (snap Snapshot, ok bool, err error)

	// Manifest returns the builder-written playlist. ok is false when either
	// the session or its manifest does not exist yet.
	Manifest(id session.ID) (data []byte, ok bool, err error)

	// FilePath returns the path of a regular file inside the session
	// directory. ok is false when it does not exist.
	FilePath(id session.ID, name string) (path string, ok bool, err error)

	// ActiveSessionCount returns the number of sessions with chunks that are
	// not finalized. Used for metrics.
	ActiveSessionCount() int
}

var (
	// ErrInvalidChunk is returned for file names that are not chunk files.
	ErrInvalidChunk = errors.New("invalid chunk name")

	// ErrNotFinalized is returned when the sealed output is requested early.
	ErrNotFinalized = errors.New("session not finalized")
)

// FileRepository implements Repository on a session.Store.
type FileRepository struct {
	store *session.Store
	log   *slog.Logger
}

// NewFileRepository returns a repository reading from store.
func NewFileRepository(store *session.Store, log *slog.Logger) *FileRepository {
	return &FileRepository{store: store, log: logger.OrNop(log)}
}

// Snapshot implements Repository.Snapshot.
func (r *FileRepository) Snapshot(id session.ID) (Snapshot, bool, error) {
	ok, err := r.store.Exists(id)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	chunks, err := r.store.ListChunks(id)
	if errors.Is(err, session.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	meta, err := r.store.LoadMetadata(id)
	if err != nil {
		r.log.Warn("session metadata unusable, using defaults",
			slog.String("session_id", string(id)),
			slog.String("error", err.Error()))
	}
	return Snapshot{ID: id, Chunks: chunks, Meta: meta}, true, nil
}

// Manifest implements Repository.Manifest.
func (r *FileRepository) Manifest(id session.ID) ([]byte, bool, error) {
	if !session.ValidID(string(id)) {
		return nil, false, nil
	}
	data, err := r.store.ReadFile(id, session.ManifestFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// FilePath implements Repository.FilePath.
func (r *FileRepository) FilePath(id session.ID, name string) (string, bool, error) {
	if !session.ValidID(string(id)) {
		return "", false, nil
	}
	p := r.store.Path(id, name)
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("stat %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return "", false, nil
	}
	return p, true, nil
}

// ActiveSessionCount implements Repository.ActiveSessionCount.
func (r *FileRepository) ActiveSessionCount() int {
	ids, err := r.store.ListSessions()
	if err != nil {
		return 0
	}
	n := 0
	for _, id := range ids {
		chunks, err := r.store.ListChunks(id)
		if err != nil || len(chunks) == 0 {
			continue
		}
		if meta, _ := r.store.LoadMetadata(id); !meta.Finalized {
			n++
		}
	}
	return n
}

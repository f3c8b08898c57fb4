package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio/v2"
)

var (
	// ErrNotFound is returned when the session directory does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrMetadataMissing is returned by ReadMetadata when metadata.json is absent.
	ErrMetadataMissing = errors.New("session metadata missing")

	// ErrMetadataCorrupt is returned by ReadMetadata when metadata.json cannot be decoded.
	ErrMetadataCorrupt = errors.New("session metadata corrupt")
)

// Store reads and writes session directories under a storage root.
// Every call reads the directory fresh; nothing about file existence is cached.
type Store struct {
	root string
}

// NewStore returns a Store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the storage root.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory of a session.
func (s *Store) Dir(id ID) string {
	return filepath.Join(s.root, string(id))
}

// Path returns the path of a file inside a session directory.
func (s *Store) Path(id ID, name string) string {
	return filepath.Join(s.root, string(id), name)
}

// OutputPath returns where the sealed output for the given container lives.
func (s *Store) OutputPath(id ID, ext string) string {
	return s.Path(id, OutputBase+"."+NormalizeExt(ext))
}

// Exists reports whether the session directory exists.
func (s *Store) Exists(id ID) (bool, error) {
	if !ValidID(string(id)) {
		return false, nil
	}
	info, err := os.Stat(s.Dir(id))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// ListSessions returns the session directories under the root, sorted by name.
func (s *Store) ListSessions() ([]ID, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read storage root: %w", err)
	}
	ids := make([]ID, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !ValidID(e.Name()) {
			continue
		}
		ids = append(ids, ID(e.Name()))
	}
	return ids, nil
}

// ListChunks returns every chunk file of the session sorted by file name.
// Files that vanish between the listing and the stat are skipped.
func (s *Store) ListChunks(id ID) ([]Chunk, error) {
	dir := s.Dir(id)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read session dir %s: %w", id, err)
	}

	chunks := make([]Chunk, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ordinal, ext, ok := ParseChunkName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat chunk %s/%s: %w", id, e.Name(), err)
		}
		chunks = append(chunks, Chunk{
			Ordinal: ordinal,
			Name:    e.Name(),
			Ext:     ext,
			Size:    info.Size(),
			Path:    filepath.Join(dir, e.Name()),
		})
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Name < chunks[j].Name })
	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks, nil
}

// ListChunksWithExt is ListChunks restricted to one container extension.
func (s *Store) ListChunksWithExt(id ID, ext string) ([]Chunk, error) {
	all, err := s.ListChunks(id)
	if err != nil {
		return nil, err
	}
	ext = NormalizeExt(ext)
	out := all[:0:0]
	for _, c := range all {
		if c.Ext == ext {
			c.Index = len(out)
			out = append(out, c)
		}
	}
	return out, nil
}

// ReadMetadata decodes metadata.json. Callers that must keep going on a bad
// record use LoadMetadata instead.
func (s *Store) ReadMetadata(id ID) (Metadata, error) {
	data, err := os.ReadFile(s.Path(id, MetadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Metadata{}, ErrMetadataMissing
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata %s: %w", id, err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("%w: %s: %v", ErrMetadataCorrupt, id, err)
	}
	return m, nil
}

// LoadMetadata is ReadMetadata that never fails hard: a missing record yields
// defaults with a nil error, a corrupt or unreadable one yields defaults plus the
// error so the caller can log it.
func (s *Store) LoadMetadata(id ID) (Metadata, error) {
	m, err := s.ReadMetadata(id)
	if errors.Is(err, ErrMetadataMissing) {
		return Metadata{}, nil
	}
	if err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// WriteMetadata replaces metadata.json with indented JSON in one atomic step.
func (s *Store) WriteMetadata(id ID, m Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", id, err)
	}
	return s.WriteFile(id, MetadataFile, append(data, '\n'))
}

// ReadFile reads a file of the session; a missing file returns fs.ErrNotExist.
func (s *Store) ReadFile(id ID, name string) ([]byte, error) {
	return os.ReadFile(s.Path(id, name))
}

// WriteFile replaces a session file atomically (temp file, fsync, rename), so
// concurrent readers see either the old or the new content, never a mix.
func (s *Store) WriteFile(id ID, name string, data []byte) error {
	if err := renameio.WriteFile(s.Path(id, name), data, 0o644); err != nil {
		return fmt.Errorf("write %s/%s: %w", id, name, err)
	}
	return nil
}

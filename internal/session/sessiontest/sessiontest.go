// Package sessiontest builds session directories for tests.
package sessiontest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"matchstream/internal/session"
)

// NewRoot returns a temporary storage root and a Store over it.
func NewRoot(t testing.TB) (string, *session.Store) {
	t.Helper()
	root := t.TempDir()
	return root, session.NewStore(root)
}

// WriteChunks creates n chunk files with ordinals 0..n-1. Each file holds its
// own name so tests can recognise which bytes came from where.
func WriteChunks(t testing.TB, root string, id session.ID, ext string, n int) []string {
	t.Helper()
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		names = append(names, WriteChunk(t, root, id, int64(i), ext))
	}
	return names
}

// WriteChunk creates one chunk file and returns its name.
func WriteChunk(t testing.TB, root string, id session.ID, ordinal int64, ext string) string {
	t.Helper()
	dir := filepath.Join(root, string(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	name := session.ChunkName(ordinal, ext)
	if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	return name
}

// WriteMetadata writes a raw metadata record (any JSON value, or a string taken
// verbatim) to the session directory.
func WriteMetadata(t testing.TB, root string, id session.ID, v any) {
	t.Helper()
	dir := filepath.Join(root, string(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	var data []byte
	switch raw := v.(type) {
	case string:
		data = []byte(raw)
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			t.Fatalf("encode metadata: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, session.MetadataFile), data, 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
}

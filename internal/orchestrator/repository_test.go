package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"matchstream/internal/session/sessiontest"
)

func TestFileRepository_Snapshot(t *testing.T) {
	root, store := sessiontest.NewRoot(t)
	sessiontest.WriteChunks(t, root, "42", "webm", 3)
	sessiontest.WriteMetadata(t, root, "42", "{not json")
	repo := NewFileRepository(store, nil)

	snap, ok, err := repo.Snapshot("42")
	if err != nil || !ok {
		t.Fatalf("Snapshot: ok=%v err=%v", ok, err)
	}
	if len(snap.Chunks) != 3 || snap.Meta.Finalized {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	if _, ok, err := repo.Snapshot("missing"); ok || err != nil {
		t.Errorf("missing session: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := repo.Snapshot("test-session"); ok {
		t.Error("test sessions must not be exposed")
	}
}

func TestFileRepository_FilePath(t *testing.T) {
	root, store := sessiontest.NewRoot(t)
	sessiontest.WriteChunks(t, root, "42", "webm", 1)
	if err := os.Mkdir(filepath.Join(root, "42", "chunk_00001.webm"), 0o755); err != nil {
		t.Fatal(err)
	}
	repo := NewFileRepository(store, nil)

	if p, ok, err := repo.FilePath("42", "chunk_00000.webm"); !ok || err != nil || p != filepath.Join(root, "42", "chunk_00000.webm") {
		t.Errorf("chunk 0: %s %v %v", p, ok, err)
	}
	if _, ok, _ := repo.FilePath("42", "chunk_00001.webm"); ok {
		t.Error("directories are not files")
	}
	if _, ok, _ := repo.FilePath("..", "passwd"); ok {
		t.Error("invalid session ids must be rejected")
	}
}

func TestFileRepository_ActiveSessionCount(t *testing.T) {
	root, store := sessiontest.NewRoot(t)
	sessiontest.WriteChunks(t, root, "live1", "webm", 1)
	sessiontest.WriteChunks(t, root, "live2", "webm", 2)
	sessiontest.WriteChunks(t, root, "done", "webm", 1)
	sessiontest.WriteMetadata(t, root, "done", map[string]any{"finalized": true})
	sessiontest.WriteMetadata(t, root, "empty", map[string]any{})

	if n := NewFileRepository(store, nil).ActiveSessionCount(); n != 2 {
		t.Errorf("expected 2 active sessions, got %d", n)
	}
}

package session_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"matchstream/internal/session"
	"matchstream/internal/session/sessiontest"
)

func TestStore_ListSessions_filters_entries(t *testing.T) {
	root, store := sessiontest.NewRoot(t)
	for _, d := range []string{"42", "match-7", "test-fixture", "TestRun", ".hidden", "_tmp"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "stray.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	ids, err := store.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(ids) != 2 || ids[0] != "42" || ids[1] != "match-7" {
		t.Errorf("unexpected sessions %v", ids)
	}
}

func TestStore_ListChunks_sorted_by_name(t *testing.T) {
	root, store := sessiontest.NewRoot(t)
	for _, ord := range []int64{3, 0, 11, 1, 2} {
		sessiontest.WriteChunk(t, root, "s1", ord, "webm")
	}
	// Non-chunk files are ignored.
	sessiontest.WriteMetadata(t, root, "s1", map[string]any{"segment_duration_ms": 2000})
	_ = os.WriteFile(filepath.Join(root, "s1", "chunk_abc.webm"), nil, 0o644)
	_ = os.WriteFile(filepath.Join(root, "s1", session.ManifestFile), nil, 0o644)

	chunks, err := store.ListChunks("s1")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	want := []string{"chunk_00000.webm", "chunk_00001.webm", "chunk_00002.webm", "chunk_00003.webm", "chunk_00011.webm"}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(chunks))
	}
	for i, c := range chunks {
		if c.Name != want[i] || c.Index != i {
			t.Errorf("chunk %d = %+v, want name %s", i, c, want[i])
		}
		if c.Size != int64(len(c.Name)) {
			t.Errorf("chunk %s size = %d", c.Name, c.Size)
		}
	}
	if chunks[4].Ordinal != 11 {
		t.Errorf("ordinal = %d, want 11", chunks[4].Ordinal)
	}
}

func TestStore_ListChunks_missing_session(t *testing.T) {
	_, store := sessiontest.NewRoot(t)
	_, err := store.ListChunks("nope")
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ListChunksWithExt(t *testing.T) {
	root, store := sessiontest.NewRoot(t)
	sessiontest.WriteChunks(t, root, "s1", "webm", 2)
	sessiontest.WriteChunk(t, root, "s1", 5, "mp4")

	chunks, err := store.ListChunksWithExt("s1", ".WEBM")
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 || chunks[1].Index != 1 {
		t.Errorf("unexpected %v", chunks)
	}
}

func TestStore_Metadata_roundtrip_preserves_unknown_fields(t *testing.T) {
	root, store := sessiontest.NewRoot(t)
	sessiontest.WriteMetadata(t, root, "s1", `{"segment_duration_ms": 2500, "producer": {"host": "h1"}}`)

	m, err := store.ReadMetadata("s1")
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if m.SegmentDuration() != 2500*time.Millisecond {
		t.Errorf("segment duration = %v", m.SegmentDuration())
	}

	m.Finalized = true
	m.FinalizedAt = 1700000000000
	if err := store.WriteMetadata("s1", m); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(root, "s1", session.MetadataFile))
	text := string(data)
	if !strings.Contains(text, "\n  \"finalized\": true") {
		t.Errorf("expected indented JSON, got %s", text)
	}
	if !strings.Contains(text, `"producer"`) {
		t.Errorf("unknown field dropped: %s", text)
	}

	again, err := store.ReadMetadata("s1")
	if err != nil || !again.Finalized || again.SegmentDurationMs != 2500 {
		t.Errorf("reread = %+v, %v", again, err)
	}
}

func TestStore_LoadMetadata_defaults(t *testing.T) {
	root, store := sessiontest.NewRoot(t)
	sessiontest.WriteChunks(t, root, "missing", "webm", 1)

	m, err := store.LoadMetadata("missing")
	if err != nil {
		t.Errorf("missing metadata should not error, got %v", err)
	}
	if m.SegmentDuration() != session.DefaultSegmentDuration || m.Finalized {
		t.Errorf("expected defaults, got %+v", m)
	}

	sessiontest.WriteMetadata(t, root, "corrupt", "{not json")
	m, err = store.LoadMetadata("corrupt")
	if !errors.Is(err, session.ErrMetadataCorrupt) {
		t.Errorf("expected ErrMetadataCorrupt, got %v", err)
	}
	if m.SegmentDuration() != session.DefaultSegmentDuration {
		t.Errorf("corrupt metadata should yield defaults, got %v", m.SegmentDuration())
	}
}

func TestMetadata_malformed_duration_falls_back(t *testing.T) {
	root, store := sessiontest.NewRoot(t)
	sessiontest.WriteMetadata(t, root, "s1", `{"segment_duration_ms": "abc", "finalized": true}`)

	m, err := store.ReadMetadata("s1")
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if m.SegmentDuration() != session.DefaultSegmentDuration {
		t.Errorf("expected default duration, got %v", m.SegmentDuration())
	}
	if !m.Finalized {
		t.Error("finalized flag lost")
	}
}

func TestStore_Exists(t *testing.T) {
	root, store := sessiontest.NewRoot(t)
	sessiontest.WriteChunks(t, root, "s1", "webm", 1)

	if ok, err := store.Exists("s1"); !ok || err != nil {
		t.Errorf("Exists(s1) = %v, %v", ok, err)
	}
	if ok, _ := store.Exists("s2"); ok {
		t.Error("s2 should not exist")
	}
	if ok, _ := store.Exists("../etc"); ok {
		t.Error("invalid ids never exist")
	}
}

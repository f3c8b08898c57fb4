package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"matchstream/internal/finalize"
	"matchstream/internal/player"
	"matchstream/internal/playlist"
	"matchstream/internal/session"
	"matchstream/internal/session/sessiontest"

	"github.com/go-chi/chi/v5"
)

type stubEncoder struct{ err error }

func (e *stubEncoder) Encode(_ context.Context, job finalize.Job) error {
	if e.err != nil {
		return e.err
	}
	return os.WriteFile(job.OutputPath, []byte("sealed"), 0o644)
}

type testEnv struct {
	root   string
	store  *session.Store
	enc    *stubEncoder
	router *chi.Mux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root, store := sessiontest.NewRoot(t)
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	enc := &stubEncoder{}
	svc := NewService(NewFileRepository(store, log), finalize.New(store, enc), "http://media.test", 0)
	h := NewHandler(svc, log, nil)

	r := chi.NewRouter()
	h.Routes(r)
	return &testEnv{root: root, store: store, enc: enc, router: r}
}

func (e *testEnv) do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestHandler_GetPlayback(t *testing.T) {
	env := newTestEnv(t)
	sessiontest.WriteChunks(t, env.root, "42", "webm", 2)
	sessiontest.WriteMetadata(t, env.root, "42", map[string]any{"segment_duration_ms": 4000})

	rec := env.do(http.MethodGet, "/sessions/42/playback", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected json content type, got %s", ct)
	}

	m, err := player.DecodeJSON(rec.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.CompetitionID != "42" || m.Status != player.StatusLive || m.Extension != "webm" {
		t.Errorf("unexpected manifest header: %+v", m)
	}
	if len(m.Chunks) != 2 || m.TotalDuration != 8 {
		t.Fatalf("expected 2 chunks and 8s, got %d and %v", len(m.Chunks), m.TotalDuration)
	}
	c := m.Chunks[1]
	if c.Index != 1 || c.File != "chunk_00001.webm" || c.Duration != 4 || c.Size != int64(len("chunk_00001.webm")) {
		t.Errorf("unexpected chunk %+v", c)
	}
	if c.URL != "http://media.test/sessions/42/chunks/chunk_00001.webm" {
		t.Errorf("unexpected chunk url %s", c.URL)
	}
	if m.VODURL != "" {
		t.Errorf("live session should have no vod url, got %s", m.VODURL)
	}
}

func TestHandler_GetPlayback_not_found(t *testing.T) {
	env := newTestEnv(t)
	for _, target := range []string{"/sessions/missing/playback", "/sessions/_hidden/playback"} {
		if rec := env.do(http.MethodGet, target, nil); rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", target, rec.Code)
		}
	}
}

func TestHandler_GetPlaylist(t *testing.T) {
	env := newTestEnv(t)
	names := sessiontest.WriteChunks(t, env.root, "42", "webm", 3)
	manifest := playlist.Render(names, session.DefaultSegmentDuration, false)
	if err := env.store.WriteFile("42", session.ManifestFile, []byte(manifest)); err != nil {
		t.Fatal(err)
	}

	rec := env.do(http.MethodGet, "/sessions/42/playlist.m3u8", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/vnd.apple.mpegurl" {
		t.Errorf("expected playlist content type, got %s", rec.Header().Get("Content-Type"))
	}
	if rec.Body.String() != manifest {
		t.Errorf("unexpected playlist body: %s", rec.Body.String())
	}
}

func TestHandler_GetPlaylist_not_written_yet(t *testing.T) {
	env := newTestEnv(t)
	sessiontest.WriteChunks(t, env.root, "42", "webm", 1)

	if rec := env.do(http.MethodGet, "/sessions/42/playlist.m3u8", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_playlist_chunks_resolve(t *testing.T) {
	env := newTestEnv(t)
	names := sessiontest.WriteChunks(t, env.root, "m1", "webm", 2)
	if rep := playlist.NewBuilder(env.store, nil).Scan(context.Background()); rep.Written != 1 {
		t.Fatalf("expected one manifest written, got %+v", rep)
	}

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	src := player.NewHTTPSource(srv.URL + "/sessions/m1/playlist.m3u8")

	m, err := src.Manifest(context.Background())
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if len(m.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(m.Chunks))
	}
	for i, c := range m.Chunks {
		data, err := src.Chunk(context.Background(), c.URL)
		if err != nil {
			t.Fatalf("chunk %d (%s): %v", i, c.URL, err)
		}
		if string(data) != names[i] {
			t.Errorf("chunk %d: unexpected body %q", i, data)
		}
	}

	if rec := env.do(http.MethodGet, "/sessions/m1/notes.txt", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a non-chunk name, got %d", rec.Code)
	}
}

func TestHandler_GetChunk(t *testing.T) {
	env := newTestEnv(t)
	sessiontest.WriteChunks(t, env.root, "42", "webm", 1)

	rec := env.do(http.MethodGet, "/sessions/42/chunks/chunk_00000.webm", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "video/webm" {
		t.Errorf("expected video/webm, got %s", rec.Header().Get("Content-Type"))
	}
	if rec.Body.String() != "chunk_00000.webm" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}

	rec = env.do(http.MethodGet, "/sessions/42/chunks/chunk_00000.webm", http.Header{"Range": {"bytes=0-4"}})
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "chunk" {
		t.Errorf("expected 206 with 'chunk', got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandler_GetChunk_rejects(t *testing.T) {
	env := newTestEnv(t)
	sessiontest.WriteChunks(t, env.root, "42", "webm", 1)
	sessiontest.WriteMetadata(t, env.root, "42", map[string]any{})

	cases := map[string]int{
		"/sessions/42/chunks/metadata.json":      http.StatusBadRequest,
		"/sessions/42/chunks/chunk_00009.webm":   http.StatusNotFound,
		"/sessions/nope/chunks/chunk_00000.webm": http.StatusNotFound,
	}
	for target, want := range cases {
		if rec := env.do(http.MethodGet, target, nil); rec.Code != want {
			t.Errorf("%s: expected %d, got %d", target, want, rec.Code)
		}
	}
}

func TestHandler_Finalize_then_vod(t *testing.T) {
	env := newTestEnv(t)
	sessiontest.WriteChunks(t, env.root, "42", "webm", 2)

	if rec := env.do(http.MethodGet, "/sessions/42/vod", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("vod before finalize: expected 404, got %d", rec.Code)
	}

	rec := env.do(http.MethodPost, "/sessions/42/finalize?ext=webm", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res finalize.Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.SessionID != "42" || res.Chunks != 2 || res.OutputSize != int64(len("sealed")) {
		t.Errorf("unexpected result %+v", res)
	}

	rec = env.do(http.MethodGet, "/sessions/42/vod", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "sealed" {
		t.Errorf("vod: expected 200 'sealed', got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "video/mp4" {
		t.Errorf("vod content type %s", rec.Header().Get("Content-Type"))
	}

	rec = env.do(http.MethodGet, "/sessions/42/playback", nil)
	m, err := player.DecodeJSON(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Finalized() || m.VODURL != "http://media.test/sessions/42/vod" {
		t.Errorf("expected finalized manifest with vod url, got %+v", m)
	}

	rec = env.do(http.MethodGet, "/sessions/42/playlist.m3u8", nil)
	if !strings.HasSuffix(rec.Body.String(), "#EXT-X-ENDLIST\n") {
		t.Errorf("manifest not closed: %s", rec.Body.String())
	}

	if rec := env.do(http.MethodPost, "/sessions/42/finalize", nil); rec.Code != http.StatusConflict {
		t.Errorf("second finalize: expected 409, got %d", rec.Code)
	}
}

func TestHandler_Finalize_errors(t *testing.T) {
	env := newTestEnv(t)
	sessiontest.WriteMetadata(t, env.root, "empty", map[string]any{})
	sessiontest.WriteChunks(t, env.root, "broken", "webm", 1)

	if rec := env.do(http.MethodPost, "/sessions/missing/finalize", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing: expected 404, got %d", rec.Code)
	}

	rec := env.do(http.MethodPost, "/sessions/empty/finalize", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty: expected 422, got %d", rec.Code)
	}
	var body Error
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || !strings.Contains(body.Error, "no chunks") {
		t.Errorf("expected no chunks error body, got %+v (%v)", body, err)
	}

	env.enc.err = errors.New("exit status 1")
	if rec := env.do(http.MethodPost, "/sessions/broken/finalize", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("encoder failure: expected 500, got %d", rec.Code)
	}
	if _, err := os.Stat(env.store.OutputPath("broken", finalize.OutputExt)); !os.IsNotExist(err) {
		t.Errorf("expected no output after encoder failure, stat err %v", err)
	}
}

func TestHandler_GetVOD_published_redirects(t *testing.T) {
	env := newTestEnv(t)
	sessiontest.WriteChunks(t, env.root, "42", "webm", 1)
	sessiontest.WriteMetadata(t, env.root, "42", map[string]any{
		"finalized": true,
		"vod_path":  "https://cdn.test/vod/42/vod.mp4",
	})

	rec := env.do(http.MethodGet, "/sessions/42/vod", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://cdn.test/vod/42/vod.mp4" {
		t.Errorf("unexpected location %s", loc)
	}
}

func TestFinalizeStatus(t *testing.T) {
	cases := map[error]int{
		finalize.ErrSessionNotFound:  http.StatusNotFound,
		finalize.ErrNoChunks:         http.StatusUnprocessableEntity,
		finalize.ErrAlreadyFinalized: http.StatusConflict,
		finalize.ErrInProgress:       http.StatusConflict,
		finalize.ErrEncoderFailed:    http.StatusInternalServerError,
		finalize.ErrOutputMissing:    http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := finalizeStatus(err); got != want {
			t.Errorf("%v: expected %d, got %d", err, want, got)
		}
	}
}

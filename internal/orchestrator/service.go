package orchestrator

import (
	"context"
	"fmt"
	"time"

	"matchstream/internal/finalize"
	"matchstream/internal/session"
)

// Finalizer seals a session.
type Finalizer interface {
	Finalize(ctx context.Context, id session.ID, ext string) (finalize.Result, error)
}

// Service answers the session routes on top of a Repository and a Finalizer.
type Service struct {
	repo           Repository
	fin            Finalizer
	baseURL        string
	defaultSegment time.Duration
}

// NewService returns a Service. baseURL prefixes the chunk URLs it hands out.
// If defaultSegment <= 0, session.DefaultSegmentDuration is used.
func NewService(repo Repository, fin Finalizer, baseURL string, defaultSegment time.Duration) *Service {
	if defaultSegment <= 0 {
		defaultSegment = session.DefaultSegmentDuration
	}
	return &Service{repo: repo, fin: fin, baseURL: baseURL, defaultSegment: defaultSegment}
}

// GetPlayback returns the playback manifest of a session.
func (s *Service) GetPlayback(id session.ID) (Playback, bool, error) {
	snap, ok, err := s.repo.Snapshot(id)
	if err != nil || !ok {
		return Playback{}, ok, err
	}
	return BuildPlayback(snap, s.defaultSegment, s.baseURL), true, nil
}

// GetPlaylist returns the manifest file as the builder last wrote it.
func (s *Service) GetPlaylist(id session.ID) ([]byte, bool, error) {
	return s.repo.Manifest(id)
}

// ChunkPath resolves a chunk file. Names outside the chunk pattern are
// rejected before touching the disk.
func (s *Service) ChunkPath(id session.ID, file string) (string, bool, error) {
	if _, _, ok := session.ParseChunkName(file); !ok {
		return "", false, fmt.Errorf("%q: %w", file, ErrInvalidChunk)
	}
	return s.repo.FilePath(id, file)
}

// VOD says where the sealed output of a session can be read: a local path,
// or a URL when it was published elsewhere.
type VOD struct {
	Path string
	URL  string
}

// GetVOD locates the sealed output. It fails with ErrNotFinalized before the
// session is finalized.
func (s *Service) GetVOD(id session.ID) (VOD, bool, error) {
	snap, ok, err := s.repo.Snapshot(id)
	if err != nil || !ok {
		return VOD{}, ok, err
	}
	if !snap.Meta.Finalized {
		return VOD{}, true, ErrNotFinalized
	}
	p, ok, err := s.repo.FilePath(id, session.OutputBase+"."+finalize.OutputExt)
	if err != nil {
		return VOD{}, false, err
	}
	if ok {
		return VOD{Path: p}, true, nil
	}
	if isRemote(snap.Meta.VODPath) {
		return VOD{URL: snap.Meta.VODPath}, true, nil
	}
	return VOD{}, false, nil
}

// Finalize seals a session through the finalize pipeline.
func (s *Service) Finalize(ctx context.Context, id session.ID, ext string) (finalize.Result, error) {
	return s.fin.Finalize(ctx, id, ext)
}

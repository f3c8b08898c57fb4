package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrFetch marks an HTTP failure while loading a manifest or chunk.
var ErrFetch = errors.New("fetch failed")

// Source provides manifests and chunk bytes.
type Source interface {
	Manifest(ctx context.Context) (Manifest, error)
	Chunk(ctx context.Context, url string) ([]byte, error)
}

// HTTPSource reads from the storage server. A URL ending in .m3u8, or a
// response typed as an HLS playlist, is decoded as HLS; anything else as the
// JSON playback manifest.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func NewHTTPSource(manifestURL string) *HTTPSource {
	return &HTTPSource{URL: manifestURL, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (s *HTTPSource) Manifest(ctx context.Context) (Manifest, error) {
	base, err := url.Parse(s.URL)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest url: %w", err)
	}
	resp, err := s.get(ctx, s.URL)
	if err != nil {
		return Manifest{}, err
	}
	defer resp.Body.Close()

	if isHLS(base.Path, resp.Header.Get("Content-Type")) {
		return DecodeHLS(resp.Body, base)
	}
	return DecodeJSON(resp.Body)
}

func (s *HTTPSource) Chunk(ctx context.Context, chunkURL string) ([]byte, error) {
	resp, err := s.get(ctx, chunkURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *HTTPSource) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s: %s", ErrFetch, u, resp.Status)
	}
	return resp, nil
}

func isHLS(p, contentType string) bool {
	if strings.HasSuffix(strings.ToLower(p), ".m3u8") {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/vnd.apple.mpegurl" || mt == "application/x-mpegurl" || mt == "audio/mpegurl"
}

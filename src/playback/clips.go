package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	blobScheme  = "blob:"
	assetScheme = "asset:"

	maxFetchBytes = 32 << 20
)

var (
	ErrClipNotFound   = errors.New("clip not found")
	ErrUnsupportedURL = errors.New("unsupported audio url")
)

// Clip is a locally held audio object.
type Clip struct {
	Data        []byte
	ContentType string
}

// ClipStore keeps decoded agent audio behind synthetic blob: URLs for the
// lifetime of a call.
type ClipStore struct {
	mu    sync.RWMutex
	clips map[string]Clip
}

func NewClipStore() *ClipStore {
	return &ClipStore{clips: make(map[string]Clip)}
}

// Put stores data and returns its local URL.
func (s *ClipStore) Put(data []byte, contentType string) string {
	url := blobScheme + uuid.NewString()
	s.mu.Lock()
	s.clips[url] = Clip{Data: data, ContentType: contentType}
	s.mu.Unlock()
	return url
}

func (s *ClipStore) Get(url string) (Clip, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clips[url]
	return c, ok
}

func (s *ClipStore) Revoke(url string) {
	s.mu.Lock()
	delete(s.clips, url)
	s.mu.Unlock()
}

// Clear revokes every clip.
func (s *ClipStore) Clear() {
	s.mu.Lock()
	s.clips = make(map[string]Clip)
	s.mu.Unlock()
}

func (s *ClipStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clips)
}

// IsLocalURL reports whether url names a clip held in memory.
func IsLocalURL(url string) bool {
	return strings.HasPrefix(url, blobScheme)
}

// Loader turns an audio URL into encoded bytes.
type Loader interface {
	Load(ctx context.Context, url string) ([]byte, error)
}

// Resolver loads blob: URLs from a ClipStore, asset: URLs from AssetDir and
// http(s) URLs over the network.
type Resolver struct {
	Clips    *ClipStore
	AssetDir string
	HTTP     *http.Client
}

func NewResolver(clips *ClipStore, assetDir string) *Resolver {
	return &Resolver{
		Clips:    clips,
		AssetDir: assetDir,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *Resolver) Load(ctx context.Context, url string) ([]byte, error) {
	switch {
	case strings.HasPrefix(url, blobScheme):
		if r.Clips == nil {
			return nil, ErrClipNotFound
		}
		clip, ok := r.Clips.Get(url)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrClipNotFound, url)
		}
		return clip.Data, nil

	case strings.HasPrefix(url, assetScheme):
		if r.AssetDir == "" {
			return nil, fmt.Errorf("%w: no asset directory for %s", ErrClipNotFound, url)
		}
		name := path.Clean("/" + strings.TrimPrefix(url, assetScheme))
		data, err := os.ReadFile(filepath.Join(r.AssetDir, filepath.FromSlash(name)))
		if err != nil {
			return nil, fmt.Errorf("read asset %s: %w", name, err)
		}
		return data, nil

	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		return r.fetch(ctx, url)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, url)
}

func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build audio request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("fetch audio: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(data) > maxFetchBytes {
		return nil, fmt.Errorf("audio exceeds %d bytes", maxFetchBytes)
	}
	return data, nil
}

package memory

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

var (
	_ domain.BlobWriter = (*BlobStore)(nil)
	_ domain.BlobReader = (*BlobStore)(nil)
)

type blob struct {
	data        []byte
	contentType string
}

// BlobStore is an in-process object store.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]blob
}

func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string]blob)}
}

func (s *BlobStore) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = blob{data: body, contentType: contentType}
	return nil
}

func (s *BlobStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (s *BlobStore) Exists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[path]
	return ok, nil
}

// ContentType returns the content type stored with path.
func (s *BlobStore) ContentType(path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[path]
	return b.contentType, ok
}

// Package blobstore stores capture artifacts (consultation audio,
// prescription images). Objects are addressed by an opaque reference string
// that names the backend: mem://<key> or s3://<bucket>/<key>.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
	ErrInvalidRef   = errors.New("invalid blob reference")
)

// MaxFileSize bounds a single object.
const MaxFileSize = 100 * 1024 * 1024

type Store interface {
	// Put stores r under key and returns the object's reference. size may be
	// -1 when unknown.
	Put(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, error)
	Get(ctx context.Context, ref string) (io.ReadCloser, *Metadata, error)
	Delete(ctx context.Context, ref string) error
}

// Metadata describes a stored object.
type Metadata struct {
	Ref         string
	ContentType string
	Size        int64
	Hash        string
	CreatedAt   time.Time
}

func splitRef(ref, scheme string) (string, error) {
	rest, ok := strings.CutPrefix(ref, scheme+"://")
	if !ok || rest == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return rest, nil
}

type storedBlob struct {
	meta    Metadata
	content []byte
}

// MemoryStore keeps objects in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]*storedBlob)}
}

func (s *MemoryStore) Put(_ context.Context, key, contentType string, r io.Reader, _ int64) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidRef)
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return "", fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return "", ErrFileTooLarge
	}

	ref := "mem://" + key
	s.mu.Lock()
	s.blobs[key] = &storedBlob{
		meta: Metadata{
			Ref:         ref,
			ContentType: contentType,
			Size:        int64(len(data)),
			Hash:        fmt.Sprintf("%x", sha256.Sum256(data)),
			CreatedAt:   time.Now().UTC(),
		},
		content: data,
	}
	s.mu.Unlock()
	return ref, nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) (io.ReadCloser, *Metadata, error) {
	key, err := splitRef(ref, "mem")
	if err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := blob.meta
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *MemoryStore) Delete(_ context.Context, ref string) error {
	key, err := splitRef(ref, "mem")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

// Len reports the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// Config selects a backend.
type Config struct {
	Backend string // memory | s3
	Bucket  string
	Region  string
}

func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "s3":
		return NewS3Store(ctx, cfg.Bucket, cfg.Region)
	}
	return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
}

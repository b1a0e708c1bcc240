// Package memory is an in-process storage.Store used by tests and local
// dry runs.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/andres-nav/actual-budget-agent/pkg/storage"
	"github.com/andres-nav/actual-budget-agent/pkg/types"
)

type object struct {
	data    []byte
	modTime time.Time
}

// Store keeps objects in a map. The Err fields, when set, are returned by the
// matching operation.
type Store struct {
	mu      sync.Mutex
	objects map[string]object

	ListErr     error
	DownloadErr error
	UploadErr   error
}

// New returns an empty store.
func New() *Store {
	return &Store{objects: make(map[string]object)}
}

// Put stores data under key directly.
func (s *Store) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{data: append([]byte(nil), data...), modTime: time.Now()}
}

// Get returns a copy of the object stored under key.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Keys returns all stored keys.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

func (s *Store) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ObjectInfo
	for k, obj := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, types.ObjectInfo{Key: k, Size: int64(len(obj.data)), LastModified: obj.modTime})
		}
	}
	return out, nil
}

func (s *Store) Download(ctx context.Context, key, destPath string) error {
	if s.DownloadErr != nil {
		return s.DownloadErr
	}
	data, ok := s.Get(key)
	if !ok {
		return fmt.Errorf("downloading %s: %w", key, storage.ErrNotFound)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".download-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), destPath)
}

func (s *Store) Upload(ctx context.Context, srcPath, key string) error {
	if s.UploadErr != nil {
		return s.UploadErr
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	s.Put(key, data)
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := s.Get(key)
	return ok, nil
}

var _ storage.Store = (*Store)(nil)

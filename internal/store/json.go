package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/joescharf/sitedit/internal/models"
)

// JSONStore keeps every request in one JSON array file. The whole file is
// rewritten atomically on each write, and re-read whenever another process
// has replaced it.
type JSONStore struct {
	path string

	mu       sync.Mutex
	requests map[string]*models.ChangeRequest
	loaded   bool
	modTime  time.Time
	size     int64
}

// NewJSONStore returns a store backed by the file at path. The file is
// created on first write.
func NewJSONStore(path string) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	return &JSONStore{path: path, requests: make(map[string]*models.ChangeRequest)}, nil
}

// Migrate loads the file. A missing or empty file is an empty queue.
func (s *JSONStore) Migrate(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// load reads the file unless the copy in memory is current.
func (s *JSONStore) load() error {
	info, err := os.Stat(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stat queue file: %w", err)
	}
	if s.loaded && s.current(info) {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read queue file: %w", err)
	}
	requests := make(map[string]*models.ChangeRequest)
	if len(data) > 0 {
		var list []*models.ChangeRequest
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("parse queue file %s: %w", s.path, err)
		}
		for _, r := range list {
			requests[r.ID] = r
		}
	}
	s.requests = requests
	s.loaded = true
	s.remember(info)
	return nil
}

func (s *JSONStore) current(info os.FileInfo) bool {
	if info == nil {
		return s.modTime.IsZero()
	}
	return info.ModTime().Equal(s.modTime) && info.Size() == s.size
}

func (s *JSONStore) remember(info os.FileInfo) {
	if info == nil {
		s.modTime, s.size = time.Time{}, 0
		return
	}
	s.modTime, s.size = info.ModTime(), info.Size()
}

func (s *JSONStore) ListRequests(_ context.Context) ([]*models.ChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	return s.sorted(), nil
}

func (s *JSONStore) GetRequest(_ context.Context, id string) (*models.ChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (s *JSONStore) SaveRequest(_ context.Context, r *models.ChangeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	prev, had := s.requests[r.ID]
	s.requests[r.ID] = r.Clone()
	if err := s.flush(); err != nil {
		if had {
			s.requests[r.ID] = prev
		} else {
			delete(s.requests, r.ID)
		}
		return fmt.Errorf("save request %s: %w", r.ID, err)
	}
	return nil
}

func (s *JSONStore) DeleteRequests(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return 0, err
	}
	removed := make(map[string]*models.ChangeRequest)
	for _, id := range ids {
		if r, ok := s.requests[id]; ok {
			removed[id] = r
			delete(s.requests, id)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := s.flush(); err != nil {
		for id, r := range removed {
			s.requests[id] = r
		}
		return 0, fmt.Errorf("delete requests: %w", err)
	}
	return int64(len(removed)), nil
}

func (s *JSONStore) Close() error { return nil }

// sorted returns clones ordered by submission time, then id.
func (s *JSONStore) sorted() []*models.ChangeRequest {
	out := make([]*models.ChangeRequest, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// flush writes the whole array to a temp file and renames it into place.
func (s *JSONStore) flush() error {
	data, err := json.MarshalIndent(s.sorted(), "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".queue-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}
	s.remember(info)
	return nil
}

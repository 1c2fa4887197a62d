package coordination

import (
	"context"
	"strconv"
	"sync"

	recordapi "github.com/node-local-cache/csi-driver/internal/api/coordination"
)

// NewFakeStore returns an in-memory Store for unit tests, satisfying the
// same interface the real client-go backed implementation does so the
// rest of the driver can be tested without a cluster.
func NewFakeStore() Store {
	return &fakeStore{
		records:  map[string]*recordapi.Record{},
		versions: map[string]int{},
	}
}

type fakeStore struct {
	mu       sync.Mutex
	records  map[string]*recordapi.Record
	versions map[string]int
}

func (s *fakeStore) Get(_ context.Context, volumeID string) (*recordapi.Record, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[volumeID]
	if !ok {
		return nil, "", ErrNotFound
	}
	return rec.DeepCopy(), strconv.Itoa(s.versions[volumeID]), nil
}

func (s *fakeStore) Create(_ context.Context, rec *recordapi.Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.VolumeID]; ok {
		return "", ErrAlreadyExists
	}

	s.records[rec.VolumeID] = rec.DeepCopy()
	s.versions[rec.VolumeID] = 1
	return "1", nil
}

func (s *fakeStore) Update(_ context.Context, rec *recordapi.Record, expectedVersion string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.versions[rec.VolumeID]
	if !ok {
		return "", ErrNotFound
	}
	if strconv.Itoa(current) != expectedVersion {
		return "", ErrConflict
	}

	current++
	s.versions[rec.VolumeID] = current
	s.records[rec.VolumeID] = rec.DeepCopy()
	return strconv.Itoa(current), nil
}

func (s *fakeStore) Delete(_ context.Context, volumeID string, expectedVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.versions[volumeID]
	if !ok {
		return ErrNotFound
	}
	if strconv.Itoa(current) != expectedVersion {
		return ErrConflict
	}

	delete(s.records, volumeID)
	delete(s.versions, volumeID)
	return nil
}
